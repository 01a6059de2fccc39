// Package session owns one live transport connection per account and
// multiplexes the account's active watchers over it. Attach and detach are
// registry operations; the transport only ever sees the union of watched
// sources per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"leadwatch-bot/model"
	"leadwatch-bot/store"
	"leadwatch-bot/transport"
)

// ErrNoSession is returned by Attach when EnsureSession was never called for
// the account.
var ErrNoSession = errors.New("session: no live session for account")

// ErrAuthRequired is returned when the account has no usable credentials.
var ErrAuthRequired = transport.ErrAuth

// TransportError wraps a transient connect or subscribe failure. The registry
// does not retry; the operation is aborted and surfaced.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport failure: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Dispatcher consumes inbound messages routed to a watcher.
type Dispatcher interface {
	Dispatch(accountID int64, w *model.Watcher, msg transport.Message)
}

// Session is one account's live connection plus its attached watchers.
type Session struct {
	accountID int64
	conn      transport.Conn
	handle    transport.Handle
	inbox     chan transport.Message
	cancel    context.CancelFunc
	done      chan struct{}
	watchers  map[int]*model.Watcher
}

func (s *Session) enqueue(msg transport.Message) {
	select {
	case s.inbox <- msg:
	default:
		// Best-effort delivery: a stalled listener sheds load rather than
		// blocking the transport callback.
		log.Printf("session: inbox full for account %d, dropping message %d", s.accountID, msg.ID)
	}
}

// Registry tracks sessions by account id.
type Registry struct {
	client     transport.Client
	store      *store.Store
	dispatcher Dispatcher

	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewRegistry builds a registry around the transport client. The store
// supplies per-account credentials.
func NewRegistry(client transport.Client, st *store.Store, d Dispatcher) *Registry {
	return &Registry{
		client:     client,
		store:      st,
		dispatcher: d,
		sessions:   make(map[int64]*Session),
	}
}

// EnsureSession returns the account's live session, dialing one if needed.
func (r *Registry) EnsureSession(ctx context.Context, accountID int64) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[accountID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	var creds transport.Credentials
	r.store.View(accountID, func(a *model.Account) {
		creds = transport.Credentials{
			AccountID: accountID,
			Phone:     a.Phone,
			APIID:     a.APIID,
			APIHash:   a.APIHash,
		}
	})
	if creds.Phone == "" || creds.APIHash == "" {
		return nil, ErrAuthRequired
	}

	conn, err := r.client.Connect(ctx, creds)
	if err != nil {
		if errors.Is(err, transport.ErrAuth) {
			return nil, err
		}
		return nil, &TransportError{Err: err}
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		accountID: accountID,
		conn:      conn,
		inbox:     make(chan transport.Message, 128),
		cancel:    cancel,
		done:      make(chan struct{}),
		watchers:  make(map[int]*model.Watcher),
	}

	r.mu.Lock()
	if existing, ok := r.sessions[accountID]; ok {
		// Lost the race; keep the first session.
		r.mu.Unlock()
		cancel()
		_ = conn.Close()
		return existing, nil
	}
	r.sessions[accountID] = s
	r.mu.Unlock()

	go r.listen(listenCtx, s)
	return s, nil
}

// Ensure is EnsureSession without the session handle, for callers that only
// need the side effect.
func (r *Registry) Ensure(ctx context.Context, accountID int64) error {
	_, err := r.EnsureSession(ctx, accountID)
	return err
}

// HasSession reports whether the account currently holds a live session.
func (r *Registry) HasSession(accountID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[accountID]
	return ok
}

// Attach registers the watcher's source filter against the account's session.
// No-op if the watcher is already attached.
func (r *Registry) Attach(ctx context.Context, accountID int64, w *model.Watcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[accountID]
	if !ok {
		return ErrNoSession
	}
	if _, attached := s.watchers[w.ID]; attached {
		return nil
	}
	s.watchers[w.ID] = w
	if err := r.resubscribe(ctx, s); err != nil {
		delete(s.watchers, w.ID)
		return &TransportError{Err: err}
	}
	return nil
}

// Detach removes the watcher's filter. Idempotent; after Detach returns no
// new messages are dispatched to the watcher, while a dispatch already in
// flight completes normally.
func (r *Registry) Detach(ctx context.Context, accountID int64, watcherID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[accountID]
	if !ok {
		return nil
	}
	if _, attached := s.watchers[watcherID]; !attached {
		return nil
	}
	delete(s.watchers, watcherID)
	if err := r.resubscribe(ctx, s); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// Teardown detaches everything and closes the account's session. Used on
// credential rotation.
func (r *Registry) Teardown(accountID int64) {
	r.mu.Lock()
	s, ok := r.sessions[accountID]
	if ok {
		delete(r.sessions, accountID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	if s.handle != nil {
		_ = s.conn.Unsubscribe(s.handle)
	}
	if err := s.conn.Close(); err != nil {
		log.Printf("session: close for account %d: %v", accountID, err)
	}
	<-s.done
}

// ResolveSource resolves a chat reference through the account's session.
func (r *Registry) ResolveSource(ctx context.Context, accountID int64, ref string) (transport.Source, error) {
	r.mu.Lock()
	s, ok := r.sessions[accountID]
	r.mu.Unlock()
	if !ok {
		return transport.Source{}, ErrNoSession
	}
	return s.conn.Resolve(ctx, ref)
}

// resubscribe replaces the session's transport subscription with the union of
// all attached watchers' sources. Caller holds r.mu.
func (r *Registry) resubscribe(ctx context.Context, s *Session) error {
	union := make(map[int64]struct{})
	for _, w := range s.watchers {
		for _, src := range w.Sources {
			union[src] = struct{}{}
		}
	}
	if s.handle != nil {
		if err := s.conn.Unsubscribe(s.handle); err != nil {
			log.Printf("session: unsubscribe for account %d: %v", s.accountID, err)
		}
		s.handle = nil
	}
	if len(union) == 0 {
		return nil
	}
	sources := make([]int64, 0, len(union))
	for src := range union {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	h, err := s.conn.Subscribe(ctx, sources, s.enqueue)
	if err != nil {
		return err
	}
	s.handle = h
	return nil
}

// listen is the session's single background task: it drains the inbox and
// fans each message out to the watchers filtered on its source.
func (r *Registry) listen(ctx context.Context, s *Session) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.inbox:
			for _, w := range r.snapshot(s, msg.SourceID) {
				r.dispatcher.Dispatch(s.accountID, w, msg)
			}
		}
	}
}

// snapshot collects the watchers attached to the given source, ordered by
// watcher id, under the registry lock. Dispatch itself runs unlocked so a
// concurrent Detach is never blocked by match processing.
func (r *Registry) snapshot(s *Session, sourceID int64) []*model.Watcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Watcher
	for _, w := range s.watchers {
		for _, src := range w.Sources {
			if src == sourceID {
				out = append(out, w)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
