// Package transport defines the contract the session registry consumes from
// the chat-message transport. The MTProto client itself lives behind these
// interfaces and is out of scope for this repository.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrAuth indicates there are no valid credentials for the account; the
// subscriber has to complete the login flow before monitoring can start.
var ErrAuth = errors.New("transport: authorization required")

// Credentials identify one account's transport session.
type Credentials struct {
	AccountID int64
	Phone     string
	APIID     int
	APIHash   string
}

// Source describes a resolved chat or channel.
type Source struct {
	ID     int64
	Title  string
	Handle string // public username, empty for private sources
}

// Message is one inbound chat message.
type Message struct {
	ID           int64
	SourceID     int64
	SourceTitle  string
	SourceHandle string
	SenderLabel  string
	SenderBot    bool
	Text         string
	Time         time.Time
}

// Handle is an opaque subscription token returned by Subscribe.
type Handle interface{}

// Conn is one live account connection.
type Conn interface {
	// Subscribe delivers messages from the given sources to onMessage until
	// unsubscribed. onMessage is invoked from the transport's own goroutine
	// and must not block for long.
	Subscribe(ctx context.Context, sources []int64, onMessage func(Message)) (Handle, error)

	// Unsubscribe stops delivery for a previous Subscribe. Safe to call with
	// a handle that was already removed.
	Unsubscribe(h Handle) error

	// Resolve turns a chat reference (link, @handle or numeric id) into a
	// Source.
	Resolve(ctx context.Context, ref string) (Source, error)

	Close() error
}

// Client dials account connections.
type Client interface {
	// Connect establishes a session for the credentials. Returns ErrAuth
	// when the stored session is missing or invalid.
	Connect(ctx context.Context, creds Credentials) (Conn, error)
}

// Disconnected is a Client with no backend. Connect always reports ErrAuth,
// so monitoring setup surfaces "authorization required" to the subscriber.
// It stands in wherever the MTProto backend is not linked in.
type Disconnected struct{}

func (Disconnected) Connect(context.Context, Credentials) (Conn, error) {
	return nil, ErrAuth
}
