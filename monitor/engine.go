// Package monitor matches inbound messages against a watcher's keyword sets
// and emits match records and alerts.
package monitor

import (
	"fmt"
	"html"
	"log"
	"strings"

	"leadwatch-bot/model"
	"leadwatch-bot/store"
	"leadwatch-bot/transport"
)

const (
	excerptLimit    = 400
	linkUnavailable = "unavailable"
	timeLayout      = "2006-01-02 15:04:05"
)

// Notifier delivers match alerts. Alert failures are returned as values so
// the engine can fall back to the primary channel.
type Notifier interface {
	Alert(accountID int64, html string) error
	Fallback(accountID int64, text string) error
}

// Engine runs the per-watcher matching pipeline.
type Engine struct {
	store    *store.Store
	norm     *Normalizer
	notifier Notifier
}

// NewEngine builds a matching engine over the account store.
func NewEngine(st *store.Store, norm *Normalizer, notifier Notifier) *Engine {
	return &Engine{store: st, norm: norm, notifier: notifier}
}

// Dispatch inspects one inbound message for one watcher. Errors are
// best-effort: a bad message never kills the session listener.
func (e *Engine) Dispatch(accountID int64, w *model.Watcher, msg transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("monitor: dispatch panic for account %d watcher %d: %v", accountID, w.ID, r)
		}
	}()

	if msg.SenderBot || strings.TrimSpace(msg.Text) == "" {
		return
	}

	tokens := e.norm.TokenSet(msg.Text)
	keyword, ok := e.match(w, tokens)
	if !ok {
		return
	}

	rec := buildRecord(keyword, msg)
	if err := e.store.With(accountID, func(a *model.Account) error {
		live := a.WatcherByID(w.ID)
		if live == nil {
			return nil
		}
		live.Results = append(live.Results, rec)
		return nil
	}); err != nil {
		log.Printf("monitor: append result for account %d: %v", accountID, err)
	}

	if err := e.notifier.Alert(accountID, alertText(rec)); err != nil {
		log.Printf("monitor: alert delivery for account %d: %v", accountID, err)
		if err := e.notifier.Fallback(accountID, "Please start a chat with the alert bot to receive match notifications."); err != nil {
			log.Printf("monitor: fallback delivery for account %d: %v", accountID, err)
		}
	}
}

// match walks the include keywords in their configured order and returns the
// first one present in the token set, provided no exclude keyword is present.
// A watcher fires at most once per message.
func (e *Engine) match(w *model.Watcher, tokens map[string]bool) (string, bool) {
	excluded := false
	for _, ex := range w.ExcludeKeywords {
		if tokens[e.norm.Normalize(ex)] {
			excluded = true
			break
		}
	}
	for _, kw := range w.Keywords {
		if tokens[e.norm.Normalize(kw)] && !excluded {
			return kw, true
		}
	}
	return "", false
}

func buildRecord(keyword string, msg transport.Message) model.MatchRecord {
	link := linkUnavailable
	if msg.SourceHandle != "" {
		link = fmt.Sprintf("https://t.me/%s/%d", msg.SourceHandle, msg.ID)
	}
	return model.MatchRecord{
		Keyword:  keyword,
		Chat:     msg.SourceTitle,
		Sender:   msg.SenderLabel,
		DateTime: msg.Time.UTC().Format(timeLayout),
		Link:     link,
		Text:     msg.Text,
	}
}

func alertText(rec model.MatchRecord) string {
	return fmt.Sprintf(
		"🔔 Found %q in %q\nSender: %s\nTime: %s\nLink: %s\n<pre>%s</pre>",
		html.EscapeString(rec.Keyword),
		html.EscapeString(rec.Chat),
		html.EscapeString(rec.Sender),
		rec.DateTime,
		html.EscapeString(rec.Link),
		html.EscapeString(excerpt(rec.Text)),
	)
}

func excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= excerptLimit {
		return text
	}
	return string(runes[:excerptLimit])
}
