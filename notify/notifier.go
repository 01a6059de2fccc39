// Package notify delivers messages to subscribers: match alerts through the
// dedicated alert bot, everything else through the main bot. Failures come
// back as values the caller can react to and never panic or propagate raw.
package notify

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
	"gopkg.in/telebot.v3"
)

type Notifier struct {
	main    *telebot.Bot
	alert   *telebot.Bot // nil when the alert bot is not configured
	limiter *rate.Limiter
}

// New wires the notifier. alert may be nil; Alert then routes through the
// main bot instead.
func New(main, alert *telebot.Bot) *Notifier {
	return &Notifier{
		main:  main,
		alert: alert,
		// Telegram caps bots around 30 messages per second overall.
		limiter: rate.NewLimiter(rate.Limit(25), 5),
	}
}

// Notify sends a plain notice through the main bot.
func (n *Notifier) Notify(accountID int64, text string) error {
	return n.send(n.main, accountID, text)
}

// Alert sends an HTML-formatted match alert through the alert bot, or the
// main bot when no alert bot is configured.
func (n *Notifier) Alert(accountID int64, html string) error {
	b := n.alert
	if b == nil {
		b = n.main
	}
	return n.send(b, accountID, html, telebot.ModeHTML)
}

// Fallback prompts the subscriber through the main bot when the alert
// channel failed.
func (n *Notifier) Fallback(accountID int64, text string) error {
	return n.send(n.main, accountID, text)
}

func (n *Notifier) send(b *telebot.Bot, accountID int64, text string, opts ...interface{}) error {
	if b == nil {
		return fmt.Errorf("notify: bot is not configured")
	}
	if err := n.limiter.Wait(context.Background()); err != nil {
		return err
	}
	if _, err := b.Send(&telebot.User{ID: accountID}, text, opts...); err != nil {
		return fmt.Errorf("notify: send to %d: %w", accountID, err)
	}
	return nil
}
