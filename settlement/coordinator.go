// Package settlement polls gateway transactions to a terminal state and
// applies their effect on the account exactly once.
package settlement

import (
	"context"
	"fmt"
	"log"
	"time"

	"leadwatch-bot/model"
	"leadwatch-bot/store"
)

// StatusFunc fetches the current gateway status of one transaction.
type StatusFunc func(ctx context.Context) (string, error)

// Config bounds the poll loop. The attempt ceiling guarantees the loop
// terminates without external cancellation.
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
}

// DefaultConfig polls every 5 seconds, up to 60 attempts.
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second, MaxAttempts: 60}
}

// Notifier delivers settlement outcomes to the subscriber.
type Notifier interface {
	Notify(accountID int64, text string) error
}

// Coordinator runs one poll loop per created transaction.
type Coordinator struct {
	store    *store.Store
	notifier Notifier
	cfg      Config
}

// New builds a coordinator over the account store.
func New(st *store.Store, notifier Notifier, cfg Config) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 60
	}
	return &Coordinator{store: st, notifier: notifier, cfg: cfg}
}

// Track polls the transaction until it reaches a terminal state or the
// attempt ceiling. Poll errors are transient and do not consume the outcome.
// Call in its own goroutine; it blocks until done.
func (c *Coordinator) Track(ctx context.Context, accountID int64, tx model.Transaction, fetch StatusFunc) {
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		status, err := fetch(ctx)
		switch {
		case err != nil:
			log.Printf("settlement: poll %s for account %d: %v", tx.ID, accountID, err)
		case status == "succeeded":
			if c.applySuccess(accountID, tx) {
				c.notify(accountID, successText(tx))
			}
			return
		case isFailure(status):
			if c.clearPending(accountID, tx) {
				c.notify(accountID, failureText(tx, status))
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
	// Ceiling reached: the transaction stays pending for manual
	// reconciliation.
	c.notify(accountID, "⚠️ Could not confirm the transaction in time. Check its status later from your profile.")
}

// Reconcile performs a single manual status check and applies a terminal
// outcome the same way the poll loop would. Returns the observed status.
func (c *Coordinator) Reconcile(ctx context.Context, accountID int64, tx model.Transaction, fetch StatusFunc) (string, error) {
	status, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	switch {
	case status == "succeeded":
		if c.applySuccess(accountID, tx) {
			c.notify(accountID, successText(tx))
		}
	case isFailure(status):
		if c.clearPending(accountID, tx) {
			c.notify(accountID, failureText(tx, status))
		}
	}
	return status, nil
}

// applySuccess mutates the account for a succeeded transaction. The pending
// id is cleared in the same critical section as the balance change, so a
// repeated success observation for the same id is a no-op.
func (c *Coordinator) applySuccess(accountID int64, tx model.Transaction) bool {
	applied := false
	err := c.store.With(accountID, func(a *model.Account) error {
		switch tx.Kind {
		case model.KindTopup:
			if a.PendingPaymentID != tx.ID {
				return nil
			}
			a.Balance = model.Round2(a.Balance + tx.Amount)
			clearPayment(a)
		case model.KindSubscription:
			if a.PendingPaymentID != tx.ID {
				return nil
			}
			a.SubscriptionExpiry = time.Now().Add(30 * 24 * time.Hour).Unix()
			if tx.ChatLimit > 0 {
				a.ChatLimit = tx.ChatLimit
			}
			a.Reminder3Sent = false
			a.Reminder1Sent = false
			a.InactiveNotified = false
			clearPayment(a)
		case model.KindPayout:
			if a.PendingPayoutID != tx.ID {
				return nil
			}
			// Creation only reserved intent; the debit happens now.
			rest := a.RefBalance - tx.Amount
			if rest < 0 {
				rest = 0
			}
			a.RefBalance = model.Round2(rest)
			a.PendingPayoutID = ""
		default:
			return fmt.Errorf("settlement: unknown transaction kind %q", tx.Kind)
		}
		applied = true
		return nil
	})
	if err != nil {
		log.Printf("settlement: apply %s for account %d: %v", tx.ID, accountID, err)
	}
	return applied
}

// clearPending drops the pending id without touching balances.
func (c *Coordinator) clearPending(accountID int64, tx model.Transaction) bool {
	cleared := false
	err := c.store.With(accountID, func(a *model.Account) error {
		switch tx.Kind {
		case model.KindPayout:
			if a.PendingPayoutID == tx.ID {
				a.PendingPayoutID = ""
				cleared = true
			}
		default:
			if a.PendingPaymentID == tx.ID {
				clearPayment(a)
				cleared = true
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("settlement: clear %s for account %d: %v", tx.ID, accountID, err)
	}
	return cleared
}

func clearPayment(a *model.Account) {
	a.PendingPaymentID = ""
	a.PendingPaymentKind = ""
	a.PendingPaymentAmount = 0
	a.PendingChatLimit = 0
}

func (c *Coordinator) notify(accountID int64, text string) {
	if err := c.notifier.Notify(accountID, text); err != nil {
		log.Printf("settlement: notify account %d: %v", accountID, err)
	}
}

func isFailure(status string) bool {
	switch status {
	case "canceled", "canceled_by_yoo", "expired", "failed":
		return true
	}
	return false
}

func successText(tx model.Transaction) string {
	switch tx.Kind {
	case model.KindTopup:
		return fmt.Sprintf("✅ Payment received. Your balance was credited with %.2f ₽.", tx.Amount)
	case model.KindSubscription:
		return "✅ Payment received. Your subscription is active for 30 days."
	case model.KindPayout:
		return fmt.Sprintf("✅ Payout of %.2f ₽ completed.", tx.Amount)
	}
	return "✅ Transaction completed."
}

func failureText(tx model.Transaction, status string) string {
	if tx.Kind == model.KindPayout {
		return fmt.Sprintf("❌ Payout declined (%s). Your referral balance was not debited.", status)
	}
	return fmt.Sprintf("❌ Payment was not completed (%s).", status)
}
