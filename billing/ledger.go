// Package billing computes watcher costs, runs the daily charge cycle with
// pause-on-insolvency, and tracks subscription expiry and reminders.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"leadwatch-bot/model"
	"leadwatch-bot/store"

	"github.com/shopspring/decimal"
)

const dayLayout = "2006-01-02"

// Promo outcomes.
var (
	ErrPromoUsed    = errors.New("billing: promo code already used")
	ErrPromoUnknown = errors.New("billing: unknown promo code")
)

// ErrInsufficientReferral is returned by TransferReferral when the referral
// balance does not cover the requested amount.
var ErrInsufficientReferral = errors.New("billing: insufficient referral balance")

// ErrWatcherNotFound is returned when an operation names a missing watcher.
var ErrWatcherNotFound = errors.New("billing: watcher not found")

// ErrWatcherActive is returned when deleting a watcher that is not paused.
var ErrWatcherActive = errors.New("billing: watcher must be paused first")

// Rates hold the tariff. The monthly base covers FreeSources sources; every
// source beyond that costs ExtraChatMonthly per month.
type Rates struct {
	BaseMonthly      float64
	ExtraChatMonthly float64
	FreeSources      int
	DaysInMonth      int
}

// DefaultRates returns the production tariff.
func DefaultRates() Rates {
	return Rates{BaseMonthly: 1490, ExtraChatMonthly: 490, FreeSources: 5, DaysInMonth: 30}
}

// Sessions is the slice of the session registry the ledger drives.
type Sessions interface {
	Ensure(ctx context.Context, accountID int64) error
	Attach(ctx context.Context, accountID int64, w *model.Watcher) error
	Detach(ctx context.Context, accountID int64, watcherID int) error
}

// Notifier delivers billing notices to the subscriber.
type Notifier interface {
	Notify(accountID int64, text string) error
}

// Exporter sends the subscriber their accumulated results, used for the
// final export when a subscription lapses.
type Exporter interface {
	SendAll(accountID int64) error
}

// Ledger is the billing engine.
type Ledger struct {
	store    *store.Store
	sessions Sessions
	notifier Notifier
	exporter Exporter
	rates    Rates

	now func() time.Time
}

// New builds a ledger over the account store.
func New(st *store.Store, sessions Sessions, notifier Notifier, exporter Exporter, rates Rates) *Ledger {
	if rates.DaysInMonth == 0 {
		rates.DaysInMonth = 30
	}
	return &Ledger{
		store:    st,
		sessions: sessions,
		notifier: notifier,
		exporter: exporter,
		rates:    rates,
		now:      time.Now,
	}
}

// DailyCost is the price of one watcher per day:
// base/days + extra/days * max(0, sources-free), rounded to 2 decimals.
func (l *Ledger) DailyCost(w *model.Watcher) float64 {
	days := decimal.NewFromInt(int64(l.rates.DaysInMonth))
	base := decimal.NewFromFloat(l.rates.BaseMonthly).Div(days)
	extraCount := len(w.Sources) - l.rates.FreeSources
	if extraCount < 0 {
		extraCount = 0
	}
	extra := decimal.NewFromFloat(l.rates.ExtraChatMonthly).Div(days).
		Mul(decimal.NewFromInt(int64(extraCount)))
	v, _ := base.Add(extra).Round(2).Float64()
	return v
}

// TotalDailyCost sums the cached daily price of every active watcher.
func (l *Ledger) TotalDailyCost(a *model.Account) float64 {
	total := decimal.Zero
	for _, w := range a.Watchers {
		if !w.Active() {
			continue
		}
		price := w.DailyPrice
		if price == 0 {
			price = l.DailyCost(w)
		}
		total = total.Add(decimal.NewFromFloat(price))
	}
	v, _ := total.Round(2).Float64()
	return v
}

// ChargeAccount applies one billing cycle to the account: debit the daily
// cost, or pause every active watcher when the balance does not cover it.
// Idempotent per calendar day via the account's last-charged-day guard; an
// insolvent account is never partially charged.
func (l *Ledger) ChargeAccount(ctx context.Context, accountID int64) error {
	insufficient := false
	err := l.store.With(accountID, func(a *model.Account) error {
		cost := l.TotalDailyCost(a)
		if cost == 0 {
			return nil
		}
		today := l.now().UTC().Format(dayLayout)
		if a.LastChargedDay == today {
			return nil
		}
		if a.Balance >= cost {
			a.Balance = model.Round2(a.Balance - cost)
			a.LastChargedDay = today
			return nil
		}
		for _, w := range a.Watchers {
			if !w.Active() {
				continue
			}
			w.Status = model.StatusPaused
			if err := l.sessions.Detach(ctx, accountID, w.ID); err != nil {
				log.Printf("billing: detach watcher %d for account %d: %v", w.ID, accountID, err)
			}
			insufficient = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if insufficient {
		if err := l.notifier.Notify(accountID,
			"⏸ Insufficient funds. All watchers have been paused. Top up your balance with /topup."); err != nil {
			log.Printf("billing: insufficient-funds notice for account %d: %v", accountID, err)
		}
	}
	return nil
}

// RunCycle charges every account and reviews subscription state. Errors for
// one account are logged so the cycle continues for the rest.
func (l *Ledger) RunCycle(ctx context.Context) {
	for _, id := range l.store.IDs() {
		if err := l.ChargeAccount(ctx, id); err != nil {
			log.Printf("billing: charge account %d: %v", id, err)
		}
		l.ReviewSubscription(id)
	}
}

// ReviewSubscription fires the one-shot expiry reminders and the single
// inactive transition. Reminders are skipped when auto-renew is on.
func (l *Ledger) ReviewSubscription(accountID int64) {
	expired := false
	remind := 0
	err := l.store.With(accountID, func(a *model.Account) error {
		if a.SubscriptionExpiry == 0 {
			return nil
		}
		now := l.now().Unix()
		if a.SubscriptionExpiry <= now {
			if !a.InactiveNotified {
				a.InactiveNotified = true
				expired = true
			}
			return nil
		}
		if a.Recurring {
			return nil
		}
		daysLeft := (a.SubscriptionExpiry - now) / 86400
		switch {
		case daysLeft == 3 && !a.Reminder3Sent:
			a.Reminder3Sent = true
			remind = 3
		case daysLeft == 1 && !a.Reminder1Sent:
			a.Reminder1Sent = true
			remind = 1
		}
		return nil
	})
	if err != nil {
		log.Printf("billing: review subscription for account %d: %v", accountID, err)
		return
	}
	if expired {
		if err := l.exporter.SendAll(accountID); err != nil {
			log.Printf("billing: final export for account %d: %v", accountID, err)
		}
		if err := l.notifier.Notify(accountID,
			"Your subscription has expired. Monitoring is inactive until you renew."); err != nil {
			log.Printf("billing: inactive notice for account %d: %v", accountID, err)
		}
	}
	if remind > 0 {
		if err := l.notifier.Notify(accountID,
			fmt.Sprintf("Your subscription expires in %d day(s). Renew to keep monitoring running.", remind)); err != nil {
			log.Printf("billing: reminder for account %d: %v", accountID, err)
		}
	}
}

// PredictExhaustion reports when the account stops being served: the
// subscription expiry if it lies in the future, otherwise the date the
// balance runs out at the current daily cost. ok is false when neither can
// be computed.
func (l *Ledger) PredictExhaustion(a *model.Account) (date time.Time, days int, ok bool) {
	now := l.now().UTC()
	if a.SubscriptionExpiry > now.Unix() {
		days = int((a.SubscriptionExpiry - now.Unix()) / 86400)
		return time.Unix(a.SubscriptionExpiry, 0).UTC(), days, true
	}
	cost := l.TotalDailyCost(a)
	if cost > 0 && a.Balance > 0 {
		days = int(math.Floor(a.Balance / cost))
		return now.AddDate(0, 0, days), days, true
	}
	return time.Time{}, 0, false
}

// Pause puts the watcher on pause and detaches it. The cached price is left
// as is; paused watchers do not count toward the daily cost.
func (l *Ledger) Pause(ctx context.Context, accountID int64, watcherID int) error {
	return l.store.With(accountID, func(a *model.Account) error {
		w := a.WatcherByID(watcherID)
		if w == nil {
			return ErrWatcherNotFound
		}
		w.Status = model.StatusPaused
		if err := l.sessions.Detach(ctx, accountID, watcherID); err != nil {
			log.Printf("billing: detach watcher %d for account %d: %v", watcherID, accountID, err)
		}
		return nil
	})
}

// Resume reactivates the watcher, recomputes its daily price and re-attaches
// it. No balance check: an insolvent account is caught by the next cycle.
func (l *Ledger) Resume(ctx context.Context, accountID int64, watcherID int) error {
	var w *model.Watcher
	err := l.store.With(accountID, func(a *model.Account) error {
		w = a.WatcherByID(watcherID)
		if w == nil {
			return ErrWatcherNotFound
		}
		w.Status = model.StatusActive
		w.DailyPrice = l.DailyCost(w)
		return nil
	})
	if err != nil {
		return err
	}
	if err := l.sessions.Ensure(ctx, accountID); err != nil {
		return err
	}
	return l.sessions.Attach(ctx, accountID, w)
}

// SetSources replaces the watcher's source list, recomputes the price and
// refreshes the session filter when the watcher is active.
func (l *Ledger) SetSources(ctx context.Context, accountID int64, watcherID int, sources []int64) error {
	var w *model.Watcher
	active := false
	err := l.store.With(accountID, func(a *model.Account) error {
		w = a.WatcherByID(watcherID)
		if w == nil {
			return ErrWatcherNotFound
		}
		if len(sources) > a.ChatLimit {
			return fmt.Errorf("billing: source list exceeds the limit of %d", a.ChatLimit)
		}
		w.Sources = sources
		w.DailyPrice = l.DailyCost(w)
		active = w.Active()
		return nil
	})
	if err != nil {
		return err
	}
	if !active {
		return nil
	}
	// Re-register so the session filter picks up the new source list.
	if err := l.sessions.Detach(ctx, accountID, watcherID); err != nil {
		return err
	}
	return l.sessions.Attach(ctx, accountID, w)
}

// CreateWatcher appends a paused watcher with the given name and returns it.
func (l *Ledger) CreateWatcher(accountID int64, name string) (*model.Watcher, error) {
	var w *model.Watcher
	err := l.store.With(accountID, func(a *model.Account) error {
		id := a.NextWatcherID()
		if name == "" {
			name = fmt.Sprintf("Watcher %d", id)
		}
		w = &model.Watcher{
			ID:      id,
			Name:    name,
			Status:  model.StatusPaused,
			Results: []model.MatchRecord{},
		}
		a.Watchers = append(a.Watchers, w)
		return nil
	})
	return w, err
}

// DeleteWatcher removes a watcher; only paused watchers may be deleted.
func (l *Ledger) DeleteWatcher(ctx context.Context, accountID int64, watcherID int) error {
	return l.store.With(accountID, func(a *model.Account) error {
		for i, w := range a.Watchers {
			if w.ID != watcherID {
				continue
			}
			if w.Active() {
				return ErrWatcherActive
			}
			if err := l.sessions.Detach(ctx, accountID, watcherID); err != nil {
				log.Printf("billing: detach watcher %d for account %d: %v", watcherID, accountID, err)
			}
			a.Watchers = append(a.Watchers[:i], a.Watchers[i+1:]...)
			return nil
		}
		return ErrWatcherNotFound
	})
}

// ApplyPromo redeems a promo code. DEMO grants 7 free days, once per account.
func (l *Ledger) ApplyPromo(accountID int64, code string) error {
	return l.store.With(accountID, func(a *model.Account) error {
		for _, used := range a.UsedPromos {
			if used == code {
				return ErrPromoUsed
			}
		}
		if code != "DEMO" {
			return ErrPromoUnknown
		}
		a.SubscriptionExpiry = l.now().Add(7 * 24 * time.Hour).Unix()
		a.InactiveNotified = false
		a.UsedPromos = append(a.UsedPromos, code)
		return nil
	})
}

// TransferReferral moves funds from the referral balance to the main one.
func (l *Ledger) TransferReferral(accountID int64, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("billing: transfer amount must be positive")
	}
	return l.store.With(accountID, func(a *model.Account) error {
		if amount > a.RefBalance {
			return ErrInsufficientReferral
		}
		a.RefBalance = model.Round2(a.RefBalance - amount)
		a.Balance = model.Round2(a.Balance + amount)
		return nil
	})
}

// RestoreMonitors re-establishes the account's session and attaches every
// active watcher; used at startup and after login.
func (l *Ledger) RestoreMonitors(ctx context.Context, accountID int64) error {
	var active []*model.Watcher
	l.store.View(accountID, func(a *model.Account) {
		for _, w := range a.Watchers {
			if w.Active() {
				active = append(active, w)
			}
		}
	})
	if len(active) == 0 {
		return nil
	}
	if err := l.sessions.Ensure(ctx, accountID); err != nil {
		return err
	}
	for _, w := range active {
		if err := l.sessions.Attach(ctx, accountID, w); err != nil {
			log.Printf("billing: attach watcher %d for account %d: %v", w.ID, accountID, err)
		}
	}
	return nil
}
