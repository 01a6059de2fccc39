package model

// Watcher status values.
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Default source allowance for a fresh account.
const DefaultChatLimit = 5

// Account is the persisted record for one subscriber. Live session and
// listener handles never live here; they belong to the session registry.
type Account struct {
	ID int64 `json:"id"`

	Balance            float64 `json:"balance"`
	RefBalance         float64 `json:"ref_balance"`
	SubscriptionExpiry int64   `json:"subscription_expiry"` // unix seconds, 0 = none
	ChatLimit          int     `json:"chat_limit"`
	Recurring          bool    `json:"recurring"`

	// One-shot reminder flags.
	Reminder3Sent    bool `json:"reminder3_sent"`
	Reminder1Sent    bool `json:"reminder1_sent"`
	InactiveNotified bool `json:"inactive_notified"`

	UsedPromos []string `json:"used_promos"`

	// Stored transport credentials for the monitoring session.
	Phone   string `json:"phone"`
	APIID   int    `json:"api_id"`
	APIHash string `json:"api_hash"`

	// Pending transaction state; cleared atomically with the settlement
	// effect. Kind, amount and tier survive restarts so a manual re-check can
	// rebuild the transaction.
	PendingPaymentID     string  `json:"payment_id,omitempty"`
	PendingPaymentKind   string  `json:"payment_kind,omitempty"`
	PendingPaymentAmount float64 `json:"payment_amount,omitempty"`
	PendingChatLimit     int     `json:"payment_chat_limit,omitempty"`
	PendingPayoutID      string  `json:"payout_id,omitempty"`

	// Billing-cycle guard, "2006-01-02" of the last successful charge.
	LastChargedDay string `json:"last_charged_day,omitempty"`

	RefCount int `json:"ref_count"`

	Watchers []*Watcher `json:"parsers"`
}

// Watcher is a named monitoring configuration: sources plus keyword sets.
type Watcher struct {
	ID              int           `json:"id"`
	Name            string        `json:"name"`
	Sources         []int64       `json:"chats"`
	Keywords        []string      `json:"keywords"`
	ExcludeKeywords []string      `json:"exclude_keywords"`
	Status          string        `json:"status"`
	DailyPrice      float64       `json:"daily_price"`
	Results         []MatchRecord `json:"results"`
}

// Active reports whether the watcher should be attached to a session.
func (w *Watcher) Active() bool { return w.Status == StatusActive }

// MatchRecord is one keyword hit; immutable once appended.
type MatchRecord struct {
	Keyword  string `json:"keyword"`
	Chat     string `json:"chat"`
	Sender   string `json:"sender"`
	DateTime string `json:"datetime"`
	Link     string `json:"link"`
	Text     string `json:"text"`
}

// Transaction kinds.
const (
	KindTopup        = "topup"
	KindSubscription = "subscription"
	KindPayout       = "payout"
)

// Transaction is a payment or payout created at the gateway and settled
// asynchronously.
type Transaction struct {
	ID     string
	Kind   string
	Amount float64

	// ChatLimit is the purchased tier, meaningful for subscription purchases.
	ChatLimit int
}

// WatcherByID returns the watcher with the given ordinal id, or nil.
func (a *Account) WatcherByID(id int) *Watcher {
	for _, w := range a.Watchers {
		if w.ID == id {
			return w
		}
	}
	return nil
}

// NextWatcherID returns the ordinal id for a new watcher.
func (a *Account) NextWatcherID() int {
	max := 0
	for _, w := range a.Watchers {
		if w.ID > max {
			max = w.ID
		}
	}
	return max + 1
}
