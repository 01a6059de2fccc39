package billing

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"leadwatch-bot/model"
	"leadwatch-bot/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	mu       sync.Mutex
	ensured  []int64
	attached []int
	detached []int
}

func (f *fakeSessions) Ensure(_ context.Context, accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, accountID)
	return nil
}

func (f *fakeSessions) Attach(_ context.Context, _ int64, w *model.Watcher) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, w.ID)
	return nil
}

func (f *fakeSessions) Detach(_ context.Context, _ int64, watcherID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, watcherID)
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeNotifier) Notify(_ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type fakeExporter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeExporter) SendAll(int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func newTestLedger(t *testing.T) (*Ledger, *store.Store, *fakeSessions, *fakeNotifier, *fakeExporter) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Load())
	sessions := &fakeSessions{}
	notifier := &fakeNotifier{}
	exporter := &fakeExporter{}
	l := New(st, sessions, notifier, exporter, DefaultRates())
	l.now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }
	return l, st, sessions, notifier, exporter
}

func sources(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(-(100 + i))
	}
	return out
}

func TestDailyCost(t *testing.T) {
	l, _, _, _, _ := newTestLedger(t)

	cases := []struct {
		sources int
		want    float64
	}{
		{0, 49.67},
		{3, 49.67},
		{5, 49.67},
		{6, 66.00},
		{7, 82.33},
	}
	for _, tc := range cases {
		got := l.DailyCost(&model.Watcher{Sources: sources(tc.sources)})
		assert.Equal(t, tc.want, got, "sources=%d", tc.sources)
	}
}

func TestTotalDailyCostSkipsPaused(t *testing.T) {
	l, _, _, _, _ := newTestLedger(t)
	a := &model.Account{Watchers: []*model.Watcher{
		{ID: 1, Status: model.StatusActive, DailyPrice: 49.67},
		{ID: 2, Status: model.StatusPaused, DailyPrice: 82.33},
		{ID: 3, Status: model.StatusActive, Sources: sources(7)}, // price not cached yet
	}}
	assert.Equal(t, 132.00, l.TotalDailyCost(a))
}

func TestChargeDebitsOncePerDay(t *testing.T) {
	l, st, _, _, _ := newTestLedger(t)
	require.NoError(t, st.With(1, func(a *model.Account) error {
		a.Balance = 200
		a.Watchers = []*model.Watcher{{ID: 1, Status: model.StatusActive, DailyPrice: 150}}
		return nil
	}))

	require.NoError(t, l.ChargeAccount(context.Background(), 1))
	require.NoError(t, l.ChargeAccount(context.Background(), 1))

	st.View(1, func(a *model.Account) {
		assert.Equal(t, 50.0, a.Balance)
		assert.Equal(t, "2026-08-30", a.LastChargedDay)
	})
}

func TestChargeNextDayDebitsAgain(t *testing.T) {
	l, st, _, _, _ := newTestLedger(t)
	require.NoError(t, st.With(1, func(a *model.Account) error {
		a.Balance = 400
		a.Watchers = []*model.Watcher{{ID: 1, Status: model.StatusActive, DailyPrice: 150}}
		return nil
	}))

	require.NoError(t, l.ChargeAccount(context.Background(), 1))
	l.now = func() time.Time { return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, l.ChargeAccount(context.Background(), 1))

	st.View(1, func(a *model.Account) {
		assert.Equal(t, 100.0, a.Balance)
		assert.Equal(t, "2026-08-31", a.LastChargedDay)
	})
}

func TestChargeInsolventPausesEverything(t *testing.T) {
	l, st, sessions, notifier, _ := newTestLedger(t)
	require.NoError(t, st.With(1, func(a *model.Account) error {
		a.Balance = 100
		a.Watchers = []*model.Watcher{
			{ID: 1, Status: model.StatusActive, DailyPrice: 80},
			{ID: 2, Status: model.StatusActive, DailyPrice: 70},
		}
		return nil
	}))

	require.NoError(t, l.ChargeAccount(context.Background(), 1))

	st.View(1, func(a *model.Account) {
		// Never partially charged.
		assert.Equal(t, 100.0, a.Balance)
		assert.Empty(t, a.LastChargedDay)
		for _, w := range a.Watchers {
			assert.Equal(t, model.StatusPaused, w.Status)
		}
	})
	assert.ElementsMatch(t, []int{1, 2}, sessions.detached)
	require.Equal(t, 1, notifier.count())
	assert.Contains(t, notifier.texts[0], "Insufficient funds")

	// The next day re-evaluates the now-paused account without a second
	// notice.
	l.now = func() time.Time { return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, l.ChargeAccount(context.Background(), 1))
	assert.Equal(t, 1, notifier.count())
}

func TestChargeZeroCostNoop(t *testing.T) {
	l, st, _, notifier, _ := newTestLedger(t)
	require.NoError(t, st.With(1, func(a *model.Account) error {
		a.Balance = 10
		a.Watchers = []*model.Watcher{{ID: 1, Status: model.StatusPaused, DailyPrice: 150}}
		return nil
	}))

	require.NoError(t, l.ChargeAccount(context.Background(), 1))

	st.View(1, func(a *model.Account) {
		assert.Equal(t, 10.0, a.Balance)
		assert.Empty(t, a.LastChargedDay)
	})
	assert.Equal(t, 0, notifier.count())
}

func TestReviewSubscriptionReminders(t *testing.T) {
	l, st, _, notifier, _ := newTestLedger(t)
	now := l.now().Unix()
	require.NoError(t, st.With(1, func(a *model.Account) error {
		a.SubscriptionExpiry = now + 3*86400 + 600
		return nil
	}))

	l.ReviewSubscription(1)
	l.ReviewSubscription(1)
	require.Equal(t, 1, notifier.count())
	assert.Contains(t, notifier.texts[0], "3 day(s)")

	require.NoError(t, st.With(1, func(a *model.Account) error {
		a.SubscriptionExpiry = now + 86400 + 600
		return nil
	}))
	l.ReviewSubscription(1)
	l.ReviewSubscription(1)
	require.Equal(t, 2, notifier.count())
	assert.Contains(t, notifier.texts[1], "1 day(s)")
}

func TestReviewSubscriptionSkipsRecurring(t *testing.T) {
	l, st, _, notifier, _ := newTestLedger(t)
	require.NoError(t, st.With(1, func(a *model.Account) error {
		a.SubscriptionExpiry = l.now().Unix() + 3*86400 + 600
		a.Recurring = true
		return nil
	}))
	l.ReviewSubscription(1)
	assert.Equal(t, 0, notifier.count())
}

func TestReviewSubscriptionExpiredOnce(t *testing.T) {
	l, st, _, notifier, exporter := newTestLedger(t)
	require.NoError(t, st.With(1, func(a *model.Account) error {
		a.SubscriptionExpiry = l.now().Unix() - 3600
		return nil
	}))

	l.ReviewSubscription(1)
	l.ReviewSubscription(1)

	require.Equal(t, 1, notifier.count())
	assert.Contains(t, notifier.texts[0], "expired")
	assert.Equal(t, 1, exporter.calls)
}

func TestPredictExhaustion(t *testing.T) {
	l, _, _, _, _ := newTestLedger(t)

	// A future expiry wins over the balance projection.
	a := &model.Account{
		Balance:            1000,
		SubscriptionExpiry: l.now().Unix() + 5*86400,
	}
	date, days, ok := l.PredictExhaustion(a)
	require.True(t, ok)
	assert.Equal(t, 5, days)
	assert.Equal(t, time.Unix(a.SubscriptionExpiry, 0).UTC(), date)

	// No subscription: the balance runs out at the daily rate.
	a = &model.Account{
		Balance:  100,
		Watchers: []*model.Watcher{{ID: 1, Status: model.StatusActive, DailyPrice: 49.67}},
	}
	_, days, ok = l.PredictExhaustion(a)
	require.True(t, ok)
	assert.Equal(t, 2, days)

	_, _, ok = l.PredictExhaustion(&model.Account{})
	assert.False(t, ok)
}

func TestResumeRecomputesPriceAndAttaches(t *testing.T) {
	l, st, sessions, _, _ := newTestLedger(t)
	require.NoError(t, st.With(1, func(a *model.Account) error {
		a.Watchers = []*model.Watcher{{ID: 1, Status: model.StatusPaused, Sources: sources(7)}}
		return nil
	}))

	require.NoError(t, l.Resume(context.Background(), 1, 1))

	st.View(1, func(a *model.Account) {
		assert.Equal(t, model.StatusActive, a.Watchers[0].Status)
		assert.Equal(t, 82.33, a.Watchers[0].DailyPrice)
	})
	assert.Equal(t, []int64{1}, sessions.ensured)
	assert.Equal(t, []int{1}, sessions.attached)
}

func TestSetSourcesEnforcesLimit(t *testing.T) {
	l, st, _, _, _ := newTestLedger(t)
	require.NoError(t, st.With(1, func(a *model.Account) error {
		a.Watchers = []*model.Watcher{{ID: 1, Status: model.StatusPaused}}
		return nil
	}))

	err := l.SetSources(context.Background(), 1, 1, sources(6))
	require.Error(t, err)

	require.NoError(t, l.SetSources(context.Background(), 1, 1, sources(5)))
	st.View(1, func(a *model.Account) {
		assert.Len(t, a.Watchers[0].Sources, 5)
		assert.Equal(t, 49.67, a.Watchers[0].DailyPrice)
	})
}

func TestDeleteWatcherRequiresPause(t *testing.T) {
	l, st, _, _, _ := newTestLedger(t)
	require.NoError(t, st.With(1, func(a *model.Account) error {
		a.Watchers = []*model.Watcher{
			{ID: 1, Status: model.StatusActive},
			{ID: 2, Status: model.StatusPaused},
		}
		return nil
	}))

	assert.ErrorIs(t, l.DeleteWatcher(context.Background(), 1, 1), ErrWatcherActive)
	require.NoError(t, l.DeleteWatcher(context.Background(), 1, 2))
	assert.ErrorIs(t, l.DeleteWatcher(context.Background(), 1, 9), ErrWatcherNotFound)

	st.View(1, func(a *model.Account) {
		require.Len(t, a.Watchers, 1)
		assert.Equal(t, 1, a.Watchers[0].ID)
	})
}

func TestApplyPromoSingleUse(t *testing.T) {
	l, st, _, _, _ := newTestLedger(t)

	assert.ErrorIs(t, l.ApplyPromo(1, "NOPE"), ErrPromoUnknown)
	require.NoError(t, l.ApplyPromo(1, "DEMO"))
	assert.ErrorIs(t, l.ApplyPromo(1, "DEMO"), ErrPromoUsed)

	st.View(1, func(a *model.Account) {
		assert.Equal(t, l.now().Add(7*24*time.Hour).Unix(), a.SubscriptionExpiry)
	})
}

func TestTransferReferral(t *testing.T) {
	l, st, _, _, _ := newTestLedger(t)
	require.NoError(t, st.With(1, func(a *model.Account) error {
		a.RefBalance = 500
		return nil
	}))

	assert.ErrorIs(t, l.TransferReferral(1, 600), ErrInsufficientReferral)
	require.Error(t, l.TransferReferral(1, -5))
	require.NoError(t, l.TransferReferral(1, 200))

	st.View(1, func(a *model.Account) {
		assert.Equal(t, 300.0, a.RefBalance)
		assert.Equal(t, 200.0, a.Balance)
	})
}

func TestRestoreMonitors(t *testing.T) {
	l, st, sessions, _, _ := newTestLedger(t)
	require.NoError(t, st.With(1, func(a *model.Account) error {
		a.Watchers = []*model.Watcher{
			{ID: 1, Status: model.StatusActive},
			{ID: 2, Status: model.StatusPaused},
			{ID: 3, Status: model.StatusActive},
		}
		return nil
	}))

	require.NoError(t, l.RestoreMonitors(context.Background(), 1))
	assert.Equal(t, []int64{1}, sessions.ensured)
	assert.ElementsMatch(t, []int{1, 3}, sessions.attached)

	// Nothing active means no session dial.
	require.NoError(t, l.RestoreMonitors(context.Background(), 2))
	assert.Len(t, sessions.ensured, 1)
}
