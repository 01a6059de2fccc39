package monitor

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"leadwatch-bot/model"
	"leadwatch-bot/store"
	"leadwatch-bot/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu        sync.Mutex
	alerts    []string
	fallbacks []string
	alertErr  error
}

func (f *fakeNotifier) Alert(_ int64, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alertErr != nil {
		return f.alertErr
	}
	f.alerts = append(f.alerts, html)
	return nil
}

func (f *fakeNotifier) Fallback(_ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbacks = append(f.fallbacks, text)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeNotifier) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Load())
	norm, err := NewNormalizer()
	require.NoError(t, err)
	notifier := &fakeNotifier{}
	return NewEngine(st, norm, notifier), st, notifier
}

func seedWatcher(t *testing.T, st *store.Store, w *model.Watcher) *model.Watcher {
	t.Helper()
	require.NoError(t, st.With(1, func(a *model.Account) error {
		a.Watchers = append(a.Watchers, w)
		return nil
	}))
	return w
}

func msg(text string) transport.Message {
	return transport.Message{
		ID:           77,
		SourceID:     -100500,
		SourceTitle:  "Flat Hunters",
		SourceHandle: "flathunters",
		SenderLabel:  "alice",
		Text:         text,
		Time:         time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC),
	}
}

func results(t *testing.T, st *store.Store, watcherID int) []model.MatchRecord {
	t.Helper()
	var out []model.MatchRecord
	st.View(1, func(a *model.Account) {
		w := a.WatcherByID(watcherID)
		require.NotNil(t, w)
		out = append(out, w.Results...)
	})
	return out
}

func TestNormalizeIdempotent(t *testing.T) {
	norm, err := NewNormalizer()
	require.NoError(t, err)
	for _, word := range []string{"Discounts", "running", "квартира", "Скидки"} {
		once := norm.Normalize(word)
		assert.Equal(t, once, norm.Normalize(once), "word=%s", word)
	}
}

func TestDispatchStemmedMatch(t *testing.T) {
	e, st, notifier := newTestEngine(t)
	w := seedWatcher(t, st, &model.Watcher{
		ID:       1,
		Status:   model.StatusActive,
		Keywords: []string{"discount"},
	})

	e.Dispatch(1, w, msg("Huge discounts on everything today"))

	recs := results(t, st, 1)
	require.Len(t, recs, 1)
	assert.Equal(t, "discount", recs[0].Keyword)
	assert.Equal(t, "Flat Hunters", recs[0].Chat)
	assert.Equal(t, "alice", recs[0].Sender)
	assert.Equal(t, "2026-08-30 10:30:00", recs[0].DateTime)
	assert.Equal(t, "https://t.me/flathunters/77", recs[0].Link)
	require.Len(t, notifier.alerts, 1)
	assert.Contains(t, notifier.alerts[0], "<pre>")
}

func TestDispatchExcludeSuppresses(t *testing.T) {
	e, st, notifier := newTestEngine(t)
	w := seedWatcher(t, st, &model.Watcher{
		ID:              1,
		Status:          model.StatusActive,
		Keywords:        []string{"discount"},
		ExcludeKeywords: []string{"casino"},
	})

	e.Dispatch(1, w, msg("casino discount spins inside"))

	assert.Empty(t, results(t, st, 1))
	assert.Empty(t, notifier.alerts)
}

func TestDispatchFirstKeywordWins(t *testing.T) {
	e, st, _ := newTestEngine(t)
	w := seedWatcher(t, st, &model.Watcher{
		ID:       1,
		Status:   model.StatusActive,
		Keywords: []string{"demo", "sale"},
	})

	e.Dispatch(1, w, msg("sale today, demo tomorrow"))

	recs := results(t, st, 1)
	require.Len(t, recs, 1)
	assert.Equal(t, "demo", recs[0].Keyword)
}

func TestDispatchSkipsBotsAndEmpty(t *testing.T) {
	e, st, _ := newTestEngine(t)
	w := seedWatcher(t, st, &model.Watcher{
		ID:       1,
		Status:   model.StatusActive,
		Keywords: []string{"discount"},
	})

	m := msg("discount alert")
	m.SenderBot = true
	e.Dispatch(1, w, m)

	e.Dispatch(1, w, msg("   "))

	assert.Empty(t, results(t, st, 1))
}

func TestDispatchLinkUnavailable(t *testing.T) {
	e, st, _ := newTestEngine(t)
	w := seedWatcher(t, st, &model.Watcher{
		ID:       1,
		Status:   model.StatusActive,
		Keywords: []string{"discount"},
	})

	m := msg("private chat discount")
	m.SourceHandle = ""
	e.Dispatch(1, w, m)

	recs := results(t, st, 1)
	require.Len(t, recs, 1)
	assert.Equal(t, "unavailable", recs[0].Link)
}

func TestDispatchFallbackOnAlertFailure(t *testing.T) {
	e, st, notifier := newTestEngine(t)
	notifier.alertErr = assert.AnError
	w := seedWatcher(t, st, &model.Watcher{
		ID:       1,
		Status:   model.StatusActive,
		Keywords: []string{"discount"},
	})

	e.Dispatch(1, w, msg("discount inside"))

	// The record is kept even when delivery fails.
	require.Len(t, results(t, st, 1), 1)
	require.Len(t, notifier.fallbacks, 1)
	assert.Contains(t, notifier.fallbacks[0], "alert bot")
}

func TestAlertExcerptTruncation(t *testing.T) {
	e, st, notifier := newTestEngine(t)
	w := seedWatcher(t, st, &model.Watcher{
		ID:       1,
		Status:   model.StatusActive,
		Keywords: []string{"discount"},
	})

	long := "discount " + strings.Repeat("x", 1000)
	e.Dispatch(1, w, msg(long))

	// The stored record keeps the full text; the alert carries the excerpt.
	recs := results(t, st, 1)
	require.Len(t, recs, 1)
	assert.Equal(t, long, recs[0].Text)
	require.Len(t, notifier.alerts, 1)
	assert.NotContains(t, notifier.alerts[0], strings.Repeat("x", 500))
}
