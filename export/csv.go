// Package export renders watcher match logs as CSV and sends them to the
// subscriber as documents.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"leadwatch-bot/model"
	"leadwatch-bot/store"

	"gopkg.in/telebot.v3"
)

var header = []string{"keyword", "chat", "sender", "datetime", "link", "text"}

// Render produces a CSV document for the combined results of all watchers.
func Render(watchers []*model.Watcher) ([]byte, int, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, 0, err
	}
	rows := 0
	for _, watcher := range watchers {
		for _, r := range watcher.Results {
			if err := w.Write(row(r)); err != nil {
				return nil, 0, err
			}
			rows++
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), rows, nil
}

func row(r model.MatchRecord) []string {
	return []string{
		r.Keyword,
		r.Chat,
		r.Sender,
		r.DateTime,
		r.Link,
		strings.ReplaceAll(r.Text, "\n", " "),
	}
}

// Sender delivers rendered exports through the main bot.
type Sender struct {
	bot   *telebot.Bot
	store *store.Store
}

func NewSender(bot *telebot.Bot, st *store.Store) *Sender {
	return &Sender{bot: bot, store: st}
}

// SendAll exports the combined results of every watcher on the account.
func (s *Sender) SendAll(accountID int64) error {
	var watchers []*model.Watcher
	s.store.View(accountID, func(a *model.Account) {
		watchers = append(watchers, a.Watchers...)
	})
	return s.deliver(accountID, watchers, fmt.Sprintf("results_%d_all.csv", accountID))
}

// SendWatcher exports one watcher's results.
func (s *Sender) SendWatcher(accountID int64, watcherID int) error {
	var w *model.Watcher
	s.store.View(accountID, func(a *model.Account) {
		w = a.WatcherByID(watcherID)
	})
	if w == nil {
		return fmt.Errorf("export: watcher %d not found", watcherID)
	}
	return s.deliver(accountID, []*model.Watcher{w}, fmt.Sprintf("results_%d_%d.csv", accountID, watcherID))
}

func (s *Sender) deliver(accountID int64, watchers []*model.Watcher, name string) error {
	data, rows, err := Render(watchers)
	if err != nil {
		return err
	}
	if rows == 0 {
		_, err = s.bot.Send(&telebot.User{ID: accountID}, "No saved results yet.")
		return err
	}
	doc := &telebot.Document{
		File:     telebot.FromReader(bytes.NewReader(data)),
		FileName: name,
	}
	_, err = s.bot.Send(&telebot.User{ID: accountID}, doc)
	return err
}
