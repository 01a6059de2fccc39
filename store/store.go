// Package store owns the in-memory account registry and its persistence
// boundary. Every component mutates accounts through With, which serializes
// operations per account and snapshots the record afterwards.
package store

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"leadwatch-bot/model"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// record is the persisted account document. Watchers, results and flags all
// live inside the JSON doc; live handles are never part of model.Account and
// therefore never reach disk.
type record struct {
	ID        int64 `gorm:"primaryKey"`
	Doc       string
	UpdatedAt time.Time
}

func (record) TableName() string { return "accounts" }

type entry struct {
	mu   sync.Mutex
	acct *model.Account
}

// Store keeps all accounts in memory and snapshots them to sqlite.
type Store struct {
	db *gorm.DB

	mu       sync.RWMutex // guards the map itself, not account contents
	accounts map[int64]*entry
}

// Open opens (or creates) the sqlite database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, accounts: make(map[int64]*entry)}, nil
}

// Load hydrates every persisted account, applying defaults for fields that
// older documents may be missing.
func (s *Store) Load() error {
	var recs []record
	if err := s.db.Find(&recs).Error; err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		var a model.Account
		if err := json.Unmarshal([]byte(r.Doc), &a); err != nil {
			log.Printf("store: skipping corrupt account %d: %v", r.ID, err)
			continue
		}
		a.ID = r.ID
		applyDefaults(&a)
		s.accounts[r.ID] = &entry{acct: &a}
	}
	return nil
}

func applyDefaults(a *model.Account) {
	if a.ChatLimit == 0 {
		a.ChatLimit = model.DefaultChatLimit
	}
	if a.UsedPromos == nil {
		a.UsedPromos = []string{}
	}
	for _, w := range a.Watchers {
		if w.Name == "" {
			w.Name = fmt.Sprintf("Watcher %d", w.ID)
		}
		if w.Status == "" {
			w.Status = model.StatusPaused
		}
		if w.Results == nil {
			w.Results = []model.MatchRecord{}
		}
	}
}

func (s *Store) ensure(id int64) *entry {
	s.mu.RLock()
	e, ok := s.accounts[id]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.accounts[id]; ok {
		return e
	}
	e = &entry{acct: &model.Account{
		ID:         id,
		ChatLimit:  model.DefaultChatLimit,
		UsedPromos: []string{},
	}}
	s.accounts[id] = e
	return e
}

// With runs fn with the account held under its per-account lock and persists
// the result. Mutation plus snapshot form one critical section, which is what
// keeps charge/credit sequences atomic with respect to other tasks touching
// the same account. fn returning an error aborts the snapshot.
func (s *Store) With(id int64, fn func(*model.Account) error) error {
	e := s.ensure(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.acct); err != nil {
		return err
	}
	return s.persist(e.acct)
}

// View runs fn with the account under its lock without persisting afterwards.
func (s *Store) View(id int64, fn func(*model.Account)) {
	e := s.ensure(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.acct)
}

// IDs returns all known account ids in ascending order.
func (s *Store) IDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) persist(a *model.Account) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal account %d: %w", a.ID, err)
	}
	r := record{ID: a.ID, Doc: string(doc), UpdatedAt: time.Now()}
	if err := s.db.Save(&r).Error; err != nil {
		return fmt.Errorf("save account %d: %w", a.ID, err)
	}
	return nil
}
