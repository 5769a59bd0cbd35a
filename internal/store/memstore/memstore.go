// Package memstore is an in-process implementation of every store contract,
// guarded by a single mutex. It backs tests and the simulate command.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/store"
)

// Store holds all four collections in memory.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	nextID  uint
	scripts []models.ScriptedMessage
	rules   map[models.ChatType]models.TriggerRule
	states  map[store.ConversationKey]*models.ConversationState
	buckets map[store.BucketKey]*models.AnalyticsRecord
}

var (
	_ store.ScriptStore    = (*Store)(nil)
	_ store.RuleStore      = (*Store)(nil)
	_ store.StateStore     = (*Store)(nil)
	_ store.AnalyticsStore = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		now:     time.Now,
		rules:   make(map[models.ChatType]models.TriggerRule),
		states:  make(map[store.ConversationKey]*models.ConversationState),
		buckets: make(map[store.BucketKey]*models.AnalyticsRecord),
	}
}

// AddScript inserts or replaces a scripted message keyed by
// (chat type, message key). It stands in for the authoring write path.
func (s *Store) AddScript(msg models.ScriptedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.scripts {
		if s.scripts[i].ChatType == msg.ChatType && s.scripts[i].MessageKey == msg.MessageKey {
			msg.ID = s.scripts[i].ID
			s.scripts[i] = msg
			return
		}
	}
	s.nextID++
	msg.ID = s.nextID
	s.scripts = append(s.scripts, msg)
}

func (s *Store) ScriptStep(_ context.Context, chatType models.ChatType, step int) (models.ScriptedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		found bool
		best  models.ScriptedMessage
	)
	for _, m := range s.scripts {
		if m.ChatType != chatType || m.StepNumber != step || !m.IsActive {
			continue
		}
		if !found || m.DisplayOrder < best.DisplayOrder {
			best, found = m, true
		}
	}
	if !found {
		return models.ScriptedMessage{}, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) ActiveScripts(_ context.Context, chatType models.ChatType) ([]models.ScriptedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScriptedMessage
	for _, m := range s.scripts {
		if m.ChatType == chatType && m.IsActive {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].StepNumber < out[j].StepNumber
	})
	return out, nil
}

func (s *Store) Rule(_ context.Context, chatType models.ChatType) (models.TriggerRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[chatType]
	if !ok {
		return models.TriggerRule{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) SaveRule(_ context.Context, rule models.TriggerRule) (models.TriggerRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if prev, ok := s.rules[rule.ChatType]; ok {
		rule.CreatedAt = prev.CreatedAt
	} else {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	s.rules[rule.ChatType] = rule
	return rule, nil
}

func (s *Store) CreateIfAbsent(_ context.Context, key store.ConversationKey) (models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[key]; ok {
		return *st, nil
	}
	now := s.now()
	s.nextID++
	st := &models.ConversationState{
		ID:             s.nextID,
		ChatType:       key.ChatType,
		ConversationID: key.ConversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.states[key] = st
	return *st, nil
}

func (s *Store) CompareAndSwap(_ context.Context, key store.ConversationKey, expectedVersion int64, next store.StateUpdate) (models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return models.ConversationState{}, store.ErrNotFound
	}
	if st.Version != expectedVersion {
		return models.ConversationState{}, store.ErrConflict
	}
	next.Apply(st, s.now())
	return *st, nil
}

func (s *Store) IncrementDormant(_ context.Context, key store.ConversationKey) (models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return models.ConversationState{}, store.ErrNotFound
	}
	if st.IsActive || st.Completed {
		return models.ConversationState{}, store.ErrConflict
	}
	st.UserMessageCount++
	st.Version++
	st.UpdatedAt = s.now()
	return *st, nil
}

func (s *Store) DeleteState(_ context.Context, key store.ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
	return nil
}

func (s *Store) IncrementBucket(_ context.Context, key store.BucketKey, stepNumber int, counter store.Counter) error {
	if counter != store.CounterTrigger && counter != store.CounterAdminReply {
		return fmt.Errorf("memstore: unknown counter %s", counter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec, ok := s.buckets[key]
	if !ok {
		s.nextID++
		rec = &models.AnalyticsRecord{
			ID:         s.nextID,
			ChatType:   key.ChatType,
			MessageKey: key.MessageKey,
			Day:        key.Day,
			StepNumber: stepNumber,
			CreatedAt:  now,
		}
		s.buckets[key] = rec
	}
	switch counter {
	case store.CounterTrigger:
		rec.TriggerCount++
	case store.CounterAdminReply:
		rec.AdminReplyCount++
	}
	rec.UpdatedAt = now
	return nil
}

func (s *Store) Buckets(_ context.Context, chatType models.ChatType, fromDay, toDay string) ([]models.AnalyticsRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AnalyticsRecord
	for k, rec := range s.buckets {
		if k.ChatType != chatType || k.Day < fromDay || k.Day > toDay {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].MessageKey < out[j].MessageKey
	})
	return out, nil
}
