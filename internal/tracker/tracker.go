// Package tracker owns the per-conversation cursor. Every write goes through
// one of the store's atomic primitives so concurrent events on the same
// conversation never lose an update.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/store"
	"github.com/kajialsoad/cnz-sub006/internal/trigger"
)

// Stamp carries the bookkeeping written alongside a transition.
type Stamp struct {
	// MessageKey is the key of the most recent bot output.
	MessageKey string
	BotAt      time.Time
	AdminAt    time.Time
}

// Tracker reads and writes conversation state.
type Tracker struct {
	states store.StateStore
	logger *slog.Logger
}

// New returns a Tracker over states.
func New(states store.StateStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{states: states, logger: logger}
}

// LoadOrCreate returns the state for key, creating the NOT_STARTED row on
// first touch. Concurrent first touches produce exactly one row.
func (t *Tracker) LoadOrCreate(ctx context.Context, key store.ConversationKey) (models.ConversationState, error) {
	if err := key.Validate(); err != nil {
		return models.ConversationState{}, fmt.Errorf("tracker: %w", err)
	}
	st, err := t.states.CreateIfAbsent(ctx, key)
	if err != nil {
		return models.ConversationState{}, fmt.Errorf("tracker: load %s: %w", key, err)
	}
	return st, nil
}

// ApplyTransition writes next if the stored version still equals
// expectedVersion. It returns an error wrapping store.ErrConflict when
// another writer got there first.
func (t *Tracker) ApplyTransition(ctx context.Context, key store.ConversationKey, expectedVersion int64, next trigger.Snapshot, stamp Stamp) (models.ConversationState, error) {
	st, err := t.states.CompareAndSwap(ctx, key, expectedVersion, store.StateUpdate{
		CurrentStep:      next.Step,
		IsActive:         next.Active,
		Completed:        next.Completed,
		UserMessageCount: next.Count,
		LastMessageKey:   stamp.MessageKey,
		LastBotMessageAt: stamp.BotAt,
		LastAdminReplyAt: stamp.AdminAt,
	})
	if err != nil {
		return models.ConversationState{}, fmt.Errorf("tracker: transition %s: %w", key, err)
	}
	t.logger.Debug("conversation transitioned",
		"chat_type", key.ChatType,
		"conversation_id", key.ConversationID,
		"step", st.CurrentStep,
		"active", st.IsActive,
		"completed", st.Completed,
		"version", st.Version,
	)
	return st, nil
}

// IncrementDormant counts one user message on a dormant conversation and
// returns the post-increment state. N concurrent calls add exactly N.
func (t *Tracker) IncrementDormant(ctx context.Context, key store.ConversationKey) (models.ConversationState, error) {
	st, err := t.states.IncrementDormant(ctx, key)
	if err != nil {
		return models.ConversationState{}, fmt.Errorf("tracker: count %s: %w", key, err)
	}
	return st, nil
}

// Teardown removes the state, for example when the chat is closed.
func (t *Tracker) Teardown(ctx context.Context, key store.ConversationKey) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("tracker: %w", err)
	}
	if err := t.states.DeleteState(ctx, key); err != nil {
		return fmt.Errorf("tracker: teardown %s: %w", key, err)
	}
	t.logger.Info("conversation state removed", "chat_type", key.ChatType, "conversation_id", key.ConversationID)
	return nil
}
