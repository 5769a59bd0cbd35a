// Package store defines the keyed-store contracts the bot engine runs on.
//
// Backends expose three concurrency primitives: create-if-absent,
// compare-and-swap on a version token, and atomic increment-and-read. No
// in-process locking is layered on top of them, so several engine processes
// can share one backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kajialsoad/cnz-sub006/internal/models"
)

var (
	// ErrNotFound is returned when a keyed lookup has no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a compare-and-swap or conditional
	// increment lost a race with a concurrent writer.
	ErrConflict = errors.New("store: conflict")
	// ErrUnavailable marks a failure of the underlying persistence layer.
	ErrUnavailable = errors.New("store: unavailable")
)

// Unavailable wraps a driver error so that callers can test for both
// ErrUnavailable and the original cause.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// ConversationKey identifies one conversation state row.
type ConversationKey struct {
	ChatType       models.ChatType
	ConversationID string
}

func (k ConversationKey) String() string {
	return string(k.ChatType) + "/" + k.ConversationID
}

// Validate rejects keys that cannot address a row.
func (k ConversationKey) Validate() error {
	if !k.ChatType.Valid() {
		return fmt.Errorf("store: invalid chat type %q", k.ChatType)
	}
	if k.ConversationID == "" {
		return fmt.Errorf("store: conversation id is required")
	}
	return nil
}

// StateUpdate is the full set of mutable columns written by a transition.
// Zero timestamps leave the stored value untouched.
type StateUpdate struct {
	CurrentStep      int
	IsActive         bool
	Completed        bool
	UserMessageCount int
	LastMessageKey   string
	LastBotMessageAt time.Time
	LastAdminReplyAt time.Time
}

// Apply copies the update onto s and bumps its version, mirroring what every
// backend does in a single write.
func (u StateUpdate) Apply(s *models.ConversationState, now time.Time) {
	s.CurrentStep = u.CurrentStep
	s.IsActive = u.IsActive
	s.Completed = u.Completed
	s.UserMessageCount = u.UserMessageCount
	s.LastMessageKey = u.LastMessageKey
	if !u.LastBotMessageAt.IsZero() {
		t := u.LastBotMessageAt
		s.LastBotMessageAt = &t
	}
	if !u.LastAdminReplyAt.IsZero() {
		t := u.LastAdminReplyAt
		s.LastAdminReplyAt = &t
	}
	s.Version++
	s.UpdatedAt = now
}

// Counter selects which analytics column an increment targets.
type Counter int

const (
	CounterTrigger Counter = iota
	CounterAdminReply
)

func (c Counter) String() string {
	switch c {
	case CounterTrigger:
		return "trigger"
	case CounterAdminReply:
		return "admin_reply"
	}
	return fmt.Sprintf("counter(%d)", int(c))
}

// BucketKey identifies one analytics day bucket. Day uses models.DayLayout.
type BucketKey struct {
	ChatType   models.ChatType
	MessageKey string
	Day        string
}

// ScriptStore is the read path over authored scripts.
type ScriptStore interface {
	// ScriptStep returns the active message for step, lowest display order
	// first, or ErrNotFound.
	ScriptStep(ctx context.Context, chatType models.ChatType, step int) (models.ScriptedMessage, error)
	// ActiveScripts returns active messages ordered by display order, then
	// step number.
	ActiveScripts(ctx context.Context, chatType models.ChatType) ([]models.ScriptedMessage, error)
}

// RuleStore persists trigger rules.
type RuleStore interface {
	Rule(ctx context.Context, chatType models.ChatType) (models.TriggerRule, error)
	SaveRule(ctx context.Context, rule models.TriggerRule) (models.TriggerRule, error)
}

// StateStore persists conversation state through atomic primitives only.
type StateStore interface {
	// CreateIfAbsent materialises the NOT_STARTED row for key if no row
	// exists and returns the stored row either way.
	CreateIfAbsent(ctx context.Context, key ConversationKey) (models.ConversationState, error)
	// CompareAndSwap writes next if the stored version equals
	// expectedVersion, returning the post-write row, or ErrConflict.
	CompareAndSwap(ctx context.Context, key ConversationKey, expectedVersion int64, next StateUpdate) (models.ConversationState, error)
	// IncrementDormant adds one to the message counter of a dormant
	// conversation and returns the post-write row. It returns ErrConflict
	// when the conversation is not dormant, and ErrNotFound when absent.
	IncrementDormant(ctx context.Context, key ConversationKey) (models.ConversationState, error)
	// DeleteState removes the row. Deleting an absent row is not an error.
	DeleteState(ctx context.Context, key ConversationKey) error
}

// AnalyticsStore persists the daily counters.
type AnalyticsStore interface {
	// IncrementBucket creates the bucket if absent and adds one to counter.
	// stepNumber is recorded when the bucket is created.
	IncrementBucket(ctx context.Context, key BucketKey, stepNumber int, counter Counter) error
	// Buckets returns buckets with fromDay <= Day <= toDay ordered by day,
	// then message key.
	Buckets(ctx context.Context, chatType models.ChatType, fromDay, toDay string) ([]models.AnalyticsRecord, error)
}
