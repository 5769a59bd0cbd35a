// Package sqlstore implements the store contracts on GORM. Conversation
// transitions rely on single-statement conditional updates; no row is ever
// read and then written outside a transaction.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is a GORM-backed implementation of every store contract.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ store.ScriptStore    = (*Store)(nil)
	_ store.RuleStore      = (*Store)(nil)
	_ store.StateStore     = (*Store)(nil)
	_ store.AnalyticsStore = (*Store)(nil)
)

// New wraps an open, migrated GORM connection.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: db is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

func conversationScope(key store.ConversationKey) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where("chat_type = ? AND conversation_id = ?", key.ChatType, key.ConversationID)
	}
}

// --- scripts ---

func (s *Store) ScriptStep(ctx context.Context, chatType models.ChatType, step int) (models.ScriptedMessage, error) {
	var msg models.ScriptedMessage
	err := s.db.WithContext(ctx).
		Where("chat_type = ? AND step_number = ? AND is_active = ?", chatType, step, true).
		Order("display_order ASC, id ASC").
		Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ScriptedMessage{}, store.ErrNotFound
	}
	if err != nil {
		return models.ScriptedMessage{}, store.Unavailable(fmt.Sprintf("sqlstore: script %s step %d", chatType, step), err)
	}
	return msg, nil
}

func (s *Store) ActiveScripts(ctx context.Context, chatType models.ChatType) ([]models.ScriptedMessage, error) {
	var msgs []models.ScriptedMessage
	if err := s.db.WithContext(ctx).
		Where("chat_type = ? AND is_active = ?", chatType, true).
		Order("display_order ASC, step_number ASC, id ASC").
		Find(&msgs).Error; err != nil {
		return nil, store.Unavailable(fmt.Sprintf("sqlstore: list scripts %s", chatType), err)
	}
	return msgs, nil
}

// --- rules ---

func (s *Store) Rule(ctx context.Context, chatType models.ChatType) (models.TriggerRule, error) {
	var rule models.TriggerRule
	err := s.db.WithContext(ctx).Where("chat_type = ?", chatType).Take(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.TriggerRule{}, store.ErrNotFound
	}
	if err != nil {
		return models.TriggerRule{}, store.Unavailable(fmt.Sprintf("sqlstore: rule %s", chatType), err)
	}
	return rule, nil
}

func (s *Store) SaveRule(ctx context.Context, rule models.TriggerRule) (models.TriggerRule, error) {
	db := s.db.WithContext(ctx)
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_enabled", "reactivation_threshold", "reset_steps_on_reactivate", "updated_at"}),
	}).Create(&rule)
	if result.Error != nil {
		return models.TriggerRule{}, store.Unavailable(fmt.Sprintf("sqlstore: save rule %s", rule.ChatType), result.Error)
	}
	return s.Rule(ctx, rule.ChatType)
}

// --- conversation state ---

func (s *Store) CreateIfAbsent(ctx context.Context, key store.ConversationKey) (models.ConversationState, error) {
	db := s.db.WithContext(ctx)
	row := models.ConversationState{
		ChatType:       key.ChatType,
		ConversationID: key.ConversationID,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_type"}, {Name: "conversation_id"}},
		DoNothing: true,
	}).Create(&row).Error; err != nil {
		return models.ConversationState{}, store.Unavailable("sqlstore: create state "+key.String(), err)
	}

	var st models.ConversationState
	if err := db.Scopes(conversationScope(key)).Take(&st).Error; err != nil {
		return models.ConversationState{}, store.Unavailable("sqlstore: load state "+key.String(), err)
	}
	return st, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key store.ConversationKey, expectedVersion int64, next store.StateUpdate) (models.ConversationState, error) {
	updates := map[string]interface{}{
		"current_step":       next.CurrentStep,
		"is_active":          next.IsActive,
		"completed":          next.Completed,
		"user_message_count": next.UserMessageCount,
		"last_message_key":   next.LastMessageKey,
		"version":            gorm.Expr("version + 1"),
		"updated_at":         s.now(),
	}
	if !next.LastBotMessageAt.IsZero() {
		updates["last_bot_message_at"] = next.LastBotMessageAt
	}
	if !next.LastAdminReplyAt.IsZero() {
		updates["last_admin_reply_at"] = next.LastAdminReplyAt
	}

	return s.conditionalUpdate(ctx, key, "cas", func(tx *gorm.DB) *gorm.DB {
		return tx.Where("version = ?", expectedVersion)
	}, updates)
}

func (s *Store) IncrementDormant(ctx context.Context, key store.ConversationKey) (models.ConversationState, error) {
	updates := map[string]interface{}{
		"user_message_count": gorm.Expr("user_message_count + 1"),
		"version":            gorm.Expr("version + 1"),
		"updated_at":         s.now(),
	}
	return s.conditionalUpdate(ctx, key, "increment", func(tx *gorm.DB) *gorm.DB {
		return tx.Where("is_active = ? AND completed = ?", false, false)
	}, updates)
}

// conditionalUpdate applies updates to the row matching key and cond, then
// reads the row back inside the same transaction. A miss is reported as
// ErrNotFound when the row is absent and ErrConflict otherwise.
func (s *Store) conditionalUpdate(ctx context.Context, key store.ConversationKey, op string, cond func(*gorm.DB) *gorm.DB, updates map[string]interface{}) (models.ConversationState, error) {
	var (
		st   models.ConversationState
		miss error
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.ConversationState{}).
			Scopes(conversationScope(key), cond).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&models.ConversationState{}).Scopes(conversationScope(key)).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				miss = store.ErrNotFound
			} else {
				miss = store.ErrConflict
			}
			return nil
		}
		return tx.Scopes(conversationScope(key)).Take(&st).Error
	})
	if err != nil {
		return models.ConversationState{}, store.Unavailable(fmt.Sprintf("sqlstore: %s state %s", op, key), err)
	}
	if miss != nil {
		return models.ConversationState{}, fmt.Errorf("sqlstore: %s state %s: %w", op, key, miss)
	}
	return st, nil
}

func (s *Store) DeleteState(ctx context.Context, key store.ConversationKey) error {
	if err := s.db.WithContext(ctx).Scopes(conversationScope(key)).Delete(&models.ConversationState{}).Error; err != nil {
		return store.Unavailable("sqlstore: delete state "+key.String(), err)
	}
	return nil
}

// --- analytics ---

func (s *Store) IncrementBucket(ctx context.Context, key store.BucketKey, stepNumber int, counter store.Counter) error {
	rec := models.AnalyticsRecord{
		ChatType:   key.ChatType,
		MessageKey: key.MessageKey,
		Day:        key.Day,
		StepNumber: stepNumber,
	}
	var col string
	switch counter {
	case store.CounterTrigger:
		col = "trigger_count"
		rec.TriggerCount = 1
	case store.CounterAdminReply:
		col = "admin_reply_count"
		rec.AdminReplyCount = 1
	default:
		return fmt.Errorf("sqlstore: unknown counter %s", counter)
	}

	// Postgres needs the existing row qualified inside DO UPDATE.
	expr := col + " + 1"
	if s.db.Dialector.Name() == "postgres" {
		expr = rec.TableName() + "." + expr
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chat_type"}, {Name: "message_key"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			col:          gorm.Expr(expr),
			"updated_at": s.now(),
		}),
	}).Create(&rec).Error
	if err != nil {
		return store.Unavailable(fmt.Sprintf("sqlstore: increment %s %s/%s/%s", counter, key.ChatType, key.MessageKey, key.Day), err)
	}
	return nil
}

func (s *Store) Buckets(ctx context.Context, chatType models.ChatType, fromDay, toDay string) ([]models.AnalyticsRecord, error) {
	var recs []models.AnalyticsRecord
	if err := s.db.WithContext(ctx).
		Where("chat_type = ? AND day >= ? AND day <= ?", chatType, fromDay, toDay).
		Order("day ASC, message_key ASC").
		Find(&recs).Error; err != nil {
		return nil, store.Unavailable(fmt.Sprintf("sqlstore: buckets %s %s..%s", chatType, fromDay, toDay), err)
	}
	return recs, nil
}
