package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kajialsoad/cnz-sub006/internal/models"
)

// AllModels returns every GORM model the bot engine persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.ScriptedMessage{},
		&models.TriggerRule{},
		&models.ConversationState{},
		&models.AnalyticsRecord{},
	}
}

// AutoMigrate creates or updates all bot tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedRules upserts trigger rules keyed by chat type.
func SeedRules(db *gorm.DB, rules []models.TriggerRule) error {
	for _, r := range rules {
		rule := r
		rule.UpdatedAt = time.Now()
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_enabled", "reactivation_threshold", "reset_steps_on_reactivate", "updated_at"}),
		}).Create(&rule)
		if result.Error != nil {
			return fmt.Errorf("db: seed rule %s: %w", r.ChatType, result.Error)
		}
	}
	return nil
}

// SeedScripts upserts scripted messages keyed by (chat type, message key).
func SeedScripts(db *gorm.DB, scripts []models.ScriptedMessage) error {
	for _, s := range scripts {
		msg := s
		msg.UpdatedAt = time.Now()
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_type"}, {Name: "message_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"step_number", "content", "content_bn", "is_active", "display_order", "updated_at"}),
		}).Create(&msg)
		if result.Error != nil {
			return fmt.Errorf("db: seed script %s/%s: %w", s.ChatType, s.MessageKey, result.Error)
		}
	}
	return nil
}
