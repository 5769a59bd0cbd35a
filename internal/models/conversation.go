package models

import "time"

// ConversationState is the bot's progression cursor for a single conversation.
// Exactly one row exists per (ChatType, ConversationID).
type ConversationState struct {
	ID               uint     `gorm:"primaryKey;autoIncrement"`
	ChatType         ChatType `gorm:"size:32;not null;uniqueIndex:idx_conversation"`
	ConversationID   string   `gorm:"size:128;not null;uniqueIndex:idx_conversation"`
	CurrentStep      int      `gorm:"not null;default:0"`
	IsActive         bool     `gorm:"not null;default:false"`
	Completed        bool     `gorm:"not null;default:false"`
	UserMessageCount int      `gorm:"not null;default:0"`
	LastMessageKey   string   `gorm:"size:128"`
	Version          int64    `gorm:"not null;default:0"` // bumped on every write
	LastBotMessageAt *time.Time
	LastAdminReplyAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (ConversationState) TableName() string {
	return "bot_conversation_states"
}
