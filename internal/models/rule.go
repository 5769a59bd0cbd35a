package models

import "time"

// TriggerRule configures the bot for one chat type. Columns carry no gorm
// defaults: a disabled rule or a zero threshold must persist as written.
type TriggerRule struct {
	ChatType               ChatType `gorm:"primaryKey;size:32"`
	IsEnabled              bool     `gorm:"not null"`
	ReactivationThreshold  int      `gorm:"not null"`
	ResetStepsOnReactivate bool     `gorm:"not null"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (TriggerRule) TableName() string {
	return "bot_trigger_rules"
}
