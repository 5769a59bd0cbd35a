package models

import "time"

// ScriptedMessage is one authored bot message. The engine only reads active
// rows; authoring happens in the admin tooling.
type ScriptedMessage struct {
	ID           uint     `gorm:"primaryKey;autoIncrement"`
	ChatType     ChatType `gorm:"size:32;not null;uniqueIndex:idx_script_key;index:idx_script_step"`
	MessageKey   string   `gorm:"size:128;not null;uniqueIndex:idx_script_key"`
	StepNumber   int      `gorm:"not null;index:idx_script_step"`
	Content      string   `gorm:"type:text;not null"`
	ContentBn    string   `gorm:"type:text"`
	IsActive     bool     `gorm:"not null;index"`
	DisplayOrder int      `gorm:"default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName keeps bot tables grouped under a common prefix.
func (ScriptedMessage) TableName() string {
	return "bot_scripted_messages"
}

// Text returns the content for the requested locale. Bangla falls back to the
// primary content when no translation was authored.
func (m ScriptedMessage) Text(locale Locale) string {
	if locale == LocaleBangla && m.ContentBn != "" {
		return m.ContentBn
	}
	return m.Content
}
