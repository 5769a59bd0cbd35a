package models

import "time"

// DayLayout is the storage format of AnalyticsRecord.Day.
const DayLayout = "2006-01-02"

// AnalyticsRecord holds one day's counters for a scripted message.
type AnalyticsRecord struct {
	ID              uint     `gorm:"primaryKey;autoIncrement"`
	ChatType        ChatType `gorm:"size:32;not null;uniqueIndex:idx_analytics_bucket"`
	MessageKey      string   `gorm:"size:128;not null;uniqueIndex:idx_analytics_bucket"`
	Day             string   `gorm:"size:10;not null;uniqueIndex:idx_analytics_bucket;index"`
	StepNumber      int
	TriggerCount    int64 `gorm:"not null;default:0"`
	AdminReplyCount int64 `gorm:"not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (AnalyticsRecord) TableName() string {
	return "bot_analytics_records"
}

// Date parses Day as local midnight in loc.
func (r AnalyticsRecord) Date(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(DayLayout, r.Day, loc)
}
