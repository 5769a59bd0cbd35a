// Package digest posts a daily summary of bot analytics to chat webhooks.
package digest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kajialsoad/cnz-sub006/internal/analytics"
	"github.com/kajialsoad/cnz-sub006/internal/models"
)

// Color constants for digest sidebars.
const (
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
)

// topMessages caps the per-chat-type message list in a digest.
const topMessages = 5

// Source is the analytics surface a digest reads.
type Source interface {
	Query(ctx context.Context, chatType models.ChatType, from, to time.Time) ([]models.AnalyticsRecord, error)
	Location() *time.Location
}

// Report holds one day's bot activity.
type Report struct {
	Day       string
	ChatTypes []ChatReport
}

// ChatReport is the slice of a Report for one chat type.
type ChatReport struct {
	ChatType models.ChatType
	Summary  analytics.Summary
	// Top lists the most triggered messages, most first.
	Top []MessageStat
}

// MessageStat is one message's counters for the day.
type MessageStat struct {
	MessageKey   string
	Step         int
	Triggers     int64
	AdminReplies int64
}

// Field is a short labelled value rendered alongside the body.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Formatted is a report rendered for notifiers.
type Formatted struct {
	Title  string
	Body   string
	Color  string
	Fields []Field
}

// Build reads the buckets for the day before now. It returns nil when the
// day had no activity.
func Build(ctx context.Context, src Source, now time.Time) (*Report, error) {
	loc := src.Location()
	day := now.In(loc).AddDate(0, 0, -1)
	records, err := src.Query(ctx, "", day, day)
	if err != nil {
		return nil, fmt.Errorf("digest: build: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	byType := make(map[models.ChatType][]models.AnalyticsRecord)
	for _, r := range records {
		byType[r.ChatType] = append(byType[r.ChatType], r)
	}

	report := &Report{Day: analytics.DayKey(day, loc)}
	for _, ct := range models.ChatTypes() {
		recs := byType[ct]
		if len(recs) == 0 {
			continue
		}
		cr := ChatReport{ChatType: ct, Summary: analytics.Summarize(recs)}
		for _, r := range recs {
			cr.Top = append(cr.Top, MessageStat{
				MessageKey:   r.MessageKey,
				Step:         r.StepNumber,
				Triggers:     r.TriggerCount,
				AdminReplies: r.AdminReplyCount,
			})
		}
		sort.SliceStable(cr.Top, func(i, j int) bool {
			if cr.Top[i].Triggers != cr.Top[j].Triggers {
				return cr.Top[i].Triggers > cr.Top[j].Triggers
			}
			return cr.Top[i].MessageKey < cr.Top[j].MessageKey
		})
		if len(cr.Top) > topMessages {
			cr.Top = cr.Top[:topMessages]
		}
		report.ChatTypes = append(report.ChatTypes, cr)
	}
	return report, nil
}

// Format renders a report as a title, a markdown body and summary fields.
func Format(report *Report) Formatted {
	var lines []string
	var triggers, replies int64
	for i, cr := range report.ChatTypes {
		if i > 0 {
			lines = append(lines, "")
		}
		triggers += cr.Summary.TotalTriggers
		replies += cr.Summary.TotalAdminReplies
		lines = append(lines, fmt.Sprintf("*%s*: %d sent, %d admin replies (%s)",
			cr.ChatType, cr.Summary.TotalTriggers, cr.Summary.TotalAdminReplies, formatRate(cr.Summary.AdminReplyRate)))
		for _, m := range cr.Top {
			lines = append(lines, fmt.Sprintf("  step %d `%s`: %d sent, %d replies", m.Step, m.MessageKey, m.Triggers, m.AdminReplies))
		}
	}

	rate := 0.0
	if triggers > 0 {
		rate = float64(replies) / float64(triggers)
	}
	color := ColorInfo
	if triggers > 0 && replies == 0 {
		color = ColorWarning
	}
	return Formatted{
		Title: "Bot digest for " + report.Day,
		Body:  strings.Join(lines, "\n"),
		Color: color,
		Fields: []Field{
			{Name: "Sent", Value: fmt.Sprintf("%d", triggers), Short: true},
			{Name: "Admin replies", Value: fmt.Sprintf("%d", replies), Short: true},
			{Name: "Reply rate", Value: formatRate(rate), Short: true},
		},
	}
}

func formatRate(r float64) string {
	return fmt.Sprintf("%.1f%%", r*100)
}
