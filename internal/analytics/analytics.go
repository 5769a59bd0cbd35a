// Package analytics aggregates daily trigger and admin-reply counters per
// scripted message.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/store"
)

// Options configures an Aggregator.
type Options struct {
	// Clock defaults to time.Now.
	Clock func() time.Time
	// Location sets the zone whose midnight starts a bucket. Defaults to
	// time.Local.
	Location *time.Location
}

// Aggregator records and reads analytics buckets.
type Aggregator struct {
	buckets store.AnalyticsStore
	clock   func() time.Time
	loc     *time.Location
}

// New returns an Aggregator over buckets.
func New(buckets store.AnalyticsStore, opts Options) *Aggregator {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Aggregator{buckets: buckets, clock: opts.Clock, loc: opts.Location}
}

// Now returns the aggregator's clock reading.
func (a *Aggregator) Now() time.Time {
	return a.clock()
}

// Location returns the bucketing zone.
func (a *Aggregator) Location() *time.Location {
	return a.loc
}

// DayKey floors t to midnight in loc and formats it as a bucket day.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(models.DayLayout)
}

// DayRange returns the inclusive bucket days covering from and to.
func DayRange(from, to time.Time, loc *time.Location) (string, string) {
	return DayKey(from, loc), DayKey(to, loc)
}

// RecordTrigger counts one emission of messageKey on the day of when.
func (a *Aggregator) RecordTrigger(ctx context.Context, chatType models.ChatType, messageKey string, step int, when time.Time) error {
	return a.record(ctx, chatType, messageKey, step, when, store.CounterTrigger)
}

// RecordAdminReply counts one admin reply attributed to messageKey.
func (a *Aggregator) RecordAdminReply(ctx context.Context, chatType models.ChatType, messageKey string, step int, when time.Time) error {
	return a.record(ctx, chatType, messageKey, step, when, store.CounterAdminReply)
}

func (a *Aggregator) record(ctx context.Context, chatType models.ChatType, messageKey string, step int, when time.Time, counter store.Counter) error {
	if !chatType.Valid() {
		return fmt.Errorf("analytics: invalid chat type %q", chatType)
	}
	if messageKey == "" {
		return fmt.Errorf("analytics: message key is required")
	}
	if when.IsZero() {
		when = a.clock()
	}
	key := store.BucketKey{ChatType: chatType, MessageKey: messageKey, Day: DayKey(when, a.loc)}
	if err := a.buckets.IncrementBucket(ctx, key, step, counter); err != nil {
		return fmt.Errorf("analytics: record %s: %w", counter, err)
	}
	return nil
}

// Query returns buckets whose day falls within [from, to], ordered by day
// then message key. An empty chatType reads every chat type.
func (a *Aggregator) Query(ctx context.Context, chatType models.ChatType, from, to time.Time) ([]models.AnalyticsRecord, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("analytics: range end %s before start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	fromDay, toDay := DayRange(from, to, a.loc)

	chatTypes := []models.ChatType{chatType}
	if chatType == "" {
		chatTypes = models.ChatTypes()
	} else if !chatType.Valid() {
		return nil, fmt.Errorf("analytics: invalid chat type %q", chatType)
	}

	var out []models.AnalyticsRecord
	for _, ct := range chatTypes {
		recs, err := a.buckets.Buckets(ctx, ct, fromDay, toDay)
		if err != nil {
			return nil, fmt.Errorf("analytics: query %s: %w", ct, err)
		}
		out = append(out, recs...)
	}
	if len(chatTypes) > 1 {
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Day != out[j].Day {
				return out[i].Day < out[j].Day
			}
			if out[i].MessageKey != out[j].MessageKey {
				return out[i].MessageKey < out[j].MessageKey
			}
			return out[i].ChatType < out[j].ChatType
		})
	}
	return out, nil
}

// StepStat is the per-step slice of a Summary.
type StepStat struct {
	Step         int   `json:"step"`
	Triggers     int64 `json:"triggers"`
	AdminReplies int64 `json:"admin_replies"`
}

// Summary rolls a set of buckets into report totals.
type Summary struct {
	TotalTriggers     int64      `json:"total_triggers"`
	TotalAdminReplies int64      `json:"total_admin_replies"`
	AdminReplyRate    float64    `json:"admin_reply_rate"`
	Steps             []StepStat `json:"steps"`
}

// Summarize totals records. AdminReplyRate is replies per trigger, 0 when
// nothing was triggered.
func Summarize(records []models.AnalyticsRecord) Summary {
	var s Summary
	byStep := make(map[int]*StepStat)
	for _, r := range records {
		s.TotalTriggers += r.TriggerCount
		s.TotalAdminReplies += r.AdminReplyCount
		st, ok := byStep[r.StepNumber]
		if !ok {
			st = &StepStat{Step: r.StepNumber}
			byStep[r.StepNumber] = st
		}
		st.Triggers += r.TriggerCount
		st.AdminReplies += r.AdminReplyCount
	}
	if s.TotalTriggers > 0 {
		s.AdminReplyRate = float64(s.TotalAdminReplies) / float64(s.TotalTriggers)
	}
	s.Steps = make([]StepStat, 0, len(byStep))
	for _, st := range byStep {
		s.Steps = append(s.Steps, *st)
	}
	sort.Slice(s.Steps, func(i, j int) bool { return s.Steps[i].Step < s.Steps[j].Step })
	return s
}
