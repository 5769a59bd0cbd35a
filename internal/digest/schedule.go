package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun returns the first fire time of expr after now.
func NextRun(expr string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("digest: schedule %q: %w", expr, err)
	}
	return sched.Next(now), nil
}

// Runner sends the digest on a cron schedule.
type Runner struct {
	source    Source
	notifiers []Notifier
	logger    *slog.Logger
	sched     cron.Schedule
	now       func() time.Time
}

// NewRunner validates the schedule. Runs are evaluated in the source's
// bucketing zone so "0 8 * * *" means 08:00 where the days are cut.
func NewRunner(src Source, schedule string, notifiers []Notifier, logger *slog.Logger) (*Runner, error) {
	if src == nil {
		return nil, errors.New("digest: source is required")
	}
	if len(notifiers) == 0 {
		return nil, errors.New("digest: at least one notifier is required")
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("digest: schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{source: src, notifiers: notifiers, logger: logger, sched: sched, now: time.Now}, nil
}

// Run blocks until ctx is cancelled, sending a digest at every fire time.
func (r *Runner) Run(ctx context.Context) error {
	loc := r.source.Location()
	for {
		next := r.sched.Next(r.now().In(loc))
		r.logger.Debug("next digest scheduled", "at", next)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			r.Fire(ctx)
		}
	}
}

// Fire builds and sends one digest for the previous day. Notifier failures
// are logged and do not stop the other notifiers.
func (r *Runner) Fire(ctx context.Context) int {
	report, err := Build(ctx, r.source, r.now())
	if err != nil {
		r.logger.Error("digest build failed", "error", err)
		return 0
	}
	if report == nil {
		r.logger.Info("digest suppressed; no bot activity")
		return 0
	}
	msg := Format(report)
	sent := 0
	for _, n := range r.notifiers {
		if err := n.Notify(ctx, msg); err != nil {
			r.logger.Warn("digest delivery failed", "notifier", n.Name(), "error", err)
			continue
		}
		sent++
	}
	r.logger.Info("digest sent", "day", report.Day, "notifiers", sent)
	return sent
}
