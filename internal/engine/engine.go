// Package engine runs the bot for inbound chat events. It combines the rule
// cache, the conversation tracker, the script catalog and the analytics
// aggregator, and retries an event when a concurrent writer moved its
// conversation first.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kajialsoad/cnz-sub006/internal/analytics"
	"github.com/kajialsoad/cnz-sub006/internal/catalog"
	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/store"
	"github.com/kajialsoad/cnz-sub006/internal/tracker"
	"github.com/kajialsoad/cnz-sub006/internal/trigger"
)

// DefaultMaxAttempts bounds how often an event is recomputed after losing
// a write race.
const DefaultMaxAttempts = 3

// Deps are the collaborators an Engine drives.
type Deps struct {
	Catalog   *catalog.Catalog
	Rules     *trigger.RuleCache
	Tracker   *tracker.Tracker
	Analytics *analytics.Aggregator
	Logger    *slog.Logger
	// Clock stamps events that arrive without a timestamp.
	Clock func() time.Time
}

// Options tunes an Engine.
type Options struct {
	MaxAttempts   int
	DefaultLocale models.Locale
}

// Engine handles inbound events.
type Engine struct {
	catalog     *catalog.Catalog
	rules       *trigger.RuleCache
	tracker     *tracker.Tracker
	analytics   *analytics.Aggregator
	logger      *slog.Logger
	clock       func() time.Time
	maxAttempts int
	locale      models.Locale
}

// Result describes what the engine did with an event.
type Result struct {
	EventID     string
	Action      trigger.Action
	Reason      string
	Reactivated bool
	// Step, MessageKey and Text are set when a message was emitted.
	Step       int
	MessageKey string
	Text       string
	// State is the conversation after the event. It is zero when the rule
	// for the chat type is missing or disabled.
	State    models.ConversationState
	Attempts int
	// AnalyticsErr reports a failed counter update. The state change it
	// followed is committed regardless.
	AnalyticsErr error
}

// Emitted reports whether the bot sent a message.
func (r Result) Emitted() bool {
	return r.MessageKey != ""
}

// New validates deps and returns an Engine.
func New(deps Deps, opts Options) (*Engine, error) {
	switch {
	case deps.Catalog == nil:
		return nil, fmt.Errorf("engine: catalog is required")
	case deps.Rules == nil:
		return nil, fmt.Errorf("engine: rule cache is required")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("engine: tracker is required")
	case deps.Analytics == nil:
		return nil, fmt.Errorf("engine: analytics is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.DefaultLocale == "" {
		opts.DefaultLocale = models.LocaleEnglish
	}
	return &Engine{
		catalog:     deps.Catalog,
		rules:       deps.Rules,
		tracker:     deps.Tracker,
		analytics:   deps.Analytics,
		logger:      deps.Logger,
		clock:       deps.Clock,
		maxAttempts: opts.MaxAttempts,
		locale:      opts.DefaultLocale,
	}, nil
}

func keyOf(ev Event) store.ConversationKey {
	return store.ConversationKey{ChatType: ev.ChatType, ConversationID: ev.ConversationID}
}

func (e *Engine) fail(op string, ev Event, err error) error {
	return &Error{Op: op, ChatType: ev.ChatType, ConversationID: ev.ConversationID, Err: err}
}

// HandleEvent applies one inbound event. Lost write races are retried up
// to the configured attempts, after which ErrEngineBusy is returned; a
// store.ErrConflict never escapes.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, e.fail("validate", ev, err)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock()
	}
	if ev.Locale == "" {
		ev.Locale = e.locale
	}
	log := e.logger.With(
		"event_id", ev.ID,
		"chat_type", ev.ChatType,
		"conversation_id", ev.ConversationID,
		"sender", ev.Sender,
	)

	rule, err := e.rules.Get(ctx, ev.ChatType)
	if err != nil {
		return Result{}, e.fail("load rule", ev, err)
	}
	if rule == nil || !rule.Enabled {
		d := trigger.Decide(rule, trigger.Snapshot{}, ev.Sender.kind(), 0)
		log.Debug("bot event ignored", "reason", d.Reason)
		return Result{EventID: ev.ID, Action: d.Action, Reason: d.Reason, Attempts: 1}, nil
	}

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		res, err := e.attempt(ctx, ev, *rule, log)
		if err == nil {
			res.Attempts = attempt
			log.Info("bot event handled",
				"action", res.Action,
				"reason", res.Reason,
				"step", res.State.CurrentStep,
				"message_key", res.MessageKey,
				"attempt", attempt,
			)
			return res, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return Result{}, e.fail("handle", ev, err)
		}
		log.Debug("conversation moved underneath event; retrying", "attempt", attempt)
	}
	log.Warn("bot event gave up after repeated conflicts", "attempts", e.maxAttempts)
	return Result{}, e.fail("handle", ev, ErrEngineBusy)
}

// attempt makes one pass over the event from a fresh read. Any error
// wrapping store.ErrConflict means nothing was committed and the pass may
// be repeated.
func (e *Engine) attempt(ctx context.Context, ev Event, rule trigger.Rule, log *slog.Logger) (Result, error) {
	key := keyOf(ev)
	kind := ev.Sender.kind()

	st, err := e.tracker.LoadOrCreate(ctx, key)
	if err != nil {
		return Result{}, err
	}
	snap := trigger.SnapshotOf(st)

	switch phase := snap.Phase(); {
	case phase == trigger.PhaseComplete:
		d := trigger.Decide(&rule, snap, kind, 0)
		return e.result(ev, d, nil, st), nil
	case phase == trigger.PhaseDormant && kind == trigger.EventUserMessage:
		return e.dormantUserMessage(ctx, ev, key, rule, log)
	}

	nextStep := 0
	if kind == trigger.EventUserMessage {
		if nextStep, err = e.catalog.NextStep(ctx, ev.ChatType, snap.Step); err != nil {
			return Result{}, err
		}
	}

	d := trigger.Decide(&rule, snap, kind, nextStep)
	msg, err := e.lookup(ctx, ev, d.EmitStep, log)
	if err != nil {
		return Result{}, err
	}
	if d.EmitStep > 0 && msg == nil {
		d = trigger.Hold(snap, kind)
	}

	stamp := tracker.Stamp{MessageKey: st.LastMessageKey}
	if msg != nil {
		stamp.MessageKey = msg.MessageKey
		stamp.BotAt = ev.Timestamp
	}
	if kind == trigger.EventAdminReply {
		stamp.AdminAt = ev.Timestamp
	}

	next, err := e.tracker.ApplyTransition(ctx, key, st.Version, d.Next, stamp)
	if errors.Is(err, store.ErrNotFound) {
		// Torn down since the read; start over from a fresh row.
		return Result{}, fmt.Errorf("%w: %w", store.ErrConflict, err)
	}
	if err != nil {
		return Result{}, err
	}

	res := e.result(ev, d, msg, next)
	switch {
	case msg != nil:
		res.AnalyticsErr = e.recordTrigger(ctx, ev, msg, log)
	case kind == trigger.EventAdminReply && st.LastMessageKey != "":
		if err := e.analytics.RecordAdminReply(ctx, ev.ChatType, st.LastMessageKey, st.CurrentStep, ev.Timestamp); err != nil {
			log.Warn("admin reply analytics failed", "message_key", st.LastMessageKey, "error", err)
			res.AnalyticsErr = err
		}
	}
	return res, nil
}

// dormantUserMessage counts the message with an atomic increment and, once
// the threshold is reached, reactivates the bot. The count is committed
// first, so nothing after it fails the event: a retried delivery would
// count the message twice. A reactivation that cannot be written is left
// for the next user message.
func (e *Engine) dormantUserMessage(ctx context.Context, ev Event, key store.ConversationKey, rule trigger.Rule, log *slog.Logger) (Result, error) {
	st, err := e.tracker.IncrementDormant(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		// Torn down since the read; start over from a fresh row.
		return Result{}, fmt.Errorf("%w: %w", store.ErrConflict, err)
	}
	if err != nil {
		return Result{}, err
	}
	counted := func(st models.ConversationState, reason string) Result {
		return Result{EventID: ev.ID, Action: trigger.ActionCount, Reason: reason, State: st}
	}

	for i := 0; i < e.maxAttempts; i++ {
		snap := trigger.SnapshotOf(st)
		if snap.Phase() != trigger.PhaseDormant {
			// Another event reactivated or completed the conversation
			// after this message was counted.
			return counted(st, trigger.ReasonBelowLimit), nil
		}
		d, due := trigger.Reactivation(rule, snap, 1)
		if !due {
			return counted(st, trigger.ReasonBelowLimit), nil
		}
		if rule.ResetOnReactivate || snap.Step < 1 {
			first, err := e.catalog.NextStep(ctx, ev.ChatType, 0)
			if err != nil {
				log.Warn("reactivation lookup failed; message counted", "error", err)
				return counted(st, trigger.ReasonDeferred), nil
			}
			d, _ = trigger.Reactivation(rule, snap, first)
		}

		msg, err := e.lookup(ctx, ev, d.EmitStep, log)
		if err != nil {
			log.Warn("reactivation lookup failed; message counted", "step", d.EmitStep, "error", err)
			return counted(st, trigger.ReasonDeferred), nil
		}
		if msg == nil {
			hold := trigger.Decision{Action: trigger.ActionHold, Reason: trigger.ReasonStepNotFound, Next: snap}
			return e.result(ev, hold, nil, st), nil
		}

		next, err := e.tracker.ApplyTransition(ctx, key, st.Version, d.Next, tracker.Stamp{
			MessageKey: msg.MessageKey,
			BotAt:      ev.Timestamp,
		})
		if err == nil {
			res := e.result(ev, d, msg, next)
			res.AnalyticsErr = e.recordTrigger(ctx, ev, msg, log)
			return res, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			log.Warn("reactivation write failed; message counted", "error", err)
			return counted(st, trigger.ReasonDeferred), nil
		}
		latest, err := e.tracker.LoadOrCreate(ctx, key)
		if err != nil {
			log.Warn("reactivation reload failed; message counted", "error", err)
			return counted(st, trigger.ReasonDeferred), nil
		}
		st = latest
	}
	log.Warn("reactivation kept losing races; message counted", "attempts", e.maxAttempts)
	return counted(st, trigger.ReasonDeferred), nil
}

// lookup fetches the message for step. A missing step yields nil so the
// caller can hold the conversation.
func (e *Engine) lookup(ctx context.Context, ev Event, step int, log *slog.Logger) (*models.ScriptedMessage, error) {
	if step <= 0 {
		return nil, nil
	}
	msg, err := e.catalog.GetStep(ctx, ev.ChatType, step)
	if catalog.IsNotFound(err) {
		log.Warn("no active script message for step; holding conversation", "step", step)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (e *Engine) recordTrigger(ctx context.Context, ev Event, msg *models.ScriptedMessage, log *slog.Logger) error {
	err := e.analytics.RecordTrigger(ctx, ev.ChatType, msg.MessageKey, msg.StepNumber, ev.Timestamp)
	if err != nil {
		log.Warn("trigger analytics failed", "message_key", msg.MessageKey, "error", err)
	}
	return err
}

func (e *Engine) result(ev Event, d trigger.Decision, msg *models.ScriptedMessage, st models.ConversationState) Result {
	res := Result{
		EventID:     ev.ID,
		Action:      d.Action,
		Reason:      d.Reason,
		Reactivated: d.Reactivated,
		State:       st,
	}
	if msg != nil {
		res.Step = msg.StepNumber
		res.MessageKey = msg.MessageKey
		res.Text = msg.Text(ev.Locale)
	}
	return res
}

// CloseConversation removes the conversation's state.
func (e *Engine) CloseConversation(ctx context.Context, key store.ConversationKey) error {
	if err := e.tracker.Teardown(ctx, key); err != nil {
		return &Error{Op: "close", ChatType: key.ChatType, ConversationID: key.ConversationID, Err: err}
	}
	return nil
}

// Catalog exposes the script catalog for read-only surfaces.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Rules exposes the rule cache for rule administration.
func (e *Engine) Rules() *trigger.RuleCache { return e.rules }

// Analytics exposes the aggregator for reporting.
func (e *Engine) Analytics() *analytics.Aggregator { return e.analytics }
