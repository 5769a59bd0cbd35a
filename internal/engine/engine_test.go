package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kajialsoad/cnz-sub006/internal/analytics"
	"github.com/kajialsoad/cnz-sub006/internal/catalog"
	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/store"
	"github.com/kajialsoad/cnz-sub006/internal/store/memstore"
	"github.com/kajialsoad/cnz-sub006/internal/tracker"
	"github.com/kajialsoad/cnz-sub006/internal/trigger"
)

var testDay = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	store  *memstore.Store
}

type fixtureOpts struct {
	rule      *models.TriggerRule
	steps     []int
	states    store.StateStore
	analytics store.AnalyticsStore
}

// newFixture wires an engine over an in-memory store with a LIVE_CHAT
// script containing one message per step.
func newFixture(t *testing.T, opts fixtureOpts) fixture {
	t.Helper()
	ms := memstore.New()
	for _, step := range opts.steps {
		ms.AddScript(models.ScriptedMessage{
			ChatType:     models.ChatTypeLive,
			MessageKey:   fmt.Sprintf("live_step_%d", step),
			StepNumber:   step,
			Content:      fmt.Sprintf("Step %d", step),
			ContentBn:    fmt.Sprintf("ধাপ %d", step),
			IsActive:     true,
			DisplayOrder: step,
		})
	}
	if opts.rule != nil {
		ms.SaveRule(context.Background(), *opts.rule)
	}
	var states store.StateStore = ms
	if opts.states != nil {
		states = opts.states
	}
	var buckets store.AnalyticsStore = ms
	if opts.analytics != nil {
		buckets = opts.analytics
	}

	e, err := New(Deps{
		Catalog:   catalog.New(ms),
		Rules:     trigger.NewRuleCache(ms, time.Minute, nil),
		Tracker:   tracker.New(states, nil),
		Analytics: analytics.New(buckets, analytics.Options{Location: time.UTC}),
		Clock:     func() time.Time { return testDay },
	}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{engine: e, store: ms}
}

func liveRule(threshold int, reset bool) *models.TriggerRule {
	return &models.TriggerRule{ChatType: models.ChatTypeLive, IsEnabled: true, ReactivationThreshold: threshold, ResetStepsOnReactivate: reset}
}

func userMsg(conv string) Event {
	return Event{ChatType: models.ChatTypeLive, ConversationID: conv, Sender: SenderUser}
}

func adminMsg(conv string) Event {
	return Event{ChatType: models.ChatTypeLive, ConversationID: conv, Sender: SenderAdmin}
}

func mustHandle(t *testing.T, e *Engine, ev Event) Result {
	t.Helper()
	res, err := e.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleEvent(%s): %v", ev.Sender, err)
	}
	return res
}

func bucket(t *testing.T, ms *memstore.Store, key string) models.AnalyticsRecord {
	t.Helper()
	recs, err := ms.Buckets(context.Background(), models.ChatTypeLive, "2026-07-01", "2026-07-01")
	if err != nil {
		t.Fatalf("Buckets: %v", err)
	}
	for _, r := range recs {
		if r.MessageKey == key {
			return r
		}
	}
	return models.AnalyticsRecord{}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}, Options{}); err == nil {
		t.Fatal("expected error for empty deps")
	}
}

func TestHandleEvent_ScriptWalkToComplete(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(5, false), steps: []int{1, 2, 3}})

	var emitted []string
	for i := 0; i < 3; i++ {
		res := mustHandle(t, f.engine, userMsg("walk"))
		if res.Action != trigger.ActionSend {
			t.Fatalf("message %d action = %s, want send", i+1, res.Action)
		}
		emitted = append(emitted, res.MessageKey)
	}
	want := []string{"live_step_1", "live_step_2", "live_step_3"}
	for i := range want {
		if emitted[i] != want[i] {
			t.Errorf("emitted[%d] = %q, want %q", i, emitted[i], want[i])
		}
	}

	res := mustHandle(t, f.engine, userMsg("walk"))
	if res.Action != trigger.ActionComplete || res.Emitted() {
		t.Errorf("4th message = %s emitted=%v, want complete without output", res.Action, res.Emitted())
	}
	if !res.State.Completed || res.State.IsActive || res.State.CurrentStep != 3 {
		t.Errorf("final state = %+v", res.State)
	}

	res = mustHandle(t, f.engine, userMsg("walk"))
	if res.Action != trigger.ActionNone {
		t.Errorf("after complete action = %s, want none", res.Action)
	}
	res = mustHandle(t, f.engine, adminMsg("walk"))
	if res.Action != trigger.ActionNone {
		t.Errorf("admin after complete action = %s, want none", res.Action)
	}

	for _, key := range want {
		if b := bucket(t, f.store, key); b.TriggerCount != 1 {
			t.Errorf("%s triggers = %d, want 1", key, b.TriggerCount)
		}
	}
	if b := bucket(t, f.store, "live_step_3"); b.AdminReplyCount != 0 {
		t.Errorf("admin replies after complete = %d, want 0", b.AdminReplyCount)
	}
}

func TestHandleEvent_ReactivationResumesCurrentStep(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(5, false), steps: []int{1, 2, 3}})

	mustHandle(t, f.engine, userMsg("c1")) // step 1
	mustHandle(t, f.engine, userMsg("c1")) // step 2
	res := mustHandle(t, f.engine, adminMsg("c1"))
	if res.Action != trigger.ActionDormant || res.State.IsActive || res.State.CurrentStep != 2 {
		t.Fatalf("after admin = %s %+v", res.Action, res.State)
	}

	for i := 1; i <= 4; i++ {
		res = mustHandle(t, f.engine, userMsg("c1"))
		if res.Action != trigger.ActionCount || res.Emitted() {
			t.Fatalf("dormant message %d = %s", i, res.Action)
		}
		if res.State.UserMessageCount != i {
			t.Errorf("count after %d = %d", i, res.State.UserMessageCount)
		}
	}

	res = mustHandle(t, f.engine, userMsg("c1"))
	if res.Action != trigger.ActionSend || !res.Reactivated {
		t.Fatalf("5th dormant message = %s reactivated=%v", res.Action, res.Reactivated)
	}
	if res.MessageKey != "live_step_2" || res.State.CurrentStep != 2 || !res.State.IsActive || res.State.UserMessageCount != 0 {
		t.Errorf("reactivation = %s %+v", res.MessageKey, res.State)
	}

	step2 := bucket(t, f.store, "live_step_2")
	if step2.TriggerCount != 2 || step2.AdminReplyCount != 1 {
		t.Errorf("live_step_2 bucket = %d triggers %d admin replies, want 2 and 1", step2.TriggerCount, step2.AdminReplyCount)
	}
}

func TestHandleEvent_ReactivationWithReset(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(2, true), steps: []int{1, 2, 3}})

	mustHandle(t, f.engine, userMsg("c2"))
	mustHandle(t, f.engine, userMsg("c2"))
	mustHandle(t, f.engine, userMsg("c2")) // step 3
	mustHandle(t, f.engine, adminMsg("c2"))
	mustHandle(t, f.engine, userMsg("c2"))
	res := mustHandle(t, f.engine, userMsg("c2"))

	if !res.Reactivated || res.State.CurrentStep != 1 || res.MessageKey != "live_step_1" {
		t.Errorf("reactivation = %+v", res)
	}
}

func TestHandleEvent_DormantAdminResetsCount(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(3, false), steps: []int{1, 2}})

	mustHandle(t, f.engine, userMsg("c3"))
	mustHandle(t, f.engine, adminMsg("c3"))
	mustHandle(t, f.engine, userMsg("c3"))
	mustHandle(t, f.engine, userMsg("c3"))
	res := mustHandle(t, f.engine, adminMsg("c3"))
	if res.State.UserMessageCount != 0 || res.Action != trigger.ActionDormant {
		t.Errorf("second admin reply = %s count %d", res.Action, res.State.UserMessageCount)
	}
	if b := bucket(t, f.store, "live_step_1"); b.AdminReplyCount != 2 {
		t.Errorf("admin replies = %d, want 2", b.AdminReplyCount)
	}
}

func TestHandleEvent_AdminBeforeBotSpoke(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(2, false), steps: []int{1, 2}})

	res := mustHandle(t, f.engine, adminMsg("c4"))
	if res.Action != trigger.ActionDormant || res.State.LastAdminReplyAt == nil || res.State.CurrentStep != 0 {
		t.Fatalf("admin first = %s %+v", res.Action, res.State)
	}

	res = mustHandle(t, f.engine, userMsg("c4"))
	if res.Action != trigger.ActionCount {
		t.Fatalf("first user after takeover = %s, want count", res.Action)
	}
	res = mustHandle(t, f.engine, userMsg("c4"))
	if !res.Reactivated || res.MessageKey != "live_step_1" {
		t.Errorf("reactivation = %+v", res)
	}
}

func TestHandleEvent_RuleMissingOrDisabled(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{steps: []int{1}})
		res := mustHandle(t, f.engine, userMsg("c5"))
		if res.Action != trigger.ActionNone || res.Reason != trigger.ReasonRuleMissing {
			t.Errorf("result = %s %q", res.Action, res.Reason)
		}
	})
	t.Run("disabled", func(t *testing.T) {
		rule := liveRule(5, false)
		rule.IsEnabled = false
		f := newFixture(t, fixtureOpts{rule: rule, steps: []int{1}})
		res := mustHandle(t, f.engine, userMsg("c5"))
		if res.Action != trigger.ActionNone || res.Reason != trigger.ReasonDisabled {
			t.Errorf("result = %s %q", res.Action, res.Reason)
		}
		if _, err := f.store.IncrementDormant(context.Background(), store.ConversationKey{ChatType: models.ChatTypeLive, ConversationID: "c5"}); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("state created for disabled rule: %v", err)
		}
	})
}

func TestHandleEvent_GapInScriptIsSkipped(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(5, false), steps: []int{1, 3}})

	res := mustHandle(t, f.engine, userMsg("gap"))
	if res.MessageKey != "live_step_1" {
		t.Fatalf("first message = %q, want live_step_1", res.MessageKey)
	}
	res = mustHandle(t, f.engine, userMsg("gap"))
	if res.Action != trigger.ActionSend || res.MessageKey != "live_step_3" {
		t.Fatalf("second message = %s %q, want send live_step_3", res.Action, res.MessageKey)
	}
	if res.State.CurrentStep != 3 || !res.State.IsActive || res.State.UserMessageCount != 0 {
		t.Errorf("state after gap = %+v", res.State)
	}

	res = mustHandle(t, f.engine, userMsg("gap"))
	if res.Action != trigger.ActionComplete || !res.State.Completed || res.State.CurrentStep != 3 {
		t.Errorf("third message = %s %+v, want complete at step 3", res.Action, res.State)
	}
	if b := bucket(t, f.store, "live_step_3"); b.TriggerCount != 1 || b.StepNumber != 3 {
		t.Errorf("live_step_3 bucket = %+v", b)
	}
}

func TestHandleEvent_ScriptStartsAtFirstActiveStep(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(5, false), steps: []int{2, 4}})

	res := mustHandle(t, f.engine, userMsg("late"))
	if res.MessageKey != "live_step_2" || res.State.CurrentStep != 2 {
		t.Errorf("first message = %q at step %d, want live_step_2", res.MessageKey, res.State.CurrentStep)
	}
}

func TestHandleEvent_ReactivationStartsOverAtFirstActiveStep(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(1, true), steps: []int{2, 4}})

	mustHandle(t, f.engine, userMsg("late"))
	mustHandle(t, f.engine, userMsg("late"))
	mustHandle(t, f.engine, adminMsg("late"))

	res := mustHandle(t, f.engine, userMsg("late"))
	if !res.Reactivated || res.MessageKey != "live_step_2" || res.State.CurrentStep != 2 {
		t.Errorf("reactivation = %+v, want live_step_2", res)
	}

	g := newFixture(t, fixtureOpts{rule: liveRule(1, false), steps: []int{2, 4}})
	mustHandle(t, g.engine, adminMsg("early"))
	res = mustHandle(t, g.engine, userMsg("early"))
	if !res.Reactivated || res.MessageKey != "live_step_2" {
		t.Errorf("taken over before start = %+v, want live_step_2", res)
	}
}

func TestHandleEvent_EmptyScriptHolds(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(5, false)})
	res := mustHandle(t, f.engine, userMsg("empty"))
	if res.Action != trigger.ActionHold || res.State.IsActive {
		t.Errorf("empty script = %s %+v", res.Action, res.State)
	}
}

func TestHandleEvent_Locale(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(5, false), steps: []int{1}})
	ev := userMsg("bn")
	ev.Locale = models.LocaleBangla
	res := mustHandle(t, f.engine, ev)
	if res.Text != "ধাপ 1" {
		t.Errorf("Text = %q, want Bangla content", res.Text)
	}

	res = mustHandle(t, f.engine, Event{ChatType: models.ChatTypeLive, ConversationID: "en", Sender: SenderUser, ID: "evt-1"})
	if res.Text != "Step 1" || res.EventID != "evt-1" {
		t.Errorf("default locale result = %+v", res)
	}
}

func TestHandleEvent_InvalidEvent(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(5, false), steps: []int{1}})

	_, err := f.engine.HandleEvent(context.Background(), Event{ChatType: "SMS", Sender: "BOT"})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
	var engErr *Error
	if !errors.As(err, &engErr) || engErr.Op != "validate" {
		t.Errorf("err = %#v, want *Error with op validate", err)
	}
}

func TestHandleEvent_ConcurrentDormantMessagesAreLossless(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(100, false), steps: []int{1, 2}})
	mustHandle(t, f.engine, userMsg("busy"))
	mustHandle(t, f.engine, adminMsg("busy"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.HandleEvent(context.Background(), userMsg("busy")); err != nil {
				t.Errorf("HandleEvent: %v", err)
			}
		}()
	}
	wg.Wait()

	st, _ := f.store.CreateIfAbsent(context.Background(), store.ConversationKey{ChatType: models.ChatTypeLive, ConversationID: "busy"})
	if st.UserMessageCount != 20 {
		t.Errorf("UserMessageCount = %d, want 20", st.UserMessageCount)
	}
}

func TestHandleEvent_ConcurrentReactivationHappensOnce(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(5, false), steps: []int{1, 2, 3, 4, 5, 6, 7, 8}})
	mustHandle(t, f.engine, userMsg("race"))
	mustHandle(t, f.engine, adminMsg("race"))

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		reactivated int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.HandleEvent(context.Background(), userMsg("race"))
			if err != nil {
				if !errors.Is(err, ErrEngineBusy) {
					t.Errorf("HandleEvent: %v", err)
				}
				return
			}
			if res.Reactivated {
				mu.Lock()
				reactivated++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if reactivated != 1 {
		t.Errorf("reactivations = %d, want 1", reactivated)
	}
}

// conflictingStates loses every compare-and-swap.
type conflictingStates struct {
	store.StateStore
	cas int
}

func (c *conflictingStates) CompareAndSwap(context.Context, store.ConversationKey, int64, store.StateUpdate) (models.ConversationState, error) {
	c.cas++
	return models.ConversationState{}, store.ErrConflict
}

func TestHandleEvent_BusyAfterMaxAttempts(t *testing.T) {
	states := &conflictingStates{StateStore: memstore.New()}
	f := newFixture(t, fixtureOpts{rule: liveRule(5, false), steps: []int{1}, states: states})

	_, err := f.engine.HandleEvent(context.Background(), userMsg("stuck"))
	if !errors.Is(err, ErrEngineBusy) {
		t.Fatalf("err = %v, want ErrEngineBusy", err)
	}
	if errors.Is(err, store.ErrConflict) {
		t.Error("conflict escaped the engine")
	}
	if states.cas != DefaultMaxAttempts {
		t.Errorf("CAS attempts = %d, want %d", states.cas, DefaultMaxAttempts)
	}
}

// togglingStates loses every compare-and-swap while conflict is set.
type togglingStates struct {
	store.StateStore
	conflict bool
	cas      int
}

func (s *togglingStates) CompareAndSwap(ctx context.Context, key store.ConversationKey, v int64, next store.StateUpdate) (models.ConversationState, error) {
	if s.conflict {
		s.cas++
		return models.ConversationState{}, store.ErrConflict
	}
	return s.StateStore.CompareAndSwap(ctx, key, v, next)
}

func TestHandleEvent_LostReactivationKeepsCountOnce(t *testing.T) {
	states := &togglingStates{StateStore: memstore.New()}
	f := newFixture(t, fixtureOpts{rule: liveRule(2, false), steps: []int{1, 2}, states: states})

	mustHandle(t, f.engine, userMsg("defer"))
	mustHandle(t, f.engine, adminMsg("defer"))
	mustHandle(t, f.engine, userMsg("defer"))

	states.conflict = true
	res, err := f.engine.HandleEvent(context.Background(), userMsg("defer"))
	if err != nil {
		t.Fatalf("counted message returned %v; a retried delivery would count it again", err)
	}
	if res.Action != trigger.ActionCount || res.Reason != trigger.ReasonDeferred || res.Emitted() {
		t.Errorf("result = %s %q emitted=%v, want deferred count", res.Action, res.Reason, res.Emitted())
	}
	if res.State.UserMessageCount != 2 || res.State.IsActive {
		t.Errorf("state = %+v, want dormant with count 2", res.State)
	}
	if states.cas != DefaultMaxAttempts {
		t.Errorf("CAS attempts = %d, want %d", states.cas, DefaultMaxAttempts)
	}

	states.conflict = false
	res = mustHandle(t, f.engine, userMsg("defer"))
	if !res.Reactivated || res.MessageKey != "live_step_1" || res.State.UserMessageCount != 0 {
		t.Errorf("next message = %+v, want reactivation at step 1", res)
	}
}

// vanishingStates deletes the conversation before its first
// compare-and-swap, as a concurrent close would.
type vanishingStates struct {
	store.StateStore
	deleted bool
}

func (s *vanishingStates) CompareAndSwap(ctx context.Context, key store.ConversationKey, v int64, next store.StateUpdate) (models.ConversationState, error) {
	if !s.deleted {
		s.deleted = true
		if err := s.StateStore.DeleteState(ctx, key); err != nil {
			return models.ConversationState{}, err
		}
	}
	return s.StateStore.CompareAndSwap(ctx, key, v, next)
}

func TestHandleEvent_TeardownDuringTransitionRetries(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(5, false), steps: []int{1}, states: &vanishingStates{StateStore: memstore.New()}})

	res, err := f.engine.HandleEvent(context.Background(), userMsg("gone"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Attempts != 2 || res.MessageKey != "live_step_1" || res.State.CurrentStep != 1 {
		t.Errorf("result = attempts %d key %q state %+v", res.Attempts, res.MessageKey, res.State)
	}
}

// flakyStates loses the first compare-and-swap only.
type flakyStates struct {
	store.StateStore
	failed bool
}

func (f *flakyStates) CompareAndSwap(ctx context.Context, key store.ConversationKey, v int64, next store.StateUpdate) (models.ConversationState, error) {
	if !f.failed {
		f.failed = true
		return models.ConversationState{}, store.ErrConflict
	}
	return f.StateStore.CompareAndSwap(ctx, key, v, next)
}

func TestHandleEvent_RetriesAfterConflict(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(5, false), steps: []int{1}, states: &flakyStates{StateStore: memstore.New()}})
	res := mustHandle(t, f.engine, userMsg("retry"))
	if res.Attempts != 2 || res.MessageKey != "live_step_1" {
		t.Errorf("result = attempts %d key %q", res.Attempts, res.MessageKey)
	}
}

type downStates struct{ store.StateStore }

func (downStates) CreateIfAbsent(context.Context, store.ConversationKey) (models.ConversationState, error) {
	return models.ConversationState{}, store.Unavailable("states", errors.New("connection refused"))
}

func TestHandleEvent_StoreUnavailable(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(5, false), steps: []int{1}, states: downStates{memstore.New()}})
	_, err := f.engine.HandleEvent(context.Background(), userMsg("down"))
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	var engErr *Error
	if !errors.As(err, &engErr) || engErr.ConversationID != "down" {
		t.Errorf("err = %#v", err)
	}
}

type downBuckets struct{ store.AnalyticsStore }

func (downBuckets) IncrementBucket(context.Context, store.BucketKey, int, store.Counter) error {
	return store.Unavailable("buckets", errors.New("timeout"))
}

func TestHandleEvent_AnalyticsFailureDoesNotFailEvent(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(5, false), steps: []int{1, 2}, analytics: downBuckets{memstore.New()}})
	res := mustHandle(t, f.engine, userMsg("stats"))
	if res.AnalyticsErr == nil {
		t.Fatal("AnalyticsErr = nil, want failure")
	}
	if res.State.CurrentStep != 1 || !res.State.IsActive {
		t.Errorf("state not committed: %+v", res.State)
	}
}

func TestCloseConversation(t *testing.T) {
	f := newFixture(t, fixtureOpts{rule: liveRule(5, false), steps: []int{1, 2}})
	mustHandle(t, f.engine, userMsg("close"))

	key := store.ConversationKey{ChatType: models.ChatTypeLive, ConversationID: "close"}
	if err := f.engine.CloseConversation(context.Background(), key); err != nil {
		t.Fatalf("CloseConversation: %v", err)
	}
	res := mustHandle(t, f.engine, userMsg("close"))
	if res.MessageKey != "live_step_1" {
		t.Errorf("after close emitted %q, want a fresh start", res.MessageKey)
	}

	if err := f.engine.CloseConversation(context.Background(), store.ConversationKey{ChatType: models.ChatTypeLive}); err == nil {
		t.Error("expected error for empty conversation id")
	}
}

func TestParseSender(t *testing.T) {
	for in, want := range map[string]Sender{"user": SenderUser, " ADMIN ": SenderAdmin} {
		got, err := ParseSender(in)
		if err != nil || got != want {
			t.Errorf("ParseSender(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseSender("bot"); err == nil {
		t.Error("expected error for unknown sender")
	}
}
