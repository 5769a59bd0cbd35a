package trigger

import (
	"fmt"
	"testing"
	"time"

	"github.com/kajialsoad/cnz-sub006/internal/models"
)

func enabled(threshold int, reset bool) *Rule {
	return &Rule{ChatType: models.ChatTypeLive, Enabled: true, Threshold: threshold, ResetOnReactivate: reset}
}

func TestSnapshotPhase(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want Phase
	}{
		{"fresh", Snapshot{}, PhaseNotStarted},
		{"active", Snapshot{Step: 2, Active: true}, PhaseActive},
		{"dormant mid script", Snapshot{Step: 2}, PhaseDormant},
		{"taken over before start", Snapshot{TakenOver: true}, PhaseDormant},
		{"complete wins", Snapshot{Step: 3, Active: true, Completed: true}, PhaseComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.snap.Phase(); got != tt.want {
				t.Errorf("Phase() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSnapshotOf(t *testing.T) {
	now := time.Now()
	snap := SnapshotOf(models.ConversationState{CurrentStep: 2, UserMessageCount: 3, LastAdminReplyAt: &now})
	if snap.Step != 2 || snap.Count != 3 || !snap.TakenOver || snap.Active {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		rule     *Rule
		snap     Snapshot
		kind     EventKind
		nextStep int
		want     Decision
	}{
		{
			name: "missing rule",
			rule: nil,
			snap: Snapshot{Step: 1, Active: true},
			want: Decision{Action: ActionNone, Reason: ReasonRuleMissing, Next: Snapshot{Step: 1, Active: true}},
		},
		{
			name: "disabled rule",
			rule: &Rule{Enabled: false, Threshold: 5},
			snap: Snapshot{},
			want: Decision{Action: ActionNone, Reason: ReasonDisabled, Next: Snapshot{}},
		},
		{
			name:     "first user message starts the script",
			rule:     enabled(5, false),
			snap:     Snapshot{},
			nextStep: 1,
			want:     Decision{Action: ActionSend, Reason: ReasonStart, Next: Snapshot{Step: 1, Active: true}, EmitStep: 1},
		},
		{
			name:     "active user message advances",
			rule:     enabled(5, false),
			snap:     Snapshot{Step: 1, Active: true, Count: 2},
			nextStep: 2,
			want:     Decision{Action: ActionSend, Reason: ReasonAdvance, Next: Snapshot{Step: 2, Active: true}, EmitStep: 2},
		},
		{
			name:     "active user message skips a gap",
			rule:     enabled(5, false),
			snap:     Snapshot{Step: 1, Active: true},
			nextStep: 3,
			want:     Decision{Action: ActionSend, Reason: ReasonAdvance, Next: Snapshot{Step: 3, Active: true}, EmitStep: 3},
		},
		{
			name:     "script starting after step one",
			rule:     enabled(5, false),
			snap:     Snapshot{},
			nextStep: 2,
			want:     Decision{Action: ActionSend, Reason: ReasonStart, Next: Snapshot{Step: 2, Active: true}, EmitStep: 2},
		},
		{
			name: "empty script still asks for step one",
			rule: enabled(5, false),
			snap: Snapshot{},
			want: Decision{Action: ActionSend, Reason: ReasonStart, Next: Snapshot{Step: 1, Active: true}, EmitStep: 1},
		},
		{
			name:     "last step completes without emitting",
			rule:     enabled(5, false),
			snap:     Snapshot{Step: 3, Active: true},
			nextStep: 0,
			want:     Decision{Action: ActionComplete, Reason: ReasonExhausted, Next: Snapshot{Step: 3, Completed: true}},
		},
		{
			name:     "admin reply on active goes dormant",
			rule:     enabled(5, false),
			snap:     Snapshot{Step: 2, Active: true, Count: 1},
			kind:     EventAdminReply,
			nextStep: 3,
			want:     Decision{Action: ActionDormant, Reason: ReasonAdminReply, Next: Snapshot{Step: 2, TakenOver: true}},
		},
		{
			name: "admin reply before start",
			rule: enabled(5, false),
			snap: Snapshot{},
			kind: EventAdminReply,
			want: Decision{Action: ActionDormant, Reason: ReasonAdminReply, Next: Snapshot{Step: 0, TakenOver: true}},
		},
		{
			name: "admin reply on dormant resets the count",
			rule: enabled(5, false),
			snap: Snapshot{Step: 2, Count: 4, TakenOver: true},
			kind: EventAdminReply,
			want: Decision{Action: ActionDormant, Reason: ReasonAdminReply, Next: Snapshot{Step: 2, TakenOver: true}},
		},
		{
			name: "dormant below threshold counts",
			rule: enabled(5, false),
			snap: Snapshot{Step: 2, Count: 3, TakenOver: true},
			want: Decision{Action: ActionCount, Reason: ReasonBelowLimit, Next: Snapshot{Step: 2, Count: 4, TakenOver: true}},
		},
		{
			name: "dormant threshold reached resumes",
			rule: enabled(5, false),
			snap: Snapshot{Step: 2, Count: 4, TakenOver: true},
			want: Decision{Action: ActionSend, Reason: ReasonReactivated, Next: Snapshot{Step: 2, Active: true, TakenOver: true}, EmitStep: 2, Reactivated: true},
		},
		{
			name: "dormant threshold reached with reset",
			rule: enabled(5, true),
			snap: Snapshot{Step: 3, Count: 4, TakenOver: true},
			want: Decision{Action: ActionSend, Reason: ReasonReactivated, Next: Snapshot{Step: 1, Active: true, TakenOver: true}, EmitStep: 1, Reactivated: true},
		},
		{
			name:     "reset starts at the first active step",
			rule:     enabled(5, true),
			snap:     Snapshot{Step: 4, Count: 4, TakenOver: true},
			nextStep: 2,
			want:     Decision{Action: ActionSend, Reason: ReasonReactivated, Next: Snapshot{Step: 2, Active: true, TakenOver: true}, EmitStep: 2, Reactivated: true},
		},
		{
			name:     "resume ignores the first active step",
			rule:     enabled(5, false),
			snap:     Snapshot{Step: 4, Count: 4, TakenOver: true},
			nextStep: 2,
			want:     Decision{Action: ActionSend, Reason: ReasonReactivated, Next: Snapshot{Step: 4, Active: true, TakenOver: true}, EmitStep: 4, Reactivated: true},
		},
		{
			name: "zero threshold reactivates immediately",
			rule: enabled(0, false),
			snap: Snapshot{Step: 2, TakenOver: true},
			want: Decision{Action: ActionSend, Reason: ReasonReactivated, Next: Snapshot{Step: 2, Active: true, TakenOver: true}, EmitStep: 2, Reactivated: true},
		},
		{
			name: "taken over before start reactivates at step one",
			rule: enabled(1, false),
			snap: Snapshot{TakenOver: true},
			want: Decision{Action: ActionSend, Reason: ReasonReactivated, Next: Snapshot{Step: 1, Active: true, TakenOver: true}, EmitStep: 1, Reactivated: true},
		},
		{
			name:     "taken over before start reactivates at the first active step",
			rule:     enabled(1, false),
			snap:     Snapshot{TakenOver: true},
			nextStep: 3,
			want:     Decision{Action: ActionSend, Reason: ReasonReactivated, Next: Snapshot{Step: 3, Active: true, TakenOver: true}, EmitStep: 3, Reactivated: true},
		},
		{
			name: "complete is terminal for users",
			rule: enabled(5, false),
			snap: Snapshot{Step: 3, Completed: true},
			want: Decision{Action: ActionNone, Reason: ReasonComplete, Next: Snapshot{Step: 3, Completed: true}},
		},
		{
			name: "complete is terminal for admins",
			rule: enabled(5, false),
			snap: Snapshot{Step: 3, Completed: true},
			kind: EventAdminReply,
			want: Decision{Action: ActionNone, Reason: ReasonComplete, Next: Snapshot{Step: 3, Completed: true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.rule, tt.snap, tt.kind, tt.nextStep)
			if got != tt.want {
				t.Errorf("Decide() =\n  %+v\nwant\n  %+v", got, tt.want)
			}
		})
	}
}

// nextOf returns the lowest of steps above after, or 0.
func nextOf(steps []int, after int) int {
	next := 0
	for _, s := range steps {
		if s > after && (next == 0 || s < next) {
			next = s
		}
	}
	return next
}

func TestDecide_FullScriptWalk(t *testing.T) {
	tests := []struct {
		name  string
		steps []int
		want  []int
	}{
		{"contiguous", []int{1, 2, 3}, []int{1, 2, 3}},
		{"with gaps", []int{1, 3, 7}, []int{1, 3, 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := enabled(5, false)
			snap := Snapshot{}
			var emitted []int
			for i := 0; i <= len(tt.steps); i++ {
				d := Decide(rule, snap, EventUserMessage, nextOf(tt.steps, snap.Step))
				if d.EmitStep > 0 {
					emitted = append(emitted, d.EmitStep)
				}
				snap = d.Next
			}
			if fmt.Sprint(emitted) != fmt.Sprint(tt.want) {
				t.Errorf("emitted = %v, want %v", emitted, tt.want)
			}
			last := tt.steps[len(tt.steps)-1]
			if snap.Phase() != PhaseComplete || snap.Step != last {
				t.Errorf("final = %+v, want complete at step %d", snap, last)
			}

			d := Decide(rule, snap, EventUserMessage, 0)
			if d.Action != ActionNone {
				t.Errorf("after complete action = %s, want none", d.Action)
			}
		})
	}
}

func TestReactivation_OnlyForDormant(t *testing.T) {
	if _, ok := Reactivation(Rule{Enabled: true}, Snapshot{Step: 1, Active: true, Count: 9}, 1); ok {
		t.Error("active snapshot reactivated")
	}
	if _, ok := Reactivation(Rule{Enabled: true}, Snapshot{Count: 9}, 1); ok {
		t.Error("not started snapshot reactivated")
	}
}

func TestHold(t *testing.T) {
	snap := Snapshot{Step: 1, Active: true, Count: 2}

	d := Hold(snap, EventUserMessage)
	if d.Action != ActionHold || d.Reason != ReasonStepNotFound {
		t.Errorf("Hold = %+v", d)
	}
	if d.Next.Count != 3 || d.Next.Step != 1 || !d.Next.Active {
		t.Errorf("Hold.Next = %+v, want count 3 at step 1", d.Next)
	}

	if d := Hold(snap, EventAdminReply); d.Next != snap {
		t.Errorf("admin Hold.Next = %+v, want unchanged", d.Next)
	}
}

func TestStringers(t *testing.T) {
	if ActionSend.String() != "send" || PhaseDormant.String() != "dormant" || EventAdminReply.String() != "admin_reply" {
		t.Error("unexpected stringer output")
	}
	if Action(42).String() != "action(42)" {
		t.Errorf("Action(42) = %s", Action(42))
	}
}
