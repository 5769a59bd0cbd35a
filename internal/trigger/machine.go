// Package trigger decides what the bot does with each inbound event. The
// decision logic is pure; persistence and script lookup live elsewhere.
package trigger

import (
	"fmt"

	"github.com/kajialsoad/cnz-sub006/internal/models"
)

// Phase is the position of a conversation in the bot lifecycle.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseActive
	PhaseDormant
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseActive:
		return "active"
	case PhaseDormant:
		return "dormant"
	case PhaseComplete:
		return "complete"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// EventKind distinguishes who sent an inbound message.
type EventKind int

const (
	EventUserMessage EventKind = iota
	EventAdminReply
)

func (k EventKind) String() string {
	switch k {
	case EventUserMessage:
		return "user_message"
	case EventAdminReply:
		return "admin_reply"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Action is what the engine must do after a decision.
type Action int

const (
	// ActionNone leaves the conversation untouched.
	ActionNone Action = iota
	// ActionSend emits Decision.EmitStep and writes Decision.Next.
	ActionSend
	// ActionCount records a dormant user message below the threshold.
	ActionCount
	// ActionDormant hands the conversation to a human.
	ActionDormant
	// ActionComplete ends the script.
	ActionComplete
	// ActionHold keeps the position because the step to emit is missing.
	ActionHold
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSend:
		return "send"
	case ActionCount:
		return "count"
	case ActionDormant:
		return "dormant"
	case ActionComplete:
		return "complete"
	case ActionHold:
		return "hold"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Snapshot is the part of a conversation state the machine reads and writes.
type Snapshot struct {
	Step      int
	Active    bool
	Completed bool
	Count     int
	// TakenOver is set once an admin has replied. It separates a dormant
	// conversation at step 0 from one the bot never started.
	TakenOver bool
}

// SnapshotOf extracts the machine view of a stored state.
func SnapshotOf(s models.ConversationState) Snapshot {
	return Snapshot{
		Step:      s.CurrentStep,
		Active:    s.IsActive,
		Completed: s.Completed,
		Count:     s.UserMessageCount,
		TakenOver: s.LastAdminReplyAt != nil,
	}
}

// Phase derives the lifecycle phase.
func (s Snapshot) Phase() Phase {
	switch {
	case s.Completed:
		return PhaseComplete
	case s.Active:
		return PhaseActive
	case s.Step == 0 && !s.TakenOver:
		return PhaseNotStarted
	default:
		return PhaseDormant
	}
}

// Rule is the machine view of a trigger rule.
type Rule struct {
	ChatType          models.ChatType
	Enabled           bool
	Threshold         int
	ResetOnReactivate bool
}

// RuleFromModel converts a stored rule.
func RuleFromModel(r models.TriggerRule) Rule {
	return Rule{
		ChatType:          r.ChatType,
		Enabled:           r.IsEnabled,
		Threshold:         r.ReactivationThreshold,
		ResetOnReactivate: r.ResetStepsOnReactivate,
	}
}

// Decision is the outcome of one event.
type Decision struct {
	Action Action
	Reason string
	Next   Snapshot
	// EmitStep is the script step to send, or 0.
	EmitStep    int
	Reactivated bool
}

// Reasons attached to decisions.
const (
	ReasonRuleMissing  = "rule missing"
	ReasonDisabled     = "bot disabled"
	ReasonComplete     = "conversation complete"
	ReasonStart        = "script started"
	ReasonAdvance      = "advanced to next step"
	ReasonExhausted    = "script exhausted"
	ReasonAdminReply   = "admin replied"
	ReasonBelowLimit   = "below reactivation threshold"
	ReasonReactivated  = "reactivation threshold reached"
	ReasonStepNotFound = "step not found"
	ReasonDeferred     = "reactivation deferred"
)

// Decide applies one event to snap. A nil rule means no rule is configured
// for the chat type. nextStep is the lowest active script step above
// snap.Step, or 0 when the script has no further step. For a dormant
// snapshot it is the script's first active step, where a reactivation that
// starts over begins.
func Decide(rule *Rule, snap Snapshot, kind EventKind, nextStep int) Decision {
	if rule == nil {
		return Decision{Action: ActionNone, Reason: ReasonRuleMissing, Next: snap}
	}
	if !rule.Enabled {
		return Decision{Action: ActionNone, Reason: ReasonDisabled, Next: snap}
	}

	switch snap.Phase() {
	case PhaseComplete:
		return Decision{Action: ActionNone, Reason: ReasonComplete, Next: snap}

	case PhaseNotStarted:
		if kind == EventAdminReply {
			return dormant(snap)
		}
		first := nextStep
		if first < 1 {
			first = 1
		}
		return Decision{
			Action:   ActionSend,
			Reason:   ReasonStart,
			Next:     Snapshot{Step: first, Active: true, TakenOver: snap.TakenOver},
			EmitStep: first,
		}

	case PhaseActive:
		if kind == EventAdminReply {
			return dormant(snap)
		}
		if nextStep > snap.Step {
			return Decision{
				Action:   ActionSend,
				Reason:   ReasonAdvance,
				Next:     Snapshot{Step: nextStep, Active: true, TakenOver: snap.TakenOver},
				EmitStep: nextStep,
			}
		}
		return Decision{
			Action: ActionComplete,
			Reason: ReasonExhausted,
			Next:   Snapshot{Step: snap.Step, Completed: true, TakenOver: snap.TakenOver},
		}

	default: // PhaseDormant
		if kind == EventAdminReply {
			return dormant(snap)
		}
		counted := snap
		counted.Count++
		if d, ok := Reactivation(*rule, counted, nextStep); ok {
			return d
		}
		return Decision{Action: ActionCount, Reason: ReasonBelowLimit, Next: counted}
	}
}

// dormant hands the conversation to the admin and restarts the count.
func dormant(snap Snapshot) Decision {
	return Decision{
		Action: ActionDormant,
		Reason: ReasonAdminReply,
		Next:   Snapshot{Step: snap.Step, TakenOver: true},
	}
}

// Reactivation reports whether a dormant snapshot, with its message count
// already incremented, has reached the rule's threshold. A threshold of zero
// or less reactivates on the first message. firstStep is the script's first
// active step; a reset, or a conversation taken over before the bot spoke,
// starts there.
func Reactivation(rule Rule, snap Snapshot, firstStep int) (Decision, bool) {
	if snap.Phase() != PhaseDormant {
		return Decision{}, false
	}
	if rule.Threshold > 0 && snap.Count < rule.Threshold {
		return Decision{}, false
	}
	step := snap.Step
	if rule.ResetOnReactivate || step < 1 {
		step = max(firstStep, 1)
	}
	return Decision{
		Action:      ActionSend,
		Reason:      ReasonReactivated,
		Next:        Snapshot{Step: step, Active: true, TakenOver: snap.TakenOver},
		EmitStep:    step,
		Reactivated: true,
	}, true
}

// Hold is the decision used when the step chosen for emission has no
// active message at lookup time. The position is kept and a user message
// is still counted.
func Hold(snap Snapshot, kind EventKind) Decision {
	next := snap
	if kind == EventUserMessage {
		next.Count++
	}
	return Decision{Action: ActionHold, Reason: ReasonStepNotFound, Next: next}
}
