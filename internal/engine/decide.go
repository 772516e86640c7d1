package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swharr/storm-surge/internal/policy"
	"github.com/swharr/storm-surge/internal/webhooks"
)

// Decision is the outcome of running one event or tick through the decision
// rules. A nil Intent is a no-op; Blocked marks the guardrail case, which is
// deliberate policy, not a failure.
type Decision struct {
	Intent  *webhooks.ScalingIntent
	Blocked bool
	Reason  string
}

func (d Decision) NoOp() bool { return d.Intent == nil }

func noOp(reason string) Decision {
	return Decision{Reason: reason}
}

func blocked(reason string) Decision {
	return Decision{Blocked: true, Reason: reason}
}

// DecideFlagChange maps a normalized flag-change event to a scaling intent.
// enable-cost-optimizer=true means cost saving (suspend autoscaling);
// false means performance (restore autoscaling).
func DecideFlagChange(ev webhooks.FlagChangeEvent, pol policy.ClusterPolicy) Decision {
	action := webhooks.ActionEnableAutoscaling
	if ev.NewValue {
		action = webhooks.ActionDisableAutoscaling
	}

	intent := webhooks.ScalingIntent{
		IntentID:  uuid.New().String(),
		ClusterID: pol.ClusterID,
		Action:    action,
		Source:    webhooks.SourceWebhook,
		Reason:    fmt.Sprintf("flag %s=%t (%s)", ev.FlagKey, ev.NewValue, ev.Provider),
		CreatedAt: ev.ReceivedAt,
	}
	return Guard(intent, pol)
}

// TickContext carries the mutable state a schedule decision depends on, so
// the decision itself stays a pure function.
type TickContext struct {
	Now            time.Time
	OverrideActive bool

	// CurrentAction is the last successfully applied action for the
	// cluster, or empty when unknown (e.g. after restart).
	CurrentAction webhooks.IntentAction
}

// DecideScheduleTick translates local time against the policy's business
// hours. Rules in priority order: guardrail, override window, in-state no-op.
func DecideScheduleTick(tc TickContext, pol policy.ClusterPolicy) Decision {
	local := tc.Now.In(pol.Location())

	action := webhooks.ActionDisableAutoscaling
	reason := fmt.Sprintf("after hours at %s local", local.Format("15:04"))
	if withinBusinessHours(local.Hour(), pol) {
		action = webhooks.ActionEnableAutoscaling
		reason = fmt.Sprintf("business hours at %s local", local.Format("15:04"))
	}

	intent := webhooks.ScalingIntent{
		IntentID:  uuid.New().String(),
		ClusterID: pol.ClusterID,
		Action:    action,
		Source:    webhooks.SourceSchedule,
		Reason:    reason,
		CreatedAt: tc.Now,
	}

	d := Guard(intent, pol)
	if d.NoOp() {
		return d
	}
	if tc.OverrideActive {
		return noOp("override window active, schedule deferred")
	}
	if tc.CurrentAction == action {
		return noOp("cluster already in desired state")
	}
	return d
}

// Guard enforces the business-critical invariant: such clusters never have
// autoscaling disabled and never scale below their replica floor. A blocked
// decision is a no-op, logged distinctly from failures by the caller.
func Guard(intent webhooks.ScalingIntent, pol policy.ClusterPolicy) Decision {
	if !pol.BusinessCritical {
		return Decision{Intent: &intent}
	}
	switch intent.Action {
	case webhooks.ActionDisableAutoscaling:
		return blocked("business-critical cluster, autoscaling stays enabled")
	case webhooks.ActionSetBounds:
		if intent.Min < pol.MinReplicasFloor {
			return blocked(fmt.Sprintf("business-critical cluster, min %d below floor %d", intent.Min, pol.MinReplicasFloor))
		}
	}
	return Decision{Intent: &intent}
}

// withinBusinessHours handles both same-day (8..18) and overnight (22..6)
// ranges; start is inclusive, end exclusive.
func withinBusinessHours(hour int, pol policy.ClusterPolicy) bool {
	start, end := pol.BusinessHoursStart, pol.BusinessHoursEnd
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
