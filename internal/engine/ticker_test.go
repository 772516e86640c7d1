package engine

import (
	"testing"
	"time"

	"github.com/swharr/storm-surge/internal/webhooks"
)

func TestTickerEvaluate(t *testing.T) {
	applier := &fakeApplier{}
	pub := newFakePublisher()
	ser := startSerializer(t, applier, pub, time.Hour)

	ticker := NewTicker(time.Minute, ser.policies, ser)
	ticker.now = func() time.Time { return nycTime(t, 23) }

	ticker.Evaluate()

	// ocn-123 is after hours and unknown-state: disable. ocn-prod is
	// business critical: guardrail, no call.
	o := pub.next(t)
	if o.ClusterID != "ocn-123" || o.Action != webhooks.ActionDisableAutoscaling {
		t.Errorf("Unexpected outcome: %+v", o)
	}
	pub.expectNone(t, 100*time.Millisecond)

	// The next tick is idempotent: ocn-123 is now in the desired state.
	ticker.Evaluate()
	pub.expectNone(t, 100*time.Millisecond)

	applier.mu.Lock()
	defer applier.mu.Unlock()
	if len(applier.applied) != 1 {
		t.Errorf("Expected exactly 1 API call across ticks, got %d", len(applier.applied))
	}
}

func TestTickerBusinessHoursEnable(t *testing.T) {
	applier := &fakeApplier{}
	pub := newFakePublisher()
	ser := startSerializer(t, applier, pub, time.Hour)

	ticker := NewTicker(time.Minute, ser.policies, ser)
	ticker.now = func() time.Time { return nycTime(t, 14) }

	ticker.Evaluate()

	seen := map[string]webhooks.IntentAction{}
	for i := 0; i < 2; i++ {
		o := pub.next(t)
		seen[o.ClusterID] = o.Action
	}
	if seen["ocn-123"] != webhooks.ActionEnableAutoscaling {
		t.Errorf("ocn-123: %s", seen["ocn-123"])
	}
	// Enabling autoscaling passes the guardrail even for critical clusters.
	if seen["ocn-prod"] != webhooks.ActionEnableAutoscaling {
		t.Errorf("ocn-prod: %s", seen["ocn-prod"])
	}
}
