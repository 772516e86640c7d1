package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/swharr/storm-surge/internal/metrics"
	"github.com/swharr/storm-surge/internal/policy"
)

// Ticker periodically evaluates every cluster's business-hours schedule and
// feeds resulting intents into the same serializer as the webhook path.
// Ticking against a cluster already in the right state is a no-op.
type Ticker struct {
	interval   time.Duration
	policies   *policy.Store
	serializer *Serializer
	now        func() time.Time
}

func NewTicker(interval time.Duration, policies *policy.Store, serializer *Serializer) *Ticker {
	return &Ticker{
		interval:   interval,
		policies:   policies,
		serializer: serializer,
		now:        time.Now,
	}
}

func (t *Ticker) Run(ctx context.Context) {
	log.Info().Dur("interval", t.interval).Msg("Schedule ticker started")
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Evaluate()
		}
	}
}

// Evaluate runs one schedule pass over all known clusters.
func (t *Ticker) Evaluate() {
	now := t.now()
	for _, pol := range t.policies.All() {
		tc := TickContext{
			Now:            now,
			OverrideActive: t.serializer.OverrideActive(pol.ClusterID),
			CurrentAction:  t.serializer.CurrentAction(pol.ClusterID),
		}
		d := DecideScheduleTick(tc, pol)
		if d.NoOp() {
			if d.Blocked {
				metrics.GuardrailBlocked.Inc()
				log.Info().Str("cluster", pol.ClusterID).Str("reason", d.Reason).Msg("Schedule tick blocked by policy guardrail")
			} else {
				log.Debug().Str("cluster", pol.ClusterID).Str("reason", d.Reason).Msg("Schedule tick no-op")
			}
			continue
		}
		t.serializer.Submit(*d.Intent)
	}
}
