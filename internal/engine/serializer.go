package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/swharr/storm-surge/internal/metrics"
	"github.com/swharr/storm-surge/internal/policy"
	"github.com/swharr/storm-surge/internal/webhooks"
)

// Applier applies an intent against the remote scaling API.
type Applier interface {
	Apply(ctx context.Context, intent webhooks.ScalingIntent) webhooks.ScalingOutcome
}

// Publisher receives terminal outcomes for fanout.
type Publisher interface {
	Publish(outcome webhooks.ScalingOutcome)
}

const queueDepth = 64

// Serializer guarantees at most one in-flight scaling action per cluster.
// Each cluster gets a lazily created buffered queue drained by a single
// worker goroutine; intents queued behind an in-flight one are re-evaluated
// at dequeue time because cluster state may have moved.
type Serializer struct {
	policies       *policy.Store
	applier        Applier
	publisher      Publisher
	overrideWindow time.Duration
	now            func() time.Time

	mu          sync.Mutex
	ctx         context.Context
	queues      map[string]chan webhooks.ScalingIntent
	overrides   map[string]time.Time
	lastOutcome map[string]webhooks.ScalingOutcome
	lastAction  map[string]webhooks.IntentAction

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewSerializer(policies *policy.Store, applier Applier, publisher Publisher, overrideWindow time.Duration) *Serializer {
	return &Serializer{
		policies:       policies,
		applier:        applier,
		publisher:      publisher,
		overrideWindow: overrideWindow,
		now:            time.Now,
		queues:         make(map[string]chan webhooks.ScalingIntent),
		overrides:      make(map[string]time.Time),
		lastOutcome:    make(map[string]webhooks.ScalingOutcome),
		lastAction:     make(map[string]webhooks.IntentAction),
		quit:           make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight work to drain.
func (s *Serializer) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	log.Info().Msg("Serializer started, waiting for intents...")
	<-ctx.Done()
	close(s.quit)
	s.wg.Wait()
}

// Submit hands an intent to its cluster queue. Webhook-sourced intents open
// the override window; a guardrail-blocked intent never reaches Submit, so
// blocks cannot pin the schedule.
func (s *Serializer) Submit(intent webhooks.ScalingIntent) {
	s.mu.Lock()
	if intent.Source == webhooks.SourceWebhook {
		s.overrides[intent.ClusterID] = s.now()
	}
	q, ok := s.queues[intent.ClusterID]
	if !ok {
		q = make(chan webhooks.ScalingIntent, queueDepth)
		s.queues[intent.ClusterID] = q
		s.wg.Add(1)
		go s.worker(intent.ClusterID, q)
	}
	s.mu.Unlock()

	metrics.IntentsSubmitted.WithLabelValues(string(intent.Source), string(intent.Action)).Inc()

	select {
	case q <- intent:
	default:
		log.Warn().
			Str("cluster", intent.ClusterID).
			Str("intentId", intent.IntentID).
			Msg("Cluster queue full, dropping intent (next tick or retry regenerates it)")
	}
}

func (s *Serializer) worker(clusterID string, q chan webhooks.ScalingIntent) {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case intent := <-q:
			s.process(intent)
		}
	}
}

func (s *Serializer) process(intent webhooks.ScalingIntent) {
	log.Info().
		Str("cluster", intent.ClusterID).
		Str("action", string(intent.Action)).
		Str("source", string(intent.Source)).
		Str("reason", intent.Reason).
		Msg("Processing intent")

	pol, err := s.policies.Get(intent.ClusterID)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			// Policy can vanish on a reload between admit and dequeue.
			log.Error().Str("cluster", intent.ClusterID).Msg("No policy for cluster, refusing to act")
		} else {
			log.Error().Err(err).Str("cluster", intent.ClusterID).Msg("Policy lookup failed")
		}
		s.finish(webhooks.ScalingOutcome{
			IntentID:     intent.IntentID,
			ClusterID:    intent.ClusterID,
			Action:       intent.Action,
			Status:       webhooks.StatusFailed,
			LastError:    "unknown cluster: no policy configured",
			CompletedAt:  s.now(),
			AttemptCount: 0,
		}, intent)
		return
	}

	// Re-evaluate at dequeue: guardrails again (policy may have reloaded),
	// then schedule-specific staleness.
	if d := Guard(intent, pol); d.NoOp() {
		metrics.GuardrailBlocked.Inc()
		log.Info().
			Str("cluster", intent.ClusterID).
			Str("action", string(intent.Action)).
			Str("reason", d.Reason).
			Msg("Intent blocked by policy guardrail")
		return
	}
	if intent.Source == webhooks.SourceSchedule {
		if s.OverrideActive(intent.ClusterID) {
			log.Debug().Str("cluster", intent.ClusterID).Msg("Skipping schedule intent: override window active")
			return
		}
		if s.CurrentAction(intent.ClusterID) == intent.Action {
			log.Debug().Str("cluster", intent.ClusterID).Msg("Skipping schedule intent: cluster already in desired state")
			return
		}
	}

	outcome := s.applier.Apply(s.applyCtx(), intent)
	s.finish(outcome, intent)
}

func (s *Serializer) finish(outcome webhooks.ScalingOutcome, intent webhooks.ScalingIntent) {
	s.mu.Lock()
	s.lastOutcome[intent.ClusterID] = outcome
	if outcome.Status == webhooks.StatusSucceeded {
		s.lastAction[intent.ClusterID] = intent.Action
	}
	s.mu.Unlock()

	metrics.Outcomes.WithLabelValues(string(outcome.Status)).Inc()
	if outcome.Status == webhooks.StatusSucceeded {
		log.Info().
			Str("cluster", outcome.ClusterID).
			Str("action", string(intent.Action)).
			Int("attempts", outcome.AttemptCount).
			Msg("Successfully scaled")
	} else {
		log.Error().
			Str("cluster", outcome.ClusterID).
			Str("action", string(intent.Action)).
			Int("attempts", outcome.AttemptCount).
			Str("lastError", outcome.LastError).
			Msg("Scaling failed")
	}
	s.publisher.Publish(outcome)
}

func (s *Serializer) applyCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// OverrideActive reports whether a human-initiated intent still pins the
// cluster against schedule reversals.
func (s *Serializer) OverrideActive(clusterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.overrides[clusterID]
	return ok && s.now().Sub(at) < s.overrideWindow
}

// CurrentAction returns the last successfully applied action, or empty.
func (s *Serializer) CurrentAction(clusterID string) webhooks.IntentAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAction[clusterID]
}

// LastOutcome is the catch-up query backing the cluster status endpoint.
func (s *Serializer) LastOutcome(clusterID string) (webhooks.ScalingOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.lastOutcome[clusterID]
	return o, ok
}
