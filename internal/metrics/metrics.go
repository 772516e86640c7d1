// Package metrics exposes the control plane's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stormsurge_webhooks_received_total",
		Help: "Webhook deliveries by provider and gateway result.",
	}, []string{"provider", "result"})

	IntentsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stormsurge_intents_submitted_total",
		Help: "Scaling intents handed to the per-cluster serializer.",
	}, []string{"source", "action"})

	Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stormsurge_outcomes_total",
		Help: "Terminal scaling outcomes by status.",
	}, []string{"status"})

	GuardrailBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stormsurge_guardrail_blocked_total",
		Help: "Intents blocked by the business-critical guardrail.",
	})

	ScalingAPIAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stormsurge_scaling_api_attempts_total",
		Help: "Scaling API call attempts by result class.",
	}, []string{"result"})

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stormsurge_scaling_api_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stormsurge_broadcast_subscribers",
		Help: "Currently connected outcome stream subscribers.",
	})
)
