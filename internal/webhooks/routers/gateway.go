package routers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/swharr/storm-surge/internal/dedup"
	"github.com/swharr/storm-surge/internal/engine"
	"github.com/swharr/storm-surge/internal/metrics"
	"github.com/swharr/storm-surge/internal/policy"
	"github.com/swharr/storm-surge/internal/webhooks"
)

const maxBodyBytes = 1 << 20

// ProviderAdapter normalizes one provider's webhook contract.
type ProviderAdapter interface {
	Name() string
	SignatureHeader() string
	VerifySignature(secret string, body []byte, signature string) error
	Parse(body []byte) (webhooks.FlagChangeEvent, error)
}

// IntentSink receives decided intents; the per-cluster serializer in prod.
type IntentSink interface {
	Submit(intent webhooks.ScalingIntent)
}

// Gateway is the webhook entry point. Per request it runs
// verify → parse → resolve cluster → dedup → decide → queue, returning 200
// as soon as the intent is admitted; the scaling call itself is async.
type Gateway struct {
	adapters map[string]ProviderAdapter
	secrets  map[string]string
	dedup    dedup.Store
	policies *policy.Store
	sink     IntentSink
	now      func() time.Time
}

// NewGateway wires the known provider adapters. secrets is keyed by provider
// name; an empty secret disables verification for that provider (the
// original system's bootstrap behavior) and is logged at startup.
func NewGateway(secrets map[string]string, store dedup.Store, policies *policy.Store, sink IntentSink) *Gateway {
	adapters := map[string]ProviderAdapter{}
	for _, a := range []ProviderAdapter{LaunchDarklyAdapter{}, StatsigAdapter{}} {
		adapters[a.Name()] = a
		if secrets[a.Name()] == "" {
			log.Warn().Str("provider", a.Name()).Msg("No webhook secret configured, signature verification disabled")
		}
	}
	return &Gateway{
		adapters: adapters,
		secrets:  secrets,
		dedup:    store,
		policies: policies,
		sink:     sink,
		now:      time.Now,
	}
}

func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerName := chi.URLParam(r, "provider")
		adapter, ok := g.adapters[providerName]
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown provider endpoint")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			metrics.WebhooksReceived.WithLabelValues(providerName, "read_error").Inc()
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}
		defer r.Body.Close()

		if secret := g.secrets[providerName]; secret != "" {
			signature := r.Header.Get(adapter.SignatureHeader())
			if signature == "" {
				signature = r.Header.Get("X-Signature")
			}
			if err := adapter.VerifySignature(secret, body, signature); err != nil {
				metrics.WebhooksReceived.WithLabelValues(providerName, "invalid_signature").Inc()
				log.Error().
					Str("provider", providerName).
					Str("signature", webhooks.RedactSignature(signature)).
					Msg("Invalid webhook signature")
				writeError(w, http.StatusUnauthorized, "invalid signature")
				return
			}
		}

		event, err := adapter.Parse(body)
		if err != nil {
			metrics.WebhooksReceived.WithLabelValues(providerName, "malformed").Inc()
			log.Warn().Err(err).Str("provider", providerName).Msg("Malformed webhook payload")
			writeError(w, http.StatusBadRequest, "malformed payload")
			return
		}
		event.ReceivedAt = g.now()

		if event.ClusterID == "" {
			id, ok := g.policies.ClusterForEnvironment(event.Environment)
			if !ok {
				g.rejectUnknownCluster(w, providerName, event.Environment)
				return
			}
			event.ClusterID = id
		}

		pol, err := g.policies.Get(event.ClusterID)
		if err != nil {
			if errors.Is(err, policy.ErrNotFound) {
				g.rejectUnknownCluster(w, providerName, event.ClusterID)
				return
			}
			writeError(w, http.StatusInternalServerError, "policy lookup failed")
			return
		}

		event.DedupKey = webhooks.DeriveDedupKey(
			event.Provider, event.FlagKey, event.Environment, event.NewValue, event.ClusterID, event.ReceivedAt)
		if !g.dedup.Admit(event.DedupKey) {
			metrics.WebhooksReceived.WithLabelValues(providerName, "duplicate").Inc()
			log.Debug().
				Str("provider", providerName).
				Str("dedupKey", event.DedupKey).
				Msg("Duplicate webhook delivery suppressed")
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}

		d := engine.DecideFlagChange(event, pol)
		if d.NoOp() {
			if d.Blocked {
				metrics.GuardrailBlocked.Inc()
				metrics.WebhooksReceived.WithLabelValues(providerName, "blocked").Inc()
				log.Info().
					Str("cluster", pol.ClusterID).
					Str("flag", event.FlagKey).
					Str("reason", d.Reason).
					Msg("Flag change blocked by policy guardrail")
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "noop", "reason": d.Reason})
			return
		}

		g.sink.Submit(*d.Intent)
		metrics.WebhooksReceived.WithLabelValues(providerName, "admitted").Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "queued",
			"intentId": d.Intent.IntentID,
			"action":   d.Intent.Action,
		})
	}
}

func (g *Gateway) rejectUnknownCluster(w http.ResponseWriter, provider, ref string) {
	metrics.WebhooksReceived.WithLabelValues(provider, "unknown_cluster").Inc()
	// Operator configuration gap: alertable, never acted on with defaults.
	log.Error().Str("provider", provider).Str("ref", ref).Msg("Webhook references unknown cluster")
	writeError(w, http.StatusBadRequest, "unknown cluster")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
