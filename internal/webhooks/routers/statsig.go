package routers

import (
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/swharr/storm-surge/internal/webhooks"
)

// StatsigAdapter normalizes Statsig gate-update webhooks. Statsig frames the
// same HMAC-SHA256 hex digest as "sha256=<hex>" in X-Statsig-Signature.
type StatsigAdapter struct{}

func (StatsigAdapter) Name() string { return "statsig" }

func (StatsigAdapter) SignatureHeader() string { return "X-Statsig-Signature" }

func (StatsigAdapter) VerifySignature(secret string, body []byte, signature string) error {
	digest, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return webhooks.ErrInvalidSignature
	}
	expected := webhooks.SignatureDigest(secret, body)
	if !hmac.Equal([]byte(expected), []byte(digest)) {
		return webhooks.ErrInvalidSignature
	}
	return nil
}

func (a StatsigAdapter) Parse(body []byte) (webhooks.FlagChangeEvent, error) {
	var payload struct {
		EventType string `json:"event_type"`
		Data      struct {
			Name        string `json:"name"`
			Enabled     bool   `json:"enabled"`
			Environment string `json:"environment"`
			ClusterID   string `json:"clusterId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return webhooks.FlagChangeEvent{}, fmt.Errorf("%w: invalid JSON", webhooks.ErrMalformedPayload)
	}
	if payload.EventType != "gate_config_updated" {
		return webhooks.FlagChangeEvent{}, fmt.Errorf("%w: unexpected event_type %q", webhooks.ErrMalformedPayload, payload.EventType)
	}
	if payload.Data.Name == "" {
		return webhooks.FlagChangeEvent{}, fmt.Errorf("%w: missing gate name", webhooks.ErrMalformedPayload)
	}
	if payload.Data.Environment == "" && payload.Data.ClusterID == "" {
		return webhooks.FlagChangeEvent{}, fmt.Errorf("%w: neither environment nor clusterId present", webhooks.ErrMalformedPayload)
	}

	return webhooks.FlagChangeEvent{
		Provider:    a.Name(),
		FlagKey:     payload.Data.Name,
		Environment: payload.Data.Environment,
		NewValue:    payload.Data.Enabled,
		ClusterID:   payload.Data.ClusterID,
	}, nil
}
