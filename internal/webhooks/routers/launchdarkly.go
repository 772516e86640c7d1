package routers

import (
	"encoding/json"
	"fmt"

	"github.com/swharr/storm-surge/internal/webhooks"
)

// LaunchDarklyAdapter normalizes LaunchDarkly flag-change webhooks.
// LaunchDarkly signs the raw body with HMAC-SHA256 and sends the bare hex
// digest in X-LD-Signature.
type LaunchDarklyAdapter struct{}

func (LaunchDarklyAdapter) Name() string { return "launchdarkly" }

func (LaunchDarklyAdapter) SignatureHeader() string { return "X-LD-Signature" }

func (LaunchDarklyAdapter) VerifySignature(secret string, body []byte, signature string) error {
	return webhooks.VerifySignature(secret, body, signature)
}

func (a LaunchDarklyAdapter) Parse(body []byte) (webhooks.FlagChangeEvent, error) {
	var payload struct {
		Kind string `json:"kind"`
		Data struct {
			Key         string `json:"key"`
			Value       bool   `json:"value"`
			Environment string `json:"environment"`
			ClusterID   string `json:"clusterId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return webhooks.FlagChangeEvent{}, fmt.Errorf("%w: invalid JSON", webhooks.ErrMalformedPayload)
	}
	if payload.Kind != "flag" {
		return webhooks.FlagChangeEvent{}, fmt.Errorf("%w: unexpected kind %q", webhooks.ErrMalformedPayload, payload.Kind)
	}
	if payload.Data.Key == "" {
		return webhooks.FlagChangeEvent{}, fmt.Errorf("%w: missing flag key", webhooks.ErrMalformedPayload)
	}
	if payload.Data.Environment == "" && payload.Data.ClusterID == "" {
		return webhooks.FlagChangeEvent{}, fmt.Errorf("%w: neither environment nor clusterId present", webhooks.ErrMalformedPayload)
	}

	return webhooks.FlagChangeEvent{
		Provider:    a.Name(),
		FlagKey:     payload.Data.Key,
		Environment: payload.Data.Environment,
		NewValue:    payload.Data.Value,
		ClusterID:   payload.Data.ClusterID,
	}, nil
}
