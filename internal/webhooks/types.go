package webhooks

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type IntentAction string

const (
	ActionEnableAutoscaling  IntentAction = "ENABLE_AUTOSCALING"
	ActionDisableAutoscaling IntentAction = "DISABLE_AUTOSCALING"
	ActionSetBounds          IntentAction = "SET_BOUNDS"
)

type IntentSource string

const (
	SourceWebhook  IntentSource = "WEBHOOK"
	SourceSchedule IntentSource = "SCHEDULE"
)

// FlagChangeEvent is the normalized form of a provider webhook payload.
// It lives only for the duration of one request's processing.
type FlagChangeEvent struct {
	Provider    string
	FlagKey     string
	Environment string
	NewValue    bool

	// ClusterID is resolved by the gateway (payload override or the policy
	// file's environment index); adapters may leave it empty.
	ClusterID string

	ReceivedAt time.Time
	DedupKey   string
}

// ScalingIntent is a proposed, not-yet-applied scaling action for one cluster.
type ScalingIntent struct {
	IntentID  string
	ClusterID string
	Action    IntentAction

	// Min/Max are only meaningful for ActionSetBounds.
	Min int
	Max int

	Source    IntentSource
	Reason    string
	CreatedAt time.Time
}

type OutcomeStatus string

const (
	StatusSucceeded OutcomeStatus = "SUCCEEDED"
	StatusFailed    OutcomeStatus = "FAILED"
	StatusRetrying  OutcomeStatus = "RETRYING"
)

// ScalingOutcome is the result of attempting to apply a ScalingIntent.
// Terminal states are broadcast; RETRYING stays internal.
type ScalingOutcome struct {
	IntentID     string        `json:"intentId"`
	ClusterID    string        `json:"clusterId"`
	Action       IntentAction  `json:"action"`
	Status       OutcomeStatus `json:"status"`
	AttemptCount int           `json:"attemptCount"`
	LastError    string        `json:"lastError,omitempty"`
	CompletedAt  time.Time     `json:"completedAt"`
}

func (o ScalingOutcome) Terminal() bool {
	return o.Status == StatusSucceeded || o.Status == StatusFailed
}

// DedupBucket is the time window a dedup key is pinned to. Provider retries
// of the same logical change inside one bucket hash identically.
const DedupBucket = 5 * time.Minute

// DeriveDedupKey hashes the logical identity of a flag change, truncated to
// the current DedupBucket window. It deliberately ignores provider delivery
// ids so redeliveries dedup without provider cooperation.
func DeriveDedupKey(provider, flagKey, environment string, newValue bool, clusterID string, at time.Time) string {
	bucket := at.UTC().Truncate(DedupBucket).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%t|%s|%d", provider, flagKey, environment, newValue, clusterID, bucket)))
	return hex.EncodeToString(sum[:16])
}
