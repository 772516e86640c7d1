package routers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/swharr/storm-surge/internal/policy"
	"github.com/swharr/storm-surge/internal/webhooks"
)

// OutcomeIndex is the serializer's view needed by the status endpoint.
type OutcomeIndex interface {
	LastOutcome(clusterID string) (webhooks.ScalingOutcome, bool)
	OverrideActive(clusterID string) bool
	CurrentAction(clusterID string) webhooks.IntentAction
}

// ClusterReader provides the live cluster view and breaker state.
type ClusterReader interface {
	GetCluster(ctx context.Context, clusterID string) (json.RawMessage, error)
	BreakerState() string
}

type statusResponse struct {
	ClusterID      string                   `json:"clusterId"`
	CostCenter     string                   `json:"costCenter"`
	LastOutcome    *webhooks.ScalingOutcome `json:"lastOutcome,omitempty"`
	CurrentAction  webhooks.IntentAction    `json:"currentAction,omitempty"`
	OverrideActive bool                     `json:"overrideActive"`
	BreakerState   string                   `json:"breakerState"`
	Live           json.RawMessage          `json:"live,omitempty"`
	LiveError      string                   `json:"liveError,omitempty"`
}

// StatusHandler is the catch-up query for dashboard clients that missed a
// broadcast. ?live=true additionally fetches the remote cluster document.
func StatusHandler(policies *policy.Store, outcomes OutcomeIndex, reader ClusterReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clusterID := chi.URLParam(r, "id")
		pol, err := policies.Get(clusterID)
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown cluster")
			return
		}

		resp := statusResponse{
			ClusterID:      pol.ClusterID,
			CostCenter:     pol.CostCenter,
			CurrentAction:  outcomes.CurrentAction(clusterID),
			OverrideActive: outcomes.OverrideActive(clusterID),
			BreakerState:   reader.BreakerState(),
		}
		if o, ok := outcomes.LastOutcome(clusterID); ok {
			resp.LastOutcome = &o
		}

		if r.URL.Query().Get("live") == "true" {
			raw, err := reader.GetCluster(r.Context(), clusterID)
			if err != nil {
				resp.LiveError = err.Error()
			} else {
				resp.Live = raw
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}
