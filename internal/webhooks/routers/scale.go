package routers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/swharr/storm-surge/internal/engine"
	"github.com/swharr/storm-surge/internal/policy"
	"github.com/swharr/storm-surge/internal/webhooks"
)

// ScaleHandler handles manual capacity-bounds requests from the dashboard.
// A manual request is a human action and counts as a webhook-sourced intent
// for override purposes. ?dryRun=true returns the decision without applying.
func ScaleHandler(policies *policy.Store, sink IntentSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clusterID := chi.URLParam(r, "id")
		dryRun := r.URL.Query().Get("dryRun") == "true"

		var req struct {
			Min int `json:"min"`
			Max int `json:"max"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if req.Min < 0 || req.Max < req.Min {
			writeError(w, http.StatusBadRequest, "bounds must satisfy 0 <= min <= max")
			return
		}

		pol, err := policies.Get(clusterID)
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown cluster")
			return
		}

		intent := webhooks.ScalingIntent{
			IntentID:  uuid.New().String(),
			ClusterID: clusterID,
			Action:    webhooks.ActionSetBounds,
			Min:       req.Min,
			Max:       req.Max,
			Source:    webhooks.SourceWebhook,
			Reason:    fmt.Sprintf("manual bounds request %d-%d", req.Min, req.Max),
			CreatedAt: time.Now(),
		}

		d := engine.Guard(intent, pol)
		if d.Blocked {
			writeJSON(w, http.StatusOK, map[string]any{"status": "blocked", "reason": d.Reason, "dryRun": dryRun})
			return
		}
		if dryRun {
			writeJSON(w, http.StatusOK, map[string]any{"status": "preview", "action": intent.Action, "min": req.Min, "max": req.Max, "dryRun": true})
			return
		}

		sink.Submit(intent)
		writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "intentId": intent.IntentID})
	}
}
