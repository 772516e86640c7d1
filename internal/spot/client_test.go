package spot

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swharr/storm-surge/internal/webhooks"
)

func fastOptions() Options {
	return Options{
		MaxAttempts:      5,
		AttemptTimeout:   time.Second,
		BaseDelay:        time.Millisecond,
		MaxDelay:         2 * time.Millisecond,
		BreakerThreshold: 100, // effectively disabled unless a test lowers it
		BreakerCooldown:  time.Minute,
	}
}

func intent(action webhooks.IntentAction) webhooks.ScalingIntent {
	return webhooks.ScalingIntent{
		IntentID:  "intent-1",
		ClusterID: "ocn-123",
		Action:    action,
		Min:       2,
		Max:       10,
		Source:    webhooks.SourceWebhook,
	}
}

func TestApplySuccess(t *testing.T) {
	var calls int32
	var gotAuth, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-123", fastOptions())
	o := c.Apply(context.Background(), intent(webhooks.ActionEnableAutoscaling))

	if o.Status != webhooks.StatusSucceeded {
		t.Fatalf("Expected SUCCEEDED, got %s (%s)", o.Status, o.LastError)
	}
	if o.AttemptCount != 1 {
		t.Errorf("Expected 1 attempt, got %d", o.AttemptCount)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Wrong auth header: %s", gotAuth)
	}
	if gotPath != "/cluster/ocn-123" {
		t.Errorf("Wrong path: %s", gotPath)
	}

	var body struct {
		Cluster struct {
			AutoScaler struct {
				IsEnabled bool `json:"isEnabled"`
			} `json:"autoScaler"`
		} `json:"cluster"`
	}
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("Bad request body: %v", err)
	}
	if !body.Cluster.AutoScaler.IsEnabled {
		t.Error("Expected isEnabled=true")
	}
}

func TestApplySetBoundsBody(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", fastOptions())
	o := c.Apply(context.Background(), intent(webhooks.ActionSetBounds))
	if o.Status != webhooks.StatusSucceeded {
		t.Fatalf("Expected SUCCEEDED, got %s", o.Status)
	}

	var body struct {
		Cluster struct {
			Capacity struct {
				Minimum int `json:"minimum"`
				Maximum int `json:"maximum"`
			} `json:"capacity"`
		} `json:"cluster"`
	}
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("Bad request body: %v", err)
	}
	if body.Cluster.Capacity.Minimum != 2 || body.Cluster.Capacity.Maximum != 10 {
		t.Errorf("Wrong capacity: %+v", body.Cluster.Capacity)
	}
}

func TestApplyRetriesTransient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", fastOptions())
	o := c.Apply(context.Background(), intent(webhooks.ActionDisableAutoscaling))

	if o.Status != webhooks.StatusSucceeded {
		t.Fatalf("Expected SUCCEEDED after retries, got %s (%s)", o.Status, o.LastError)
	}
	if o.AttemptCount != 4 {
		t.Errorf("Expected 4 attempts, got %d", o.AttemptCount)
	}
}

func TestApplyRetryBound(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	opts := fastOptions()
	opts.MaxAttempts = 3
	c := NewClient(srv.URL, "tok", opts)
	o := c.Apply(context.Background(), intent(webhooks.ActionEnableAutoscaling))

	if o.Status != webhooks.StatusFailed {
		t.Fatalf("Expected FAILED, got %s", o.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected exactly 3 API calls, got %d", got)
	}
	if o.AttemptCount != 3 {
		t.Errorf("Expected attemptCount 3, got %d", o.AttemptCount)
	}
	if !strings.Contains(o.LastError, "502") {
		t.Errorf("lastError should carry the remote status: %s", o.LastError)
	}
}

func TestApplyPermanentError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "no such cluster", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", fastOptions())
	o := c.Apply(context.Background(), intent(webhooks.ActionEnableAutoscaling))

	if o.Status != webhooks.StatusFailed {
		t.Fatalf("Expected FAILED, got %s", o.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Permanent errors must not retry, got %d calls", got)
	}
}

func TestCircuitBreaker(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := fastOptions()
	opts.MaxAttempts = 2
	opts.BreakerThreshold = 3
	c := NewClient(srv.URL, "tok", opts)

	// Two failed sequences push consecutive failures past the threshold.
	c.Apply(context.Background(), intent(webhooks.ActionEnableAutoscaling))
	c.Apply(context.Background(), intent(webhooks.ActionEnableAutoscaling))

	before := atomic.LoadInt32(&calls)
	o := c.Apply(context.Background(), intent(webhooks.ActionEnableAutoscaling))

	if o.Status != webhooks.StatusFailed {
		t.Fatalf("Expected FAILED, got %s", o.Status)
	}
	if !strings.Contains(o.LastError, "circuit open") {
		t.Errorf("Expected circuit-open error, got %s", o.LastError)
	}
	if after := atomic.LoadInt32(&calls); after != before {
		t.Errorf("Open breaker must not call the API (%d -> %d)", before, after)
	}
	if c.BreakerState() != "open" {
		t.Errorf("Expected open breaker, got %s", c.BreakerState())
	}
}

func TestGetCluster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("Expected GET, got %s", r.Method)
		}
		w.Write([]byte(`{"response":{"capacity":{"target":4}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", fastOptions())
	raw, err := c.GetCluster(context.Background(), "ocn-123")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(string(raw), `"target":4`) {
		t.Errorf("Unexpected document: %s", raw)
	}
}
