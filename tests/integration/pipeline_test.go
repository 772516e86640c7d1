package integration

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/swharr/storm-surge/internal/broadcast"
	"github.com/swharr/storm-surge/internal/dedup"
	"github.com/swharr/storm-surge/internal/engine"
	"github.com/swharr/storm-surge/internal/policy"
	"github.com/swharr/storm-surge/internal/spot"
	"github.com/swharr/storm-surge/internal/webhooks"
	"github.com/swharr/storm-surge/internal/webhooks/routers"
)

// scalingAPIStub stands in for the Spot Ocean API. It records every call per
// cluster and can be primed to fail with 503s before succeeding.
type scalingAPIStub struct {
	mu     sync.Mutex
	calls  map[string]int
	fail   map[string]int
	bodies map[string][]string
	srv    *httptest.Server
}

func newScalingAPIStub(t *testing.T) *scalingAPIStub {
	t.Helper()
	s := &scalingAPIStub{
		calls:  make(map[string]int),
		fail:   make(map[string]int),
		bodies: make(map[string][]string),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		var buf bytes.Buffer
		buf.ReadFrom(r.Body)

		s.mu.Lock()
		s.calls[id]++
		s.bodies[id] = append(s.bodies[id], buf.String())
		remaining := s.fail[id]
		if remaining > 0 {
			s.fail[id] = remaining - 1
		}
		s.mu.Unlock()

		if remaining > 0 {
			http.Error(w, `{"error":"upstream unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"response":{"status":"ok"}}`))
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *scalingAPIStub) callCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *scalingAPIStub) lastBody(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.bodies[id]); n > 0 {
		return s.bodies[id][n-1]
	}
	return ""
}

func (s *scalingAPIStub) failNext(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[id] = n
}

// writePipelinePolicies generates a policy file anchored to the current UTC
// hour so the schedule decisions are stable no matter when the test runs:
// ocn-day is always inside business hours, ocn-crit always outside.
func writePipelinePolicies(t *testing.T) *policy.Store {
	t.Helper()
	h := time.Now().UTC().Hour()
	doc := fmt.Sprintf(`
clusters:
  - clusterId: ocn-day
    timezone: UTC
    businessHoursStart: %d
    businessHoursEnd: %d
    minReplicasFloor: 1
    environments: [production]
  - clusterId: ocn-crit
    timezone: UTC
    businessHoursStart: %d
    businessHoursEnd: %d
    businessCritical: true
    minReplicasFloor: 3
    environments: [prod]
`, h, (h+2)%24, (h+1)%24, (h+2)%24)

	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}
	store := policy.NewStore(path)
	if err := store.Load(); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	return store
}

type controlPlane struct {
	router     *chi.Mux
	hub        *broadcast.Hub
	serializer *engine.Serializer
	ticker     *engine.Ticker
	stub       *scalingAPIStub
}

func newControlPlane(t *testing.T, secrets map[string]string) *controlPlane {
	t.Helper()
	policies := writePipelinePolicies(t)
	stub := newScalingAPIStub(t)

	client := spot.NewClient(stub.srv.URL, "test-token", spot.Options{
		MaxAttempts:      4,
		AttemptTimeout:   2 * time.Second,
		BaseDelay:        time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		BreakerThreshold: 100,
	})

	hub := broadcast.NewHub()
	ser := engine.NewSerializer(policies, client, hub, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ser.Run(ctx)

	gw := routers.NewGateway(secrets, dedup.NewMemoryStore(5*time.Minute), policies, ser)
	r := chi.NewRouter()
	r.Post("/webhook/{provider}", gw.Handler())

	return &controlPlane{
		router:     r,
		hub:        hub,
		serializer: ser,
		ticker:     engine.NewTicker(time.Minute, policies, ser),
		stub:       stub,
	}
}

func waitOutcome(t *testing.T, sub *broadcast.Subscription) webhooks.ScalingOutcome {
	t.Helper()
	select {
	case o := <-sub.C():
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for scaling outcome")
		return webhooks.ScalingOutcome{}
	}
}

func expectNoOutcome(t *testing.T, sub *broadcast.Subscription) {
	t.Helper()
	select {
	case o := <-sub.C():
		t.Fatalf("Unexpected outcome: %+v", o)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWebhookToScalingAPIPipeline(t *testing.T) {
	secret := "ld-secret"
	cp := newControlPlane(t, map[string]string{"launchdarkly": secret})
	sub := cp.hub.Subscribe()
	defer sub.Close()

	body := `{"kind":"flag","data":{"key":"enable-cost-optimizer","value":false,"environment":"production"}}`
	sig := webhooks.SignatureDigest(secret, []byte(body))

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/webhook/launchdarkly", strings.NewReader(body))
		req.Header.Set("X-LD-Signature", sig)
		w := httptest.NewRecorder()
		cp.router.ServeHTTP(w, req)
		return w
	}

	w := post()
	if w.Code != http.StatusOK {
		t.Fatalf("Wrong status: %d (%s)", w.Code, w.Body.String())
	}

	outcome := waitOutcome(t, sub)
	if outcome.ClusterID != "ocn-day" || outcome.Status != webhooks.StatusSucceeded {
		t.Fatalf("Wrong outcome: %+v", outcome)
	}
	if outcome.Action != webhooks.ActionEnableAutoscaling {
		t.Errorf("Wrong action: %s", outcome.Action)
	}
	if got := cp.stub.callCount("ocn-day"); got != 1 {
		t.Errorf("Wrong call count: %d", got)
	}
	if b := cp.stub.lastBody("ocn-day"); !strings.Contains(b, `"isEnabled":true`) {
		t.Errorf("Wrong request body: %s", b)
	}

	// A provider redelivery of the same event is absorbed by dedup.
	w = post()
	if w.Code != http.StatusOK {
		t.Fatalf("Redelivery status: %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("duplicate")) {
		t.Errorf("Expected duplicate status: %s", w.Body.String())
	}
	expectNoOutcome(t, sub)
	if got := cp.stub.callCount("ocn-day"); got != 1 {
		t.Errorf("Redelivery reached the API: %d calls", got)
	}
}

func TestWebhookPipelineRetriesTransientFailures(t *testing.T) {
	cp := newControlPlane(t, nil)
	sub := cp.hub.Subscribe()
	defer sub.Close()

	cp.stub.failNext("ocn-day", 2)

	body := `{"kind":"flag","data":{"key":"enable-cost-optimizer","value":false,"environment":"production"}}`
	req := httptest.NewRequest("POST", "/webhook/launchdarkly", strings.NewReader(body))
	w := httptest.NewRecorder()
	cp.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Wrong status: %d", w.Code)
	}

	outcome := waitOutcome(t, sub)
	if outcome.Status != webhooks.StatusSucceeded {
		t.Fatalf("Wrong outcome: %+v", outcome)
	}
	if outcome.AttemptCount != 3 {
		t.Errorf("Wrong attempt count: %d", outcome.AttemptCount)
	}
	if got := cp.stub.callCount("ocn-day"); got != 3 {
		t.Errorf("Wrong call count: %d", got)
	}
}

func TestScheduleTickPipeline(t *testing.T) {
	cp := newControlPlane(t, nil)
	sub := cp.hub.Subscribe()
	defer sub.Close()

	// ocn-day is inside business hours, so the tick restores autoscaling.
	// ocn-crit is outside, but the guardrail refuses to disable it.
	cp.ticker.Evaluate()

	outcome := waitOutcome(t, sub)
	if outcome.ClusterID != "ocn-day" || outcome.Action != webhooks.ActionEnableAutoscaling {
		t.Fatalf("Wrong outcome: %+v", outcome)
	}
	if outcome.Status != webhooks.StatusSucceeded {
		t.Fatalf("Tick apply failed: %+v", outcome)
	}
	if got := cp.stub.callCount("ocn-crit"); got != 0 {
		t.Errorf("Guardrailed cluster reached the API: %d calls", got)
	}

	// The next tick sees ocn-day already in the desired state.
	cp.ticker.Evaluate()
	expectNoOutcome(t, sub)
	if got := cp.stub.callCount("ocn-day"); got != 1 {
		t.Errorf("In-state tick reached the API: %d calls", got)
	}
}
