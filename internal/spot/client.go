// Package spot is the client for the Spot Ocean cluster-scaling API.
package spot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/swharr/storm-surge/internal/metrics"
	"github.com/swharr/storm-surge/internal/webhooks"
)

// DefaultBaseURL is the Spot Ocean Kubernetes API root.
const DefaultBaseURL = "https://api.spotinst.io/ocean/k8s"

// Options tune retry and circuit-breaker behavior. Zero values get defaults.
type Options struct {
	MaxAttempts      int           // total API calls per intent, default 5
	AttemptTimeout   time.Duration // per-call deadline, default 10s
	BaseDelay        time.Duration // first backoff step, default 1s
	MaxDelay         time.Duration // backoff cap, default 30s
	BreakerThreshold uint32        // consecutive failures before tripping, default 5
	BreakerCooldown  time.Duration // open-state duration, default 30s
}

func (o *Options) withDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.BreakerThreshold == 0 {
		o.BreakerThreshold = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
}

// Client calls the scaling API with bounded retries and a circuit breaker.
// Timeouts and 5xx responses are transient and retried with exponential
// backoff plus jitter; 4xx responses are permanent and fail immediately.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	opts    Options
	now     func() time.Time
}

func NewClient(baseURL, token string, opts Options) *Client {
	opts.withDefaults()
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "spot-ocean",
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.Set(breakerGaugeValue(to))
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
		},
	})

	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: opts.AttemptTimeout},
		breaker: breaker,
		opts:    opts,
		now:     time.Now,
	}
}

// BreakerState reports the breaker for the health endpoint.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func breakerGaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("scaling API returned %d: %s", e.status, e.body)
}

// transient classifies an attempt error. Remote 5xx, timeouts and transport
// failures may succeed on retry; anything else is permanent.
func transient(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// url.Error wraps transport-level failures (refused, reset, DNS) and
	// implements net.Error.
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// Apply runs an intent's full retry sequence and returns a terminal outcome.
// The caller (per-cluster serializer) guarantees only one Apply per cluster
// is in flight.
func (c *Client) Apply(ctx context.Context, intent webhooks.ScalingIntent) webhooks.ScalingOutcome {
	outcome := webhooks.ScalingOutcome{
		IntentID:  intent.IntentID,
		ClusterID: intent.ClusterID,
		Action:    intent.Action,
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		_, err := c.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, c.doAttempt(ctx, intent)
		})
		if err == nil {
			metrics.ScalingAPIAttempts.WithLabelValues("success").Inc()
			outcome.Status = webhooks.StatusSucceeded
			outcome.AttemptCount = attempt
			outcome.CompletedAt = c.now()
			return outcome
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ScalingAPIAttempts.WithLabelValues("circuit_open").Inc()
			outcome.Status = webhooks.StatusFailed
			outcome.AttemptCount = attempt - 1
			outcome.LastError = "circuit open: scaling API short-circuited"
			outcome.CompletedAt = c.now()
			return outcome
		}

		if !transient(err) {
			metrics.ScalingAPIAttempts.WithLabelValues("permanent").Inc()
			outcome.Status = webhooks.StatusFailed
			outcome.AttemptCount = attempt
			outcome.LastError = err.Error()
			outcome.CompletedAt = c.now()
			return outcome
		}

		metrics.ScalingAPIAttempts.WithLabelValues("transient").Inc()
		lastErr = err
		log.Warn().
			Err(err).
			Str("cluster", intent.ClusterID).
			Str("status", string(webhooks.StatusRetrying)).
			Int("attempt", attempt).
			Msg("Transient scaling API error")

		if attempt == c.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			outcome.Status = webhooks.StatusFailed
			outcome.AttemptCount = attempt
			outcome.LastError = fmt.Sprintf("aborted during backoff: %v", ctx.Err())
			outcome.CompletedAt = c.now()
			return outcome
		case <-time.After(c.backoff(attempt)):
		}
	}

	outcome.Status = webhooks.StatusFailed
	outcome.AttemptCount = c.opts.MaxAttempts
	outcome.LastError = lastErr.Error()
	outcome.CompletedAt = c.now()
	return outcome
}

// backoff is exponential with full jitter, capped at MaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.opts.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if d > c.opts.MaxDelay {
		d = c.opts.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}

func (c *Client) doAttempt(ctx context.Context, intent webhooks.ScalingIntent) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	var body any
	switch intent.Action {
	case webhooks.ActionEnableAutoscaling, webhooks.ActionDisableAutoscaling:
		body = map[string]any{
			"cluster": map[string]any{
				"autoScaler": map[string]any{
					"isEnabled": intent.Action == webhooks.ActionEnableAutoscaling,
				},
			},
		}
	case webhooks.ActionSetBounds:
		body = map[string]any{
			"cluster": map[string]any{
				"capacity": map[string]any{
					"minimum": intent.Min,
					"maximum": intent.Max,
				},
			},
		}
	default:
		return &apiError{status: http.StatusBadRequest, body: fmt.Sprintf("unsupported action %s", intent.Action)}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/cluster/%s", c.baseURL, intent.ClusterID), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &apiError{status: resp.StatusCode, body: string(bytes.TrimSpace(msg))}
}

// GetCluster fetches the live cluster document, used by the status endpoint's
// live view. Reads bypass the retry loop but still count against the breaker.
func (c *Client) GetCluster(ctx context.Context, clusterID string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	var raw json.RawMessage
	_, err := c.breaker.Execute(func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/cluster/%s", c.baseURL, clusterID), nil)
		if err != nil {
			return struct{}{}, err
		}
		c.setHeaders(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return struct{}{}, &apiError{status: resp.StatusCode, body: string(bytes.TrimSpace(msg))}
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return struct{}{}, err
		}
		raw = data
		return struct{}{}, nil
	})
	return raw, err
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
}
