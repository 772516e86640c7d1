// Package broadcast fans scaling outcomes out to connected dashboard
// sessions. Delivery is best-effort: a slow or disconnected subscriber
// misses events and catches up via the cluster status endpoint.
package broadcast

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/swharr/storm-surge/internal/metrics"
	"github.com/swharr/storm-surge/internal/webhooks"
)

const subscriberBuffer = 16

// Hub is the publish-subscribe fanout point.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription is one connected listener's outcome stream.
type Subscription struct {
	ch  chan webhooks.ScalingOutcome
	hub *Hub
}

// C is the receive side of the stream.
func (s *Subscription) C() <-chan webhooks.ScalingOutcome { return s.ch }

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	if _, ok := s.hub.subs[s]; ok {
		delete(s.hub.subs, s)
		close(s.ch)
		metrics.Subscribers.Dec()
	}
	s.hub.mu.Unlock()
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan webhooks.ScalingOutcome, subscriberBuffer), hub: h}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	metrics.Subscribers.Inc()
	return sub
}

// Publish delivers an outcome to every current subscriber without blocking.
// A subscriber whose buffer is full simply misses this outcome.
func (h *Hub) Publish(outcome webhooks.ScalingOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- outcome:
		default:
			log.Debug().Str("cluster", outcome.ClusterID).Msg("Dropping outcome for slow subscriber")
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
