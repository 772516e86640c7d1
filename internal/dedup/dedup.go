// Package dedup suppresses duplicate deliveries of the same logical webhook
// event. The store is a process-local TTL map; the Store interface is the
// seam for a shared backend if the control plane is ever run multi-instance.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store admits each key at most once per TTL window.
type Store interface {
	// Admit reports whether this is the first admission of key within the
	// TTL. Concurrent calls with the same key yield exactly one true.
	Admit(key string) bool
}

// MemoryStore is the in-process Store. Expired entries are evicted lazily on
// re-admission of the same key and in bulk by the Run sweep.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

func (m *MemoryStore) Admit(key string) bool {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if firstSeen, ok := m.entries[key]; ok && now.Sub(firstSeen) < m.ttl {
		return false
	}
	m.entries[key] = now
	return true
}

// Run sweeps expired entries until ctx is cancelled. The sweep only bounds
// memory; correctness comes from the expiry check in Admit.
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := m.sweep(); evicted > 0 {
				log.Debug().Int("evicted", evicted).Msg("Dedup cache sweep")
			}
		}
	}
}

func (m *MemoryStore) sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, firstSeen := range m.entries {
		if now.Sub(firstSeen) >= m.ttl {
			delete(m.entries, key)
			evicted++
		}
	}
	return evicted
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
