package quota

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	count int64
	until time.Time
}

// MemoryCounterStore keeps window counters in process memory. Suitable for
// single-instance deployments without Redis, and for tests.
type MemoryCounterStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{buckets: make(map[string]*bucket), now: time.Now}
}

// SetNow overrides the clock. Tests only.
func (s *MemoryCounterStore) SetNow(now func() time.Time) {
	s.now = now
}

func (s *MemoryCounterStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || now.After(b.until) {
		b = &bucket{until: now.Add(ttl)}
		s.buckets[key] = b
	}
	b.count++
	return b.count, b.until.Sub(now), nil
}

var _ CounterStore = (*MemoryCounterStore)(nil)
