package policy

import (
	"context"
	"sync"
	"time"
)

// LimiterStore tracks the last admitted call per key and admits a new
// call only when the minimum interval has elapsed. The stamp advances
// only on admission.
type LimiterStore interface {
	Admit(ctx context.Context, key string, minInterval time.Duration) (bool, error)
}

// MemoryLimiterStore is the in-process implementation. Timestamps come
// from a monotonic clock source so wall-clock jumps cannot open the gate
// early.
type MemoryLimiterStore struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewMemoryLimiterStore creates an empty in-memory limiter.
func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{
		last: make(map[string]time.Time),
		now:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryLimiterStore) WithClock(now func() time.Time) *MemoryLimiterStore {
	s.now = now
	return s
}

// Admit checks and, on success, advances the stamp in one critical
// section; two concurrent callers within the interval can never both
// succeed.
func (s *MemoryLimiterStore) Admit(_ context.Context, key string, minInterval time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last, ok := s.last[key]; ok && now.Sub(last) < minInterval {
		return false, nil
	}
	s.last[key] = now
	return true, nil
}
