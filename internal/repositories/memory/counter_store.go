// Package memory holds single-process storage implementations. Counters and
// histories live only as long as the process, so they are not shared between
// instances behind a load balancer.
package memory

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	count   int
	resetAt time.Time
}

// CounterStore is a mutex-guarded fixed-window counter map
type CounterStore struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// NewCounterStore creates an empty CounterStore
func NewCounterStore() *CounterStore {
	return &CounterStore{counters: make(map[string]*counter)}
}

// Increment counts one hit. An absent or expired counter starts a new window at now.
func (s *CounterStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return 0, time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{resetAt: now.Add(window)}
		s.counters[key] = c
	}
	c.count++

	return c.count, c.resetAt, nil
}

// Reset removes the counter for key
func (s *CounterStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}

// Sweep evicts counters whose window has ended and returns how many were removed
func (s *CounterStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, c := range s.counters {
		if !now.Before(c.resetAt) {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live counters
func (s *CounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}
