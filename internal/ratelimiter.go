package internal

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// RateLimiter allows at most limit hits per key within a sliding window.
type RateLimiter struct {
	mu     sync.Mutex
	clock  quartz.Clock
	hits   map[string][]time.Time
	limit  int
	window time.Duration
}

func NewRateLimiter(clock quartz.Clock, limit int, window time.Duration) *RateLimiter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &RateLimiter{
		clock:  clock,
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	windowStart := now.Add(-r.window)
	slice := r.hits[key]
	idx := 0
	for _, ts := range slice {
		if ts.After(windowStart) {
			slice[idx] = ts
			idx++
		}
	}
	slice = slice[:idx]
	if len(slice) >= r.limit {
		r.hits[key] = slice
		return false
	}
	slice = append(slice, now)
	r.hits[key] = slice
	return true
}

// Forget drops the history of key, e.g. when a connection closes.
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hits, key)
}
