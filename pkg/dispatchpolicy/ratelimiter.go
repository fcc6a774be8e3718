package dispatchpolicy

import (
	"context"
	"sync"
	"time"
)

// InMemoryRateLimiter implements RateLimiter with a per-user sliding
// one-hour window kept in process memory. Suitable for a single-process
// deployment or as the degrade-to-memory path alongside a Redis-backed
// limiter; mirrors the in-memory fallback shape of pkg/cache.Cache.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	history map[string][]time.Time
}

// NewInMemoryRateLimiter builds a limiter with a one-hour sliding window.
func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		window:  time.Hour,
		history: make(map[string][]time.Time),
	}
}

// Allow prunes entries older than the window, reports whether userID is
// still under max, and if so records now as a new delivery.
func (l *InMemoryRateLimiter) Allow(_ context.Context, userID string, max int, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	entries := l.history[userID]
	kept := entries[:0]
	for _, t := range entries {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= max {
		l.history[userID] = kept
		return false, nil
	}

	l.history[userID] = append(kept, now)
	return true, nil
}
