package pairing

import (
	"sync"
	"time"
)

// RateLimiter provides per-client pairing attempt rate limiting, so a
// misbehaving or hostile client cannot hammer the handshake endpoint.
type RateLimiter struct {
	maxAttempts int
	window      time.Duration
	mu          sync.Mutex
	attempts    map[string][]time.Time
	lastCleanup time.Time
}

const cleanupInterval = 5 * time.Minute

// NewRateLimiter creates a rate limiter with the given max attempts per window.
func NewRateLimiter(maxAttempts int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		attempts:    make(map[string][]time.Time),
		lastCleanup: time.Now(),
	}
}

// Allow checks whether clientID may start another pairing attempt. If
// allowed, it records the attempt.
func (r *RateLimiter) Allow(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	if now.Sub(r.lastCleanup) > cleanupInterval {
		for id, times := range r.attempts {
			allExpired := true
			for _, t := range times {
				if t.After(cutoff) {
					allExpired = false
					break
				}
			}
			if allExpired {
				delete(r.attempts, id)
			}
		}
		r.lastCleanup = now
	}

	existing := r.attempts[clientID]
	pruned := make([]time.Time, 0, len(existing))
	for _, t := range existing {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= r.maxAttempts {
		r.attempts[clientID] = pruned
		return false
	}

	r.attempts[clientID] = append(pruned, now)
	return true
}

// Reset clears all rate limit state (for testing).
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = make(map[string][]time.Time)
}
