package chatrelay

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a sliding-window admission gate shared across all socket
// creation attempts. It never admits more than maxRequests events inside any
// rolling window.
type RateLimiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	retryDelay  time.Duration
	stamps      []time.Time
	now         func() time.Time
}

// NewRateLimiter creates a limiter admitting at most maxRequests events per
// rolling window. Denied callers wait retryDelay before trying again.
func NewRateLimiter(maxRequests int, window, retryDelay time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		retryDelay:  retryDelay,
		now:         time.Now,
	}
}

// Admit purges timestamps older than the window, then admits the caller if
// the window has room, recording the admission. Returns false when the
// window is full.
func (r *RateLimiter) Admit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	kept := r.stamps[:0]
	for _, ts := range r.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.stamps = kept

	if len(r.stamps) >= r.maxRequests {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}

// Wait blocks until admission succeeds, sleeping a fixed delay between
// attempts rather than computing the exact remaining window. Slightly
// pessimistic, but simple.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if r.Admit() {
			return nil
		}
		timer := time.NewTimer(r.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
