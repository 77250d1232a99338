package adapters

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket refilled one token per refillRate.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewRateLimiter creates a new rate limiter starting with a full bucket.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Acquire takes a token, waiting for a refill if the bucket is empty.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill(time.Now())
		if rl.tokens > 0 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		wait := rl.refillRate - time.Since(rl.lastRefill)
		rl.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Available returns the tokens currently in the bucket.
func (rl *RateLimiter) Available() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill(time.Now())
	return rl.tokens
}

func (rl *RateLimiter) refill(now time.Time) {
	refills := int(now.Sub(rl.lastRefill) / rl.refillRate)
	if refills > 0 {
		rl.tokens = min(rl.maxTokens, rl.tokens+refills)
		rl.lastRefill = rl.lastRefill.Add(time.Duration(refills) * rl.refillRate)
	}
}
