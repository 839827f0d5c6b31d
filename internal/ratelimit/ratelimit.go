package ratelimit

import (
	"sync"
	"time"
)

// RateLimiter caps conversion uploads per client using a token bucket that
// refills once per minute. The reference conversion server answers exhausted
// buckets with 429, which the orchestrator classifies as server overload.
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	maxPerMinute int
}

type bucket struct {
	tokens    int
	lastReset time.Time
}

// New creates a RateLimiter allowing maxPerMinute uploads per client.
func New(maxPerMinute int) *RateLimiter {
	return &RateLimiter{
		buckets:      make(map[string]*bucket),
		maxPerMinute: maxPerMinute,
	}
}

// Allow checks whether the client may submit another upload and consumes a
// token if so.
func (rl *RateLimiter) Allow(clientKey string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[clientKey]
	if !ok || now.Sub(b.lastReset) > time.Minute {
		b = &bucket{tokens: rl.maxPerMinute, lastReset: now}
		rl.buckets[clientKey] = b
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}
