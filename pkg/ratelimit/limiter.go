// Package ratelimit throttles requests with in-memory token buckets keyed
// by client IP, signed-in subject and endpoint.
package ratelimit

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock func() time.Time

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        Clock
}

// NewTokenBucket creates a full bucket holding capacity tokens and gaining
// refillRate tokens per second.
func NewTokenBucket(capacity int, refillRate float64, now Clock) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = min(float64(tb.capacity), tb.tokens+elapsed*tb.refillRate)
		tb.lastRefill = now
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// RetryAfter is how long until the next token is available.
func (tb *TokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= 1 || tb.refillRate <= 0 {
		return 0
	}
	return time.Duration((1 - tb.tokens) / tb.refillRate * float64(time.Second))
}

// Tokens returns the number of available tokens.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// Reset refills the bucket.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens = float64(tb.capacity)
	tb.lastRefill = tb.now()
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastRefill
}

// RateLimiter keeps one bucket per key.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	capacity   int
	refillRate float64
	ttl        time.Duration
	now        Clock
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewRateLimiter creates a limiter. Buckets idle for longer than ttl are
// dropped by a background sweep until Stop is called; a zero ttl keeps
// them forever.
func NewRateLimiter(capacity int, refillRate float64, ttl time.Duration, now Clock) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	rl := &RateLimiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		ttl:        ttl,
		now:        now,
		stop:       make(chan struct{}),
	}
	if ttl > 0 {
		go rl.sweepEvery(ttl)
	}
	return rl
}

func (rl *RateLimiter) bucket(key string) *TokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = NewTokenBucket(rl.capacity, rl.refillRate, rl.now)
		rl.buckets[key] = b
	}
	return b
}

// Allow takes a token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.bucket(key).Allow()
}

// RetryAfter reports how long key must wait for its next token.
func (rl *RateLimiter) RetryAfter(key string) time.Duration {
	return rl.bucket(key).RetryAfter()
}

// Reset refills key's bucket.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	rl.mu.Unlock()
	if ok {
		b.Reset()
	}
}

// Sweep drops buckets idle for longer than the ttl.
func (rl *RateLimiter) Sweep() {
	if rl.ttl <= 0 {
		return
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.Sub(b.idleSince()) > rl.ttl {
			delete(rl.buckets, key)
		}
	}
}

func (rl *RateLimiter) sweepEvery(d time.Duration) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Sweep()
		case <-rl.stop:
			return
		}
	}
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Stats describes a limiter.
type Stats struct {
	ActiveBuckets int     `json:"activeBuckets"`
	Capacity      int     `json:"capacity"`
	RefillRate    float64 `json:"refillRate"`
}

// GetStats returns current statistics.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return Stats{ActiveBuckets: len(rl.buckets), Capacity: rl.capacity, RefillRate: rl.refillRate}
}
