package auth

import (
	"sync"
	"time"
)

/*
RateLimiter is a token bucket guarding inbound message rates, used
per-WebSocket-connection. Capacity equals the configured rate so a client
can burst at most one second's worth of traffic, and refill is proportional
to elapsed time for sub-second precision.
*/
type RateLimiter struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	capacity float64
	tokens   float64
	last     time.Time

	now func() time.Time
}

// NewRateLimiter allows rate messages per second. Non-positive rates are
// rejected at construction rather than silently disabling the limit.
func NewRateLimiter(rate float64) *RateLimiter {
	if rate <= 0 {
		panic("rate must be positive")
	}

	return &RateLimiter{
		rate:     rate,
		capacity: rate,
		tokens:   rate, // start full
		now:      time.Now,
	}
}

// Allow consumes one token if available, reporting whether the message may
// proceed.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if rl.last.IsZero() {
		rl.last = now
	}

	elapsed := now.Sub(rl.last).Seconds()
	rl.last = now

	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.capacity {
		rl.tokens = rl.capacity
	}

	if rl.tokens < 1.0 {
		return false
	}

	rl.tokens--
	return true
}

// WaitTime reports how long until the next token becomes available.
func (rl *RateLimiter) WaitTime() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.tokens >= 1.0 {
		return 0
	}
	needed := (1.0 - rl.tokens) / rl.rate
	return time.Duration(needed * float64(time.Second))
}

// Reset refills the bucket to capacity.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = rl.capacity
	rl.last = rl.now()
}
