// Package ratelimit caps the rate of outbound signaling emissions so a
// misbehaving caller (or a renegotiation storm) cannot flood the relay.
package ratelimit

import (
	"sync"
	"time"

	"github.com/duocall/duocall/internal/clock"
)

// One token is 1e9 nano-tokens; a rate of X tokens/sec therefore adds X
// nano-tokens per elapsed nanosecond. Fixed point avoids float drift under
// the fake clock's exact advances.
const nanosPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// Bucket is a token bucket refilled at an integer rate (tokens/sec) from an
// injected clock.
type Bucket struct {
	clk clock.Clock

	mu        sync.Mutex
	capacity  int64 // tokens
	rate      int64 // tokens/sec
	available int64 // nano-tokens
	last      time.Time
}

// NewBucket returns a full bucket with the given capacity and refill rate.
// Non-positive capacity or rate yields a bucket that never refills (Allow
// still succeeds for non-positive costs).
func NewBucket(clk clock.Clock, capacity, rate int64) *Bucket {
	if clk == nil {
		clk = clock.New()
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &Bucket{
		clk:       clk,
		capacity:  capacity,
		rate:      rate,
		available: toNano(capacity),
		last:      clk.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *Bucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *Bucket) refillLocked() {
	now := b.clk.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}
	cap := toNano(b.capacity)
	if b.available >= cap {
		b.available = cap
		return
	}
	// Clamp before multiplying so elapsed*rate cannot overflow.
	if need := cap - b.available; elapsed >= need/b.rate {
		b.available = cap
		return
	}
	b.available += elapsed * b.rate
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanosPerToken {
		return maxInt64
	}
	return tokens * nanosPerToken
}
