// Package limits implements three-tier token-bucket admission control:
// one global bucket, one bucket per source address, one per user.
package limits

import (
	"math"
	"sync"
	"time"
)

// TierSpec is the template a tier stamps onto newly allocated buckets.
type TierSpec struct {
	Capacity   float64 // burst allowance
	RefillRate float64 // tokens per second sustained
}

// TokenBucket is a lazy-refill bucket. Invariant: 0 <= tokens <= capacity.
// Refill uses the monotonic clock carried by time.Time, so wall-clock jumps
// cannot mint or destroy tokens.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	lastSeen   time.Time // for idle eviction
}

// NewTokenBucket creates a full bucket from a tier template.
func NewTokenBucket(spec TierSpec) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     spec.Capacity,
		capacity:   spec.Capacity,
		refillRate: spec.RefillRate,
		lastRefill: now,
		lastSeen:   now,
	}
}

// refillLocked tops the bucket up for the elapsed interval. Caller holds mu.
func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
		b.lastRefill = now
	}
	b.lastSeen = now
}

// TryConsume takes one token if at least one is available. On failure it
// returns the retry-after hint in whole seconds: ceil((1-tokens)/rate).
func (b *TokenBucket) TryConsume() (ok bool, retryAfter int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, int64(math.Ceil((1 - b.tokens) / b.refillRate))
}

// Credit returns one token to the bucket, capped at capacity. Used to
// refund a consumed token when a later tier rejects the request.
func (b *TokenBucket) Credit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = math.Min(b.capacity, b.tokens+1)
}

// Tokens reports the current level after refill, for tests and snapshots.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

// IdleSince reports the last access time, for the eviction sweeper.
func (b *TokenBucket) IdleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen
}
