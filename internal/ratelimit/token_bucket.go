// Package ratelimit provides the per-connection signaling message rate limit.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so limits are deterministic under test.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// One token is represented as 1e9 nano-tokens, so a rate of X tokens/sec adds
// X nano-tokens per elapsed nanosecond. Fixed point avoids float drift.
const nanoTokensPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) up to a fixed capacity.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityNano int64
	fillRate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	capacityNano := tokensToNano(capacityTokens)
	return &TokenBucket{
		clock:        clock,
		capacityNano: capacityNano,
		fillRate:     fillRate,
		available:    capacityNano,
		last:         clock.Now(),
	}
}

// Allow consumes the provided number of tokens if available. tokens <= 0
// always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokensToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; don't refill, just move the reference point.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.fillRate <= 0 || b.capacityNano <= 0 || b.available >= b.capacityNano {
		return
	}

	// fillRate tokens/sec equals fillRate nano-tokens per nanosecond. Clamp to
	// capacity before multiplying so elapsed*fillRate cannot overflow.
	need := b.capacityNano - b.available
	if elapsed >= need/b.fillRate {
		b.available = b.capacityNano
		return
	}
	b.available += elapsed * b.fillRate
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
