// Package ratelimit provides per-actor token-bucket rate limiting for the
// portal. Deployments with Redis share buckets across instances; the
// in-memory store serves single-instance and test setups.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Policy defines a token-bucket limit.
type Policy struct {
	RPM   int
	Burst int
}

// Store abstracts the storage for rate limiting buckets.
type Store interface {
	// Allow checks if the actor may perform an action costing 'cost'.
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// TokenBucket implements a thread-safe token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func NewTokenBucket(ratePerSec float64, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) Allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens = tb.tokens + elapsed*tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// Check denies when the store rejects the actor. A nil store fails closed.
func Check(ctx context.Context, store Store, actorID string, policy Policy) error {
	if store == nil {
		return fmt.Errorf("ratelimit: no limiter store configured")
	}

	allowed, err := store.Allow(ctx, actorID, policy, 1)
	if err != nil {
		return fmt.Errorf("ratelimit: check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("ratelimit: rate limit exceeded for %s", actorID)
	}
	return nil
}

// InMemoryStore keeps buckets in process memory.
type InMemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		buckets: make(map[string]*TokenBucket),
	}
}

func (s *InMemoryStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, exists := s.buckets[actorID]
	if !exists {
		rate := float64(policy.RPM) / 60.0
		if rate <= 0 {
			rate = 1
		}
		tb = NewTokenBucket(rate, policy.Burst)
		s.buckets[actorID] = tb
	}

	return tb.Allow(cost), nil
}
