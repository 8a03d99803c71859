// Package ratelimit implements per-identity request admission over a fixed
// window. Buckets are sharded by a hash of the identity to reduce
// contention; each shard has its own lock. A background collector evicts
// buckets whose window has rolled past.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelgw/kestrel/internal/clock"
)

const shardCount = 16

// Policy holds one rate-limit policy.
type Policy struct {
	// Requests is the number of admissions per window.
	Requests int
	// Window is the fixed window duration.
	Window time.Duration
}

// Result is the admission decision for one request.
type Result struct {
	Allowed bool
	// Remaining admissions in the current window.
	Remaining int
	// RetryAfter is the time until the window resets; set when rejected.
	RetryAfter time.Duration
}

type bucket struct {
	count       int
	windowStart time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter enforces one Policy across many identities.
type Limiter struct {
	policy Policy
	shards [shardCount]*shard
	clock  clock.Clock
	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewLimiter creates a limiter for the given policy.
func NewLimiter(policy Policy, clk clock.Clock, logger *zap.Logger) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		policy: policy,
		clock:  clk,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// Allow consumes one admission for identity. The returned Result carries
// the Retry-After hint when the bucket is exhausted.
func (l *Limiter) Allow(identity string) Result {
	s := l.shardFor(identity)
	now := l.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b := l.freshBucket(s, identity, now)
	if b.count >= l.policy.Requests {
		return Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: l.policy.Window - now.Sub(b.windowStart),
		}
	}
	b.count++
	return Result{Allowed: true, Remaining: l.policy.Requests - b.count}
}

// Reserve checks admission without consuming. Used by the auth policy,
// which counts only failed attempts.
func (l *Limiter) Reserve(identity string) Result {
	s := l.shardFor(identity)
	now := l.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b := l.freshBucket(s, identity, now)
	if b.count >= l.policy.Requests {
		return Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: l.policy.Window - now.Sub(b.windowStart),
		}
	}
	return Result{Allowed: true, Remaining: l.policy.Requests - b.count}
}

// RecordFailure consumes one admission after the fact. Paired with Reserve
// for policies that count only failures.
func (l *Limiter) RecordFailure(identity string) {
	s := l.shardFor(identity)
	now := l.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b := l.freshBucket(s, identity, now)
	b.count++
}

// freshBucket returns the identity's bucket, resetting it when the window
// has rolled past. Caller holds the shard lock.
func (l *Limiter) freshBucket(s *shard, identity string, now time.Time) *bucket {
	b, ok := s.buckets[identity]
	if !ok {
		b = &bucket{windowStart: now}
		s.buckets[identity] = b
		return b
	}
	if now.Sub(b.windowStart) >= l.policy.Window {
		b.count = 0
		b.windowStart = now
	}
	return b
}

// StartGC launches the background collector evicting rolled-past buckets.
func (l *Limiter) StartGC() {
	go l.gc()
}

func (l *Limiter) gc() {
	ticker := l.clock.NewTicker(l.policy.Window)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C():
			l.collect()
		}
	}
}

func (l *Limiter) collect() {
	now := l.clock.Now()
	evicted := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for id, b := range s.buckets {
			if now.Sub(b.windowStart) >= l.policy.Window {
				delete(s.buckets, id)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		l.logger.Debug("rate buckets evicted", zap.Int("count", evicted))
	}
}

// Stop halts the background collector.
func (l *Limiter) Stop(context.Context) error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return nil
}

func (l *Limiter) shardFor(identity string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return l.shards[h.Sum32()%shardCount]
}
