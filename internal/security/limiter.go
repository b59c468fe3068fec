// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

// Package security implements the admission-control primitives that gate
// both inbound instructions and agent-issued tool calls: a per-identity
// token-bucket rate limiter and a filesystem sandbox validator.
package security

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// Class configures one rate-limit action class.
type Class struct {
	Capacity     float64
	RefillPerSec float64
}

type bucketKey struct {
	identity string
	class    string
}

// bucket tracks remaining tokens for one (identity, class) pair. Tokens
// accrue lazily at admit time; no background timer runs per bucket.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// Limiter is a token-bucket admission controller. Buckets are created
// lazily on first use; buckets for different identities never contend.
type Limiter struct {
	classes map[string]Class

	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	now func() time.Time
}

// LimiterOption is a functional option for NewLimiter.
type LimiterOption func(*Limiter)

// WithClock overrides the limiter's time source. Intended for tests.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a Limiter with the given action classes.
func NewLimiter(classes map[string]Class, opts ...LimiterOption) *Limiter {
	copied := make(map[string]Class, len(classes))
	for name, c := range classes {
		copied[name] = c
	}

	l := &Limiter{
		classes: copied,
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAdmit consumes cost tokens from the (identity, class) bucket. It
// returns nil when admitted, or a throttled error carrying a retry-after
// hint when the bucket cannot cover the cost. Unknown classes are a
// programming error and are rejected.
func (l *Limiter) TryAdmit(identity, class string, cost float64) error {
	cls, ok := l.classes[class]
	if !ok {
		return tetherr.Errorf(tetherr.CodeGatewayInvalidInput, "unknown rate-limit class %q", class)
	}
	if cost <= 0 {
		return tetherr.Errorf(tetherr.CodeGatewayInvalidInput, "rate-limit cost must be positive, got %g", cost)
	}

	b := l.bucketFor(identity, class, cls)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(cls.Capacity, b.tokens+elapsed*cls.RefillPerSec)
	}
	b.lastRefill = now
	b.lastSeen = now

	if b.tokens < cost {
		retryAfter := time.Duration((cost - b.tokens) / cls.RefillPerSec * float64(time.Second))
		return tetherr.New(tetherr.CodeRateLimitThrottled, "rate limited",
			tetherr.FieldIdentity(identity),
			tetherr.Field("class", class),
			tetherr.FieldRetryAfter(retryAfter))
	}

	b.tokens -= cost
	return nil
}

// Remaining reports the tokens currently available for (identity, class)
// without consuming any. A bucket that does not exist yet reports the full
// class capacity.
func (l *Limiter) Remaining(identity, class string) float64 {
	cls, ok := l.classes[class]
	if !ok {
		return 0
	}

	l.mu.Lock()
	b, exists := l.buckets[bucketKey{identity: identity, class: class}]
	l.mu.Unlock()
	if !exists {
		return cls.Capacity
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := l.now().Sub(b.lastRefill).Seconds()
	return math.Min(cls.Capacity, b.tokens+elapsed*cls.RefillPerSec)
}

// Prune removes buckets not touched within stale, bounding memory for
// identities that stopped calling. Returns the number of buckets removed.
func (l *Limiter) Prune(stale time.Duration) int {
	cutoff := l.now().Add(-stale)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		lastSeen := b.lastSeen
		b.mu.Unlock()
		if lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// StartJanitor prunes stale buckets on the given interval until ctx is
// cancelled.
func (l *Limiter) StartJanitor(ctx context.Context, interval, stale time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := l.Prune(stale); removed > 0 {
					slog.Debug("pruned stale rate-limit buckets", "removed", removed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *Limiter) bucketFor(identity, class string, cls Class) *bucket {
	key := bucketKey{identity: identity, class: class}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		now := l.now()
		b = &bucket{tokens: cls.Capacity, lastRefill: now, lastSeen: now}
		l.buckets[key] = b
	}
	return b
}
