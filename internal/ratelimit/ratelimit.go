// Package ratelimit throttles the admin API endpoints that fan work out to
// every shard.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque;
	// callers construct it (e.g. "broadcast:<ip>"). An error signals a limiter
	// malfunction and callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// RetryHinter is implemented by limiters that can estimate when a denied
// key will next be allowed.
type RetryHinter interface {
	RetryAfter(key string) time.Duration
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// New returns a MemoryLimiter for a positive rate and a NoopLimiter otherwise.
func New(rate float64, burst int) Limiter {
	if rate <= 0 || burst <= 0 {
		return NoopLimiter{}
	}
	return NewMemoryLimiter(rate, burst)
}
