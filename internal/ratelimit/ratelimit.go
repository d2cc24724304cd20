// Package ratelimit throttles inbound requests before they reach the agent
// pipeline. Each request can fan out into several model calls, so the limit
// protects the upstream provider quota as much as the service itself.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use. An error means the limiter
// itself failed; the middleware lets such requests through.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// RetryAfterer is implemented by limiters that can estimate when key will
// next be allowed.
type RetryAfterer interface {
	RetryAfter(key string) time.Duration
}

// NoopLimiter permits every request. Used when SENSEI_RATE_LIMIT_ENABLED=false.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoopLimiter) Close() error { return nil }
