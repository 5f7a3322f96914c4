package domain

import (
	"context"
	"time"
)

// PolicyCache caches merged guardrail policies per zone so the validator does
// not hit the database on every request.
type PolicyCache interface {
	Set(ctx context.Context, zoneID string, p Policy) error
	Get(ctx context.Context, zoneID string) (Policy, error)
	Invalidate(ctx context.Context, zoneID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub and durable streams for experiment lifecycle
// events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}
