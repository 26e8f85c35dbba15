package domain

import (
	"context"
	"time"
)

// MarketCache provides fast snapshot lookups for the read API. Set keeps
// whichever of the cached and the given snapshot has the higher
// Market.Version.
type MarketCache interface {
	Set(ctx context.Context, snap MarketSnapshot) error
	Get(ctx context.Context, marketID uint32) (MarketSnapshot, error)
	Invalidate(ctx context.Context, marketID uint32) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// NonceStore remembers single-use keys for a bounded time.
type NonceStore interface {
	// Claim records key for ttl and reports whether it was unseen.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// StreamGroups reads a stream through a consumer group: each entry is
// delivered to exactly one consumer of the group until it is acknowledged.
type StreamGroups interface {
	// EnsureGroup creates group positioned after startID unless it exists.
	EnsureGroup(ctx context.Context, stream, group, startID string) error
	// GroupRead returns up to count entries not yet delivered to the group.
	GroupRead(ctx context.Context, stream, group, consumer string, count int) ([]StreamMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}
