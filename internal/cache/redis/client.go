// Package redis implements the engine's distributed lock, snapshot cache,
// event bus, replay nonce store and API rate limiter on go-redis/v9. Every
// adapter shares one Client and namespaces its keys by purpose.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client wraps a go-redis client shared by the lock manager, snapshot cache,
// signal bus, nonce store and rate limiter of one process.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection with PING before
// returning, so a misconfigured address fails at startup rather than on the
// first market operation. TLS 1.2 or later is used when TLSEnabled is set.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Ping checks the connection. It backs the "redis" health probe.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the connection pool. Adapters built on c must not be used
// afterwards.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client for the adapters in this package
// that issue commands directly.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
