package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

// NonceStore implements domain.NonceStore with SET NX, so a key is claimed
// once across every process sharing the redis instance.
type NonceStore struct {
	rdb *redis.Client
}

// NewNonceStore creates a NonceStore backed by c.
func NewNonceStore(c *Client) *NonceStore {
	return &NonceStore{rdb: c.Underlying()}
}

func nonceKey(key string) string {
	return "nonce:" + key
}

// Claim reports false when key was claimed within the last ttl.
func (ns *NonceStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := ns.rdb.SetNX(ctx, nonceKey(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim nonce: %w", err)
	}
	return ok, nil
}

var _ domain.NonceStore = (*NonceStore)(nil)
