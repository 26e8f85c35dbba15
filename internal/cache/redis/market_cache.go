package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

const defaultSnapshotTTL = 30 * time.Second

// setIfNewerLua writes the snapshot unless the cached one carries a higher
// market version. KEYS[1] = hash, ARGV = version, data, ttl in ms.
const setIfNewerLua = `
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
    return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'version', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`

// MarketCache implements domain.MarketCache. Each snapshot lives in a hash
// under market:snapshot:{id} with the JSON document in field "data" and the
// market version it was read at in field "version".
type MarketCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	setLua *redis.Script
}

// NewMarketCache creates a MarketCache. A non-positive ttl uses 30s.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &MarketCache{rdb: c.Underlying(), ttl: ttl, setLua: redis.NewScript(setIfNewerLua)}
}

func snapshotKey(marketID uint32) string {
	return "market:snapshot:" + strconv.FormatUint(uint64(marketID), 10)
}

// Set stores snap until the TTL expires. A snapshot older than the cached
// one is dropped, so a slow reader cannot overwrite a later write.
func (mc *MarketCache) Set(ctx context.Context, snap domain.MarketSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %d: %w", snap.Market.ID, err)
	}
	err = mc.setLua.Run(ctx, mc.rdb, []string{snapshotKey(snap.Market.ID)},
		strconv.FormatUint(snap.Market.Version, 10), data, mc.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set snapshot %d: %w", snap.Market.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a cache miss.
func (mc *MarketCache) Get(ctx context.Context, marketID uint32) (domain.MarketSnapshot, error) {
	data, err := mc.rdb.HGet(ctx, snapshotKey(marketID), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketSnapshot{}, domain.ErrNotFound
		}
		return domain.MarketSnapshot{}, fmt.Errorf("redis: get snapshot %d: %w", marketID, err)
	}
	var snap domain.MarketSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("redis: unmarshal snapshot %d: %w", marketID, err)
	}
	return snap, nil
}

// Invalidate drops the cached snapshot of marketID.
func (mc *MarketCache) Invalidate(ctx context.Context, marketID uint32) error {
	if err := mc.rdb.Del(ctx, snapshotKey(marketID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate snapshot %d: %w", marketID, err)
	}
	return nil
}

var _ domain.MarketCache = (*MarketCache)(nil)
