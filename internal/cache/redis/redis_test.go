package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestLockManager_ExclusiveUntilReleased(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c, 0)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "market:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:market:1"))

	_, err = lm.Acquire(ctx, "market:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	other, err := lm.Acquire(ctx, "market:2", time.Minute)
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.False(t, mr.Exists("lock:market:1"))

	again, err := lm.Acquire(ctx, "market:1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLockManager_ReleaseKeepsForeignLock(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c, 0)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "market:1", time.Second)
	require.NoError(t, err)

	// The lease expires and someone else takes the lock.
	mr.FastForward(2 * time.Second)
	_, err = lm.Acquire(ctx, "market:1", time.Minute)
	require.NoError(t, err)

	unlock()
	assert.True(t, mr.Exists("lock:market:1"))
}

func TestLockManager_RetryGivesUpWithContext(t *testing.T) {
	c, _ := newTestClient(t)
	lm := NewLockManager(c, 5*time.Millisecond)

	_, err := lm.Acquire(context.Background(), "market:1", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = lm.Acquire(ctx, "market:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestMarketCache_SetGetInvalidate(t *testing.T) {
	c, mr := newTestClient(t)
	mc := NewMarketCache(c, time.Minute)
	ctx := context.Background()

	_, err := mc.Get(ctx, 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	settled, err := domain.Settled(domain.OutcomeB)
	require.NoError(t, err)
	snap := domain.MarketSnapshot{
		Market: domain.Market{
			ID:                    3,
			Authority:             common.HexToAddress("0xa0"),
			CollateralMint:        common.HexToAddress("0xc0"),
			Resolution:            settled,
			TotalCollateralLocked: 42,
			CreatedAt:             time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Accounts:       domain.MarketAccounts{Market: common.HexToAddress("0x01"), Vault: common.HexToAddress("0x02")},
		Decimals:       6,
		VaultBalance:   42,
		OutcomeASupply: 10,
		OutcomeBSupply: 42,
	}
	require.NoError(t, mc.Set(ctx, snap))
	assert.Equal(t, time.Minute, mr.TTL("market:snapshot:3"))

	got, err := mc.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, snap.Market.ID, got.Market.ID)
	assert.Equal(t, snap.Accounts, got.Accounts)
	assert.Equal(t, uint64(42), got.VaultBalance)
	winner, ok := got.Market.WinningOutcome()
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeB, winner)
	assert.True(t, snap.Market.CreatedAt.Equal(got.Market.CreatedAt))

	require.NoError(t, mc.Invalidate(ctx, 3))
	_, err = mc.Get(ctx, 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarketCache_KeepsNewerVersion(t *testing.T) {
	c, _ := newTestClient(t)
	mc := NewMarketCache(c, time.Minute)
	ctx := context.Background()

	snapAt := func(version, total uint64) domain.MarketSnapshot {
		return domain.MarketSnapshot{
			Market:       domain.Market{ID: 4, Version: version, TotalCollateralLocked: total},
			VaultBalance: total,
		}
	}

	require.NoError(t, mc.Set(ctx, snapAt(2, 500)))
	// A reader that loaded version 1 before the change finishes late.
	require.NoError(t, mc.Set(ctx, snapAt(1, 0)))

	got, err := mc.Get(ctx, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Market.Version)
	assert.EqualValues(t, 500, got.VaultBalance)

	require.NoError(t, mc.Set(ctx, snapAt(3, 200)))
	got, err = mc.Get(ctx, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 200, got.VaultBalance)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "ip:1", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "ip:1", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "ip:2", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	now = now.Add(1100 * time.Millisecond)
	ok, err = rl.Allow(ctx, "ip:1", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "window slid past old requests")
}

func TestSignalBus_Stream(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx := context.Background()

	msgs, err := bus.StreamRead(ctx, "s", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, bus.StreamAppend(ctx, "s", []byte("one")))
	require.NoError(t, bus.StreamAppend(ctx, "s", []byte("two")))

	msgs, err = bus.StreamRead(ctx, "s", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("one"), msgs[0].Payload)

	msgs, err = bus.StreamRead(ctx, "s", msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("two"), msgs[0].Payload)
}

func TestEventPublisher_StreamAndChannel(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	pub := NewEventPublisher(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, EventChannelPattern)
	require.NoError(t, err)

	ev := domain.MarketEvent{
		ID:                    uuid.New(),
		Kind:                  domain.EventSplit,
		MarketID:              9,
		Caller:                common.HexToAddress("0xa11ce"),
		Amount:                100,
		TotalCollateralLocked: 100,
		At:                    time.Now().UTC(),
	}
	require.NoError(t, pub.PublishEvent(ctx, ev))

	select {
	case payload := <-sub:
		var got domain.MarketEvent
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, domain.EventSplit, got.Kind)
		assert.Equal(t, ev.Caller, got.Caller)
	case <-time.After(2 * time.Second):
		t.Fatal("no event on channel")
	}

	msgs, err := bus.StreamRead(ctx, EventStream, "0", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, "ch:market:9", EventChannel(9))
}

func TestNonceStore_ClaimOnceUntilExpiry(t *testing.T) {
	c, mr := newTestClient(t)
	ns := NewNonceStore(c)
	ctx := context.Background()

	ok, err := ns.Claim(ctx, "0xabc:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ns.Claim(ctx, "0xabc:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim of the same key")

	ok, err = ns.Claim(ctx, "0xabc:2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	mr.FastForward(time.Minute + time.Second)
	ok, err = ns.Claim(ctx, "0xabc:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "key expired")
}

func TestSignalBus_GroupDeliversOnce(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx := context.Background()

	require.NoError(t, bus.StreamAppend(ctx, "g", []byte("old")))
	require.NoError(t, bus.EnsureGroup(ctx, "g", "workers", "$"))
	require.NoError(t, bus.EnsureGroup(ctx, "g", "workers", "0"), "existing group is kept")

	require.NoError(t, bus.StreamAppend(ctx, "g", []byte("one")))
	require.NoError(t, bus.StreamAppend(ctx, "g", []byte("two")))

	a, err := bus.GroupRead(ctx, "g", "workers", "a", 1)
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, []byte("one"), a[0].Payload)

	b, err := bus.GroupRead(ctx, "g", "workers", "b", 10)
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, []byte("two"), b[0].Payload)

	require.NoError(t, bus.Ack(ctx, "g", "workers", a[0].ID, b[0].ID))
	rest, err := bus.GroupRead(ctx, "g", "workers", "a", 10)
	require.NoError(t, err)
	assert.Empty(t, rest)
}
