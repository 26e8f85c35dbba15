package postgres

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condmarket/internal/address"
	"github.com/alanyoungcy/condmarket/internal/domain"
	"github.com/alanyoungcy/condmarket/internal/engine"
	"github.com/alanyoungcy/condmarket/internal/ledger"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/cm?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "cm", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestParseAmount(t *testing.T) {
	v, err := parseAmount("18446744073709551615")
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<64-1), v)

	_, err = parseAmount("18446744073709551616")
	assert.ErrorIs(t, err, domain.ErrOverflow)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("CONDMARKET_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONDMARKET_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	_, err = c.RunMigrations(ctx)
	require.NoError(t, err)
	return c
}

func randomAddress() common.Address {
	var a common.Address
	for i := range a {
		a[i] = byte(rand.IntN(256))
	}
	return a
}

func TestStore_RollbackOnError(t *testing.T) {
	c := newTestClient(t)
	s := c.Store()
	ctx := context.Background()
	mint, issuer := randomAddress(), randomAddress()

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		require.NoError(t, tx.CreateMint(ctx, mint, issuer, 6))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.View(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.GetMint(ctx, mint)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_LedgerRules(t *testing.T) {
	c := newTestClient(t)
	s := c.Store()
	ctx := context.Background()
	mint, issuer, owner, acct := randomAddress(), randomAddress(), randomAddress(), randomAddress()

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.CreateMint(ctx, mint, issuer, 6); err != nil {
			return err
		}
		if err := tx.CreateAccount(ctx, acct, mint, owner); err != nil {
			return err
		}
		return tx.MintTo(ctx, mint, acct, issuer, 1<<64-1)
	}))

	err := s.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.MintTo(ctx, mint, acct, issuer, 1)
	})
	assert.ErrorIs(t, err, domain.ErrOverflow)

	err = s.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.CreateMint(ctx, mint, issuer, 6)
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	err = s.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Burn(ctx, mint, acct, issuer, 1)
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestStore_EngineEndToEnd(t *testing.T) {
	c := newTestClient(t)
	s := c.Store()
	ctx := context.Background()

	deriver := address.New(randomAddress())
	usdc, issuer, authority, user := randomAddress(), randomAddress(), randomAddress(), randomAddress()
	userUSDC := deriver.TokenAccount(user, usdc)
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.CreateMint(ctx, usdc, issuer, 6); err != nil {
			return err
		}
		if err := ledger.EnsureAccount(ctx, tx, userUSDC, usdc, user); err != nil {
			return err
		}
		return tx.MintTo(ctx, usdc, userUSDC, issuer, 200_000)
	}))

	eng := engine.New(s, deriver, engine.WithAudit(c.Audit()))
	id := rand.Uint32()
	_, err := eng.Initialize(ctx, engine.InitializeRequest{MarketID: id, Authority: authority, CollateralMint: usdc})
	require.NoError(t, err)

	_, err = eng.Split(ctx, engine.SplitRequest{MarketID: id, Caller: user, Amount: 200_000})
	require.NoError(t, err)
	require.NoError(t, eng.CheckInvariants(ctx, id))

	_, err = eng.SetWinningSide(ctx, engine.SettleRequest{MarketID: id, Caller: authority, Outcome: domain.OutcomeA})
	require.NoError(t, err)

	res, err := eng.Claim(ctx, engine.ClaimRequest{MarketID: id, Caller: user})
	require.NoError(t, err)
	assert.Equal(t, uint64(200_000), res.Payout)

	again, err := eng.Claim(ctx, engine.ClaimRequest{MarketID: id, Caller: user})
	require.NoError(t, err)
	assert.Zero(t, again.Payout)

	pos, err := eng.Position(ctx, id, user)
	require.NoError(t, err)
	assert.Equal(t, domain.Position{MarketID: id, Owner: user, Collateral: 200_000, OutcomeB: 200_000}, pos)
	require.NoError(t, eng.CheckInvariants(ctx, id))

	m, err := eng.Market(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 4, m.Version, "initialize, split, settle and one paying claim")

	entries, err := c.Audit().List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(domain.EventClaim), entries[0].Event)
}
