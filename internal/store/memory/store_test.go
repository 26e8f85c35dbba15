package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

var (
	mint    = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	issuer  = common.HexToAddress("0x0000000000000000000000000000000000001551")
	owner   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	account = common.HexToAddress("0x00000000000000000000000000000000000aa001")
	mktAddr = common.HexToAddress("0x000000000000000000000000000000000000e001")
)

func TestAtomic_CommitsOnSuccess(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.CreateMint(ctx, mint, issuer, 6); err != nil {
			return err
		}
		if err := tx.CreateAccount(ctx, account, mint, owner); err != nil {
			return err
		}
		if err := tx.MintTo(ctx, mint, account, issuer, 50); err != nil {
			return err
		}
		return tx.CreateMarket(ctx, mktAddr, domain.Market{ID: 1, CollateralMint: mint})
	})
	require.NoError(t, err)

	err = s.View(ctx, func(ctx context.Context, tx domain.Tx) error {
		bal, err := tx.BalanceOf(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, uint64(50), bal)

		m, err := tx.GetMarket(ctx, mktAddr)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), m.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestAtomic_RollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.CreateMint(ctx, mint, issuer, 6); err != nil {
			return err
		}
		return tx.CreateAccount(ctx, account, mint, owner)
	}))

	err := s.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.MintTo(ctx, mint, account, issuer, 50); err != nil {
			return err
		}
		if err := tx.CreateMarket(ctx, mktAddr, domain.Market{ID: 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(ctx context.Context, tx domain.Tx) error {
		bal, _ := tx.BalanceOf(ctx, account)
		assert.Zero(t, bal)
		_, err := tx.GetMarket(ctx, mktAddr)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}))
}

func TestCreateMarket_Duplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	create := func(ctx context.Context, tx domain.Tx) error {
		return tx.CreateMarket(ctx, mktAddr, domain.Market{ID: 1})
	}
	require.NoError(t, s.Atomic(ctx, create))
	assert.ErrorIs(t, s.Atomic(ctx, create), domain.ErrAlreadyExists)
}

func TestView_IsReadOnly(t *testing.T) {
	s := New()
	err := s.View(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		return tx.CreateMint(ctx, mint, issuer, 6)
	})
	assert.ErrorIs(t, err, errReadOnly)
}

func TestAtomic_SerializesConcurrentWriters(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.CreateMint(ctx, mint, issuer, 6); err != nil {
			return err
		}
		return tx.CreateAccount(ctx, account, mint, owner)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
				return tx.MintTo(ctx, mint, account, issuer, 2)
			})
		}()
	}
	wg.Wait()

	require.NoError(t, s.View(ctx, func(ctx context.Context, tx domain.Tx) error {
		m, err := tx.GetMint(ctx, mint)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), m.Supply)
		return nil
	}))
}

func TestAtomic_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New().Atomic(ctx, func(context.Context, domain.Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
