package ledger

import (
	"context"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

var (
	usdc      = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	issuer    = common.HexToAddress("0x0000000000000000000000000000000000001551")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	aliceUSDC = common.HexToAddress("0x00000000000000000000000000000000000aa001")
	bobUSDC   = common.HexToAddress("0x00000000000000000000000000000000000bb001")
)

func newFundedBook(t *testing.T) *Book {
	t.Helper()
	ctx := context.Background()
	b := NewBook()
	require.NoError(t, b.CreateMint(ctx, usdc, issuer, 6))
	require.NoError(t, b.CreateAccount(ctx, aliceUSDC, usdc, alice))
	require.NoError(t, b.CreateAccount(ctx, bobUSDC, usdc, bob))
	require.NoError(t, b.MintTo(ctx, usdc, aliceUSDC, issuer, 1_000))
	b.Commit()
	return b
}

func TestBook_MintIncreasesSupplyAndBalance(t *testing.T) {
	b := newFundedBook(t)
	ctx := context.Background()

	bal, err := b.BalanceOf(ctx, aliceUSDC)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), bal)

	supply, err := Supply(ctx, b, usdc)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), supply)
}

func TestBook_MintRequiresAuthority(t *testing.T) {
	b := newFundedBook(t)
	err := b.MintTo(context.Background(), usdc, aliceUSDC, alice, 1)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestBook_MintOverflow(t *testing.T) {
	b := newFundedBook(t)
	err := b.MintTo(context.Background(), usdc, bobUSDC, issuer, math.MaxUint64)
	assert.ErrorIs(t, err, domain.ErrOverflow)

	supply, _ := Supply(context.Background(), b, usdc)
	assert.Equal(t, uint64(1_000), supply, "failed mint must not change supply")
}

func TestBook_BurnInsufficientBalance(t *testing.T) {
	b := newFundedBook(t)
	err := b.Burn(context.Background(), usdc, aliceUSDC, alice, 1_001)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestBook_BurnRequiresOwner(t *testing.T) {
	b := newFundedBook(t)
	err := b.Burn(context.Background(), usdc, aliceUSDC, bob, 1)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestBook_Transfer(t *testing.T) {
	b := newFundedBook(t)
	ctx := context.Background()

	require.NoError(t, b.Transfer(ctx, aliceUSDC, bobUSDC, alice, 400))

	a, _ := b.BalanceOf(ctx, aliceUSDC)
	c, _ := b.BalanceOf(ctx, bobUSDC)
	assert.Equal(t, uint64(600), a)
	assert.Equal(t, uint64(400), c)

	err := b.Transfer(ctx, bobUSDC, aliceUSDC, bob, 401)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	err = b.Transfer(ctx, bobUSDC, aliceUSDC, alice, 1)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestBook_TransferMintMismatch(t *testing.T) {
	b := newFundedBook(t)
	ctx := context.Background()
	other := common.HexToAddress("0x0000000000000000000000000000000000000c02")
	otherAcct := common.HexToAddress("0x00000000000000000000000000000000000cc002")
	require.NoError(t, b.CreateMint(ctx, other, issuer, 6))
	require.NoError(t, b.CreateAccount(ctx, otherAcct, other, bob))

	err := b.Transfer(ctx, aliceUSDC, otherAcct, alice, 1)
	assert.ErrorIs(t, err, domain.ErrMintMismatch)
}

func TestBook_UnknownAccountBalanceIsZero(t *testing.T) {
	b := NewBook()
	bal, err := b.BalanceOf(context.Background(), alice)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestBook_RollbackRestoresState(t *testing.T) {
	b := newFundedBook(t)
	ctx := context.Background()

	b.Begin()
	require.NoError(t, b.Transfer(ctx, aliceUSDC, bobUSDC, alice, 250))
	require.NoError(t, b.MintTo(ctx, usdc, bobUSDC, issuer, 10))
	newAcct := common.HexToAddress("0x00000000000000000000000000000000000dd001")
	require.NoError(t, b.CreateAccount(ctx, newAcct, usdc, alice))
	require.NoError(t, b.SetMintAuthority(ctx, usdc, issuer, nil))
	b.Rollback()

	a, _ := b.BalanceOf(ctx, aliceUSDC)
	c, _ := b.BalanceOf(ctx, bobUSDC)
	assert.Equal(t, uint64(1_000), a)
	assert.Zero(t, c)

	_, err := b.GetAccount(ctx, newAcct)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	m, err := b.GetMint(ctx, usdc)
	require.NoError(t, err)
	require.NotNil(t, m.Authority)
	assert.Equal(t, issuer, *m.Authority)
	assert.Equal(t, uint64(1_000), m.Supply)
}

func TestBook_RevokedAuthorityCannotMint(t *testing.T) {
	b := newFundedBook(t)
	ctx := context.Background()

	require.NoError(t, b.SetMintAuthority(ctx, usdc, issuer, nil))
	err := b.MintTo(ctx, usdc, aliceUSDC, issuer, 1)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	err = b.SetMintAuthority(ctx, usdc, issuer, &issuer)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestEnsureAccount(t *testing.T) {
	b := newFundedBook(t)
	ctx := context.Background()
	acct := common.HexToAddress("0x00000000000000000000000000000000000ee001")

	require.NoError(t, EnsureAccount(ctx, b, acct, usdc, bob))
	require.NoError(t, EnsureAccount(ctx, b, acct, usdc, bob))
	assert.ErrorIs(t, EnsureAccount(ctx, b, acct, usdc, alice), domain.ErrUnauthorized)
}
