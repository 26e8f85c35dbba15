package domain

import "context"

// Mint describes a fungible asset. A nil Authority means minting has been
// permanently disabled.
type Mint struct {
	Address   Address
	Authority *Address
	Decimals  uint8
	Supply    uint64
}

// TokenAccount holds a balance of a single mint for a single owner.
type TokenAccount struct {
	Address Address
	Mint    Address
	Owner   Address
	Balance uint64
}

// Ledger is the fungible-token primitive the settlement engine drives. Every
// call is authoritative: balances and supplies are only ever changed here.
type Ledger interface {
	CreateMint(ctx context.Context, mint, authority Address, decimals uint8) error
	CreateAccount(ctx context.Context, account, mint, owner Address) error
	GetMint(ctx context.Context, mint Address) (Mint, error)
	GetAccount(ctx context.Context, account Address) (TokenAccount, error)

	// MintTo increases the balance of to and the supply of mint by amount.
	MintTo(ctx context.Context, mint, to, authority Address, amount uint64) error
	// Burn decreases the balance of from and the supply of mint by amount.
	Burn(ctx context.Context, mint, from, owner Address, amount uint64) error
	// Transfer moves amount between two accounts of the same mint.
	Transfer(ctx context.Context, from, to, owner Address, amount uint64) error
	// BalanceOf returns 0 for accounts that do not exist.
	BalanceOf(ctx context.Context, account Address) (uint64, error)
	SetMintAuthority(ctx context.Context, mint, current Address, next *Address) error
}

// MarketRecords is the keyed storage of Market records.
type MarketRecords interface {
	GetMarket(ctx context.Context, addr Address) (Market, error)
	CreateMarket(ctx context.Context, addr Address, m Market) error
	UpdateMarket(ctx context.Context, addr Address, m Market) error
}

// Tx is one indivisible unit of work over market records and the ledger.
type Tx interface {
	Ledger
	MarketRecords
}

// Store runs transactions. Atomic commits every effect of fn or none of them;
// transactions touching the same market never interleave.
type Store interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
