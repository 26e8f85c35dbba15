// Package ledger implements the fungible-token primitive the settlement
// engine depends on: mints, token accounts, and the mint, burn and transfer
// operations over them.
package ledger

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

// Book is an in-memory ledger. It is not safe for concurrent use; callers
// serialize access (see store/memory). Every mutation is journaled so a
// failed unit of work can be undone with Rollback.
type Book struct {
	mints    map[domain.Address]*domain.Mint
	accounts map[domain.Address]*domain.TokenAccount
	journal  []func()
}

// NewBook returns an empty ledger.
func NewBook() *Book {
	return &Book{
		mints:    make(map[domain.Address]*domain.Mint),
		accounts: make(map[domain.Address]*domain.TokenAccount),
	}
}

// Begin discards any journal left from a previous unit of work.
func (b *Book) Begin() {
	b.journal = b.journal[:0]
}

// Commit makes every mutation since Begin permanent.
func (b *Book) Commit() {
	b.journal = b.journal[:0]
}

// Rollback undoes every mutation since Begin, newest first.
func (b *Book) Rollback() {
	for i := len(b.journal) - 1; i >= 0; i-- {
		b.journal[i]()
	}
	b.journal = b.journal[:0]
}

func (b *Book) record(undo func()) {
	b.journal = append(b.journal, undo)
}

// CreateMint registers a new asset with zero supply.
func (b *Book) CreateMint(_ context.Context, mint, authority domain.Address, decimals uint8) error {
	if _, ok := b.mints[mint]; ok {
		return fmt.Errorf("ledger: create mint %s: %w", mint.Hex(), domain.ErrAlreadyExists)
	}
	auth := authority
	b.mints[mint] = &domain.Mint{Address: mint, Authority: &auth, Decimals: decimals}
	b.record(func() { delete(b.mints, mint) })
	return nil
}

// CreateAccount opens a zero-balance account of mint held by owner.
func (b *Book) CreateAccount(_ context.Context, account, mint, owner domain.Address) error {
	if _, ok := b.mints[mint]; !ok {
		return fmt.Errorf("ledger: create account %s: mint %s: %w", account.Hex(), mint.Hex(), domain.ErrNotFound)
	}
	if _, ok := b.accounts[account]; ok {
		return fmt.Errorf("ledger: create account %s: %w", account.Hex(), domain.ErrAlreadyExists)
	}
	b.accounts[account] = &domain.TokenAccount{Address: account, Mint: mint, Owner: owner}
	b.record(func() { delete(b.accounts, account) })
	return nil
}

// GetMint returns a copy of the mint.
func (b *Book) GetMint(_ context.Context, mint domain.Address) (domain.Mint, error) {
	m, ok := b.mints[mint]
	if !ok {
		return domain.Mint{}, fmt.Errorf("ledger: mint %s: %w", mint.Hex(), domain.ErrNotFound)
	}
	out := *m
	if m.Authority != nil {
		auth := *m.Authority
		out.Authority = &auth
	}
	return out, nil
}

// GetAccount returns a copy of the account.
func (b *Book) GetAccount(_ context.Context, account domain.Address) (domain.TokenAccount, error) {
	a, ok := b.accounts[account]
	if !ok {
		return domain.TokenAccount{}, fmt.Errorf("ledger: account %s: %w", account.Hex(), domain.ErrNotFound)
	}
	return *a, nil
}

// BalanceOf returns the balance of account, or 0 if it does not exist.
func (b *Book) BalanceOf(_ context.Context, account domain.Address) (uint64, error) {
	if a, ok := b.accounts[account]; ok {
		return a.Balance, nil
	}
	return 0, nil
}

// MintTo credits amount of mint to the account to. authority must be the
// mint's current authority.
func (b *Book) MintTo(_ context.Context, mint, to, authority domain.Address, amount uint64) error {
	m, ok := b.mints[mint]
	if !ok {
		return fmt.Errorf("ledger: mint to: mint %s: %w", mint.Hex(), domain.ErrNotFound)
	}
	if m.Authority == nil || *m.Authority != authority {
		return fmt.Errorf("ledger: mint to: mint %s: %w", mint.Hex(), domain.ErrUnauthorized)
	}
	acct, err := b.accountOf(to, mint)
	if err != nil {
		return fmt.Errorf("ledger: mint to: %w", err)
	}
	supply, err := checkedAdd(m.Supply, amount)
	if err != nil {
		return fmt.Errorf("ledger: mint to: supply of %s: %w", mint.Hex(), err)
	}
	balance, err := checkedAdd(acct.Balance, amount)
	if err != nil {
		return fmt.Errorf("ledger: mint to: balance of %s: %w", to.Hex(), err)
	}
	b.setSupply(m, supply)
	b.setBalance(acct, balance)
	return nil
}

// Burn destroys amount of mint held in from. owner must own from.
func (b *Book) Burn(_ context.Context, mint, from, owner domain.Address, amount uint64) error {
	m, ok := b.mints[mint]
	if !ok {
		return fmt.Errorf("ledger: burn: mint %s: %w", mint.Hex(), domain.ErrNotFound)
	}
	acct, err := b.accountOf(from, mint)
	if err != nil {
		return fmt.Errorf("ledger: burn: %w", err)
	}
	if acct.Owner != owner {
		return fmt.Errorf("ledger: burn: account %s: %w", from.Hex(), domain.ErrUnauthorized)
	}
	if acct.Balance < amount {
		return fmt.Errorf("ledger: burn %d from %s (balance %d): %w", amount, from.Hex(), acct.Balance, domain.ErrInsufficientBalance)
	}
	if m.Supply < amount {
		return fmt.Errorf("ledger: burn: supply of %s: %w", mint.Hex(), domain.ErrOverflow)
	}
	b.setSupply(m, m.Supply-amount)
	b.setBalance(acct, acct.Balance-amount)
	return nil
}

// Transfer moves amount from one account to another of the same mint.
func (b *Book) Transfer(_ context.Context, from, to, owner domain.Address, amount uint64) error {
	src, ok := b.accounts[from]
	if !ok {
		return fmt.Errorf("ledger: transfer: account %s: %w", from.Hex(), domain.ErrNotFound)
	}
	dst, ok := b.accounts[to]
	if !ok {
		return fmt.Errorf("ledger: transfer: account %s: %w", to.Hex(), domain.ErrNotFound)
	}
	if src.Mint != dst.Mint {
		return fmt.Errorf("ledger: transfer %s -> %s: %w", from.Hex(), to.Hex(), domain.ErrMintMismatch)
	}
	if src.Owner != owner {
		return fmt.Errorf("ledger: transfer: account %s: %w", from.Hex(), domain.ErrUnauthorized)
	}
	if src.Balance < amount {
		return fmt.Errorf("ledger: transfer %d from %s (balance %d): %w", amount, from.Hex(), src.Balance, domain.ErrInsufficientBalance)
	}
	if from == to {
		return nil
	}
	credited, err := checkedAdd(dst.Balance, amount)
	if err != nil {
		return fmt.Errorf("ledger: transfer: balance of %s: %w", to.Hex(), err)
	}
	b.setBalance(src, src.Balance-amount)
	b.setBalance(dst, credited)
	return nil
}

// SetMintAuthority replaces the mint authority. A nil next disables minting
// permanently.
func (b *Book) SetMintAuthority(_ context.Context, mint, current domain.Address, next *domain.Address) error {
	m, ok := b.mints[mint]
	if !ok {
		return fmt.Errorf("ledger: set authority: mint %s: %w", mint.Hex(), domain.ErrNotFound)
	}
	if m.Authority == nil || *m.Authority != current {
		return fmt.Errorf("ledger: set authority: mint %s: %w", mint.Hex(), domain.ErrUnauthorized)
	}
	prev := m.Authority
	if next == nil {
		m.Authority = nil
	} else {
		auth := *next
		m.Authority = &auth
	}
	b.record(func() { m.Authority = prev })
	return nil
}

func (b *Book) accountOf(account, mint domain.Address) (*domain.TokenAccount, error) {
	a, ok := b.accounts[account]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", account.Hex(), domain.ErrNotFound)
	}
	if a.Mint != mint {
		return nil, fmt.Errorf("account %s holds %s, not %s: %w", account.Hex(), a.Mint.Hex(), mint.Hex(), domain.ErrMintMismatch)
	}
	return a, nil
}

func (b *Book) setSupply(m *domain.Mint, v uint64) {
	prev := m.Supply
	m.Supply = v
	b.record(func() { m.Supply = prev })
}

func (b *Book) setBalance(a *domain.TokenAccount, v uint64) {
	prev := a.Balance
	a.Balance = v
	b.record(func() { a.Balance = prev })
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, domain.ErrOverflow
	}
	return sum, nil
}

var _ domain.Ledger = (*Book)(nil)
