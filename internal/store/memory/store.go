// Package memory implements domain.Store in process memory. Transactions are
// serialized by a single mutex and rolled back from the ledger journal when
// the unit of work fails.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alanyoungcy/condmarket/internal/domain"
	"github.com/alanyoungcy/condmarket/internal/ledger"
)

// Store keeps market records and the token ledger in memory.
type Store struct {
	mu      sync.RWMutex
	book    *ledger.Book
	markets map[domain.Address]domain.Market
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		book:    ledger.NewBook(),
		markets: make(map[domain.Address]domain.Market),
	}
}

// Atomic runs fn with exclusive access. Every change fn makes is kept only
// if fn returns nil.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.book.Begin()
	t := &tx{Book: s.book, store: s, staged: make(map[domain.Address]domain.Market)}
	if err := fn(ctx, t); err != nil {
		s.book.Rollback()
		return err
	}
	for addr, m := range t.staged {
		s.markets[addr] = m
	}
	s.book.Commit()
	return nil
}

// View runs fn with shared access. fn must not mutate through tx.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(ctx, &readTx{tx{Book: s.book, store: s}})
}

// tx stages market record writes until commit; ledger writes go straight to
// the book and are undone from its journal on failure.
type tx struct {
	*ledger.Book
	store  *Store
	staged map[domain.Address]domain.Market
}

func (t *tx) GetMarket(_ context.Context, addr domain.Address) (domain.Market, error) {
	if m, ok := t.staged[addr]; ok {
		return m, nil
	}
	m, ok := t.store.markets[addr]
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: market %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return m, nil
}

func (t *tx) CreateMarket(ctx context.Context, addr domain.Address, m domain.Market) error {
	if _, err := t.GetMarket(ctx, addr); err == nil {
		return fmt.Errorf("memory: create market %s: %w", addr.Hex(), domain.ErrAlreadyExists)
	}
	t.staged[addr] = m
	return nil
}

func (t *tx) UpdateMarket(ctx context.Context, addr domain.Address, m domain.Market) error {
	if _, err := t.GetMarket(ctx, addr); err != nil {
		return err
	}
	t.staged[addr] = m
	return nil
}

// readTx rejects every mutation so a View cannot corrupt shared state.
type readTx struct {
	tx
}

var errReadOnly = errors.New("memory: read-only transaction")

func (readTx) CreateMint(context.Context, domain.Address, domain.Address, uint8) error {
	return errReadOnly
}

func (readTx) CreateAccount(context.Context, domain.Address, domain.Address, domain.Address) error {
	return errReadOnly
}

func (readTx) MintTo(context.Context, domain.Address, domain.Address, domain.Address, uint64) error {
	return errReadOnly
}

func (readTx) Burn(context.Context, domain.Address, domain.Address, domain.Address, uint64) error {
	return errReadOnly
}

func (readTx) Transfer(context.Context, domain.Address, domain.Address, domain.Address, uint64) error {
	return errReadOnly
}

func (readTx) SetMintAuthority(context.Context, domain.Address, domain.Address, *domain.Address) error {
	return errReadOnly
}

func (readTx) CreateMarket(context.Context, domain.Address, domain.Market) error {
	return errReadOnly
}

func (readTx) UpdateMarket(context.Context, domain.Address, domain.Market) error {
	return errReadOnly
}

var _ domain.Store = (*Store)(nil)
