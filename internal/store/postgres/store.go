package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

const uniqueViolation = "23505"

// Store implements domain.Store. Each Atomic call is one database
// transaction; every row it reads is locked FOR UPDATE, so transactions over
// the same market, mint or account serialize.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Atomic runs fn in a read-write transaction and commits only if fn
// returns nil.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ptx pgx.Tx) error {
		return fn(ctx, &tx{q: ptx, lock: " FOR UPDATE"})
	})
}

// View runs fn in a read-only repeatable-read transaction.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return pgx.BeginTxFunc(ctx, s.pool, opts, func(ptx pgx.Tx) error {
		return fn(ctx, &tx{q: ptx})
	})
}

type tx struct {
	q    pgx.Tx
	lock string
}

func (t *tx) CreateMint(ctx context.Context, mint, authority domain.Address, decimals uint8) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO mints (address, authority, decimals) VALUES ($1, $2, $3)`,
		mint.Bytes(), authority.Bytes(), int16(decimals))
	if err != nil {
		return fmt.Errorf("postgres: create mint %s: %w", mint.Hex(), mapErr(err))
	}
	return nil
}

func (t *tx) CreateAccount(ctx context.Context, account, mint, owner domain.Address) error {
	if _, err := t.GetMint(ctx, mint); err != nil {
		return fmt.Errorf("postgres: create account %s: %w", account.Hex(), err)
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO token_accounts (address, mint, owner) VALUES ($1, $2, $3)`,
		account.Bytes(), mint.Bytes(), owner.Bytes())
	if err != nil {
		return fmt.Errorf("postgres: create account %s: %w", account.Hex(), mapErr(err))
	}
	return nil
}

func (t *tx) GetMint(ctx context.Context, mint domain.Address) (domain.Mint, error) {
	var (
		authority []byte
		decimals  int16
		supply    string
	)
	err := t.q.QueryRow(ctx,
		`SELECT authority, decimals, supply::TEXT FROM mints WHERE address = $1`+t.lock,
		mint.Bytes(),
	).Scan(&authority, &decimals, &supply)
	if err != nil {
		return domain.Mint{}, fmt.Errorf("postgres: get mint %s: %w", mint.Hex(), mapErr(err))
	}
	m := domain.Mint{Address: mint, Decimals: uint8(decimals)}
	if authority != nil {
		a := common.BytesToAddress(authority)
		m.Authority = &a
	}
	if m.Supply, err = parseAmount(supply); err != nil {
		return domain.Mint{}, fmt.Errorf("postgres: mint %s supply: %w", mint.Hex(), err)
	}
	return m, nil
}

func (t *tx) GetAccount(ctx context.Context, account domain.Address) (domain.TokenAccount, error) {
	var (
		mint, owner []byte
		balance     string
	)
	err := t.q.QueryRow(ctx,
		`SELECT mint, owner, balance::TEXT FROM token_accounts WHERE address = $1`+t.lock,
		account.Bytes(),
	).Scan(&mint, &owner, &balance)
	if err != nil {
		return domain.TokenAccount{}, fmt.Errorf("postgres: get account %s: %w", account.Hex(), mapErr(err))
	}
	a := domain.TokenAccount{
		Address: account,
		Mint:    common.BytesToAddress(mint),
		Owner:   common.BytesToAddress(owner),
	}
	if a.Balance, err = parseAmount(balance); err != nil {
		return domain.TokenAccount{}, fmt.Errorf("postgres: account %s balance: %w", account.Hex(), err)
	}
	return a, nil
}

func (t *tx) BalanceOf(ctx context.Context, account domain.Address) (uint64, error) {
	a, err := t.GetAccount(ctx, account)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

func (t *tx) MintTo(ctx context.Context, mint, to, authority domain.Address, amount uint64) error {
	m, err := t.GetMint(ctx, mint)
	if err != nil {
		return fmt.Errorf("postgres: mint to: %w", err)
	}
	if m.Authority == nil || *m.Authority != authority {
		return fmt.Errorf("postgres: mint to: mint %s: %w", mint.Hex(), domain.ErrUnauthorized)
	}
	acct, err := t.accountOf(ctx, to, mint)
	if err != nil {
		return fmt.Errorf("postgres: mint to: %w", err)
	}
	supply, err := checkedAdd(m.Supply, amount)
	if err != nil {
		return fmt.Errorf("postgres: mint to: supply of %s: %w", mint.Hex(), err)
	}
	balance, err := checkedAdd(acct.Balance, amount)
	if err != nil {
		return fmt.Errorf("postgres: mint to: balance of %s: %w", to.Hex(), err)
	}
	if err := t.setSupply(ctx, mint, supply); err != nil {
		return err
	}
	return t.setBalance(ctx, to, balance)
}

func (t *tx) Burn(ctx context.Context, mint, from, owner domain.Address, amount uint64) error {
	m, err := t.GetMint(ctx, mint)
	if err != nil {
		return fmt.Errorf("postgres: burn: %w", err)
	}
	acct, err := t.accountOf(ctx, from, mint)
	if err != nil {
		return fmt.Errorf("postgres: burn: %w", err)
	}
	if acct.Owner != owner {
		return fmt.Errorf("postgres: burn: account %s: %w", from.Hex(), domain.ErrUnauthorized)
	}
	if acct.Balance < amount {
		return fmt.Errorf("postgres: burn: account %s has %d, need %d: %w", from.Hex(), acct.Balance, amount, domain.ErrInsufficientBalance)
	}
	if m.Supply < amount {
		return fmt.Errorf("postgres: burn: supply of %s: %w", mint.Hex(), domain.ErrOverflow)
	}
	if err := t.setSupply(ctx, mint, m.Supply-amount); err != nil {
		return err
	}
	return t.setBalance(ctx, from, acct.Balance-amount)
}

func (t *tx) Transfer(ctx context.Context, from, to, owner domain.Address, amount uint64) error {
	src, err := t.GetAccount(ctx, from)
	if err != nil {
		return fmt.Errorf("postgres: transfer: %w", err)
	}
	if src.Owner != owner {
		return fmt.Errorf("postgres: transfer: account %s: %w", from.Hex(), domain.ErrUnauthorized)
	}
	dst, err := t.accountOf(ctx, to, src.Mint)
	if err != nil {
		return fmt.Errorf("postgres: transfer: %w", err)
	}
	if src.Balance < amount {
		return fmt.Errorf("postgres: transfer: account %s has %d, need %d: %w", from.Hex(), src.Balance, amount, domain.ErrInsufficientBalance)
	}
	if from == to {
		return nil
	}
	credited, err := checkedAdd(dst.Balance, amount)
	if err != nil {
		return fmt.Errorf("postgres: transfer: balance of %s: %w", to.Hex(), err)
	}
	if err := t.setBalance(ctx, from, src.Balance-amount); err != nil {
		return err
	}
	return t.setBalance(ctx, to, credited)
}

func (t *tx) SetMintAuthority(ctx context.Context, mint, current domain.Address, next *domain.Address) error {
	m, err := t.GetMint(ctx, mint)
	if err != nil {
		return fmt.Errorf("postgres: set authority: %w", err)
	}
	if m.Authority == nil || *m.Authority != current {
		return fmt.Errorf("postgres: set authority: mint %s: %w", mint.Hex(), domain.ErrUnauthorized)
	}
	var auth []byte
	if next != nil {
		auth = next.Bytes()
	}
	if _, err := t.q.Exec(ctx, `UPDATE mints SET authority = $2 WHERE address = $1`, mint.Bytes(), auth); err != nil {
		return fmt.Errorf("postgres: set authority %s: %w", mint.Hex(), err)
	}
	return nil
}

func (t *tx) GetMarket(ctx context.Context, addr domain.Address) (domain.Market, error) {
	var (
		m                         domain.Market
		marketID                  int64
		authority, collateralMint []byte
		deadline                  *time.Time
		winner                    int16
		total                     string
		version                   int64
	)
	err := t.q.QueryRow(ctx, `
		SELECT market_id, authority, collateral_mint, settlement_deadline,
		       winning_outcome, total_collateral_locked::TEXT, version, created_at, updated_at
		FROM markets WHERE address = $1`+t.lock,
		addr.Bytes(),
	).Scan(&marketID, &authority, &collateralMint, &deadline, &winner, &total, &version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", addr.Hex(), mapErr(err))
	}

	m.ID = uint32(marketID)
	m.Version = uint64(version)
	m.Authority = common.BytesToAddress(authority)
	m.CollateralMint = common.BytesToAddress(collateralMint)
	if deadline != nil {
		m.SettlementDeadline = deadline.UTC()
	}
	if winner != 0 {
		if m.Resolution, err = domain.Settled(domain.Outcome(winner)); err != nil {
			return domain.Market{}, fmt.Errorf("postgres: market %s: %w", addr.Hex(), err)
		}
	}
	if m.TotalCollateralLocked, err = parseAmount(total); err != nil {
		return domain.Market{}, fmt.Errorf("postgres: market %s total: %w", addr.Hex(), err)
	}
	return m, nil
}

func (t *tx) CreateMarket(ctx context.Context, addr domain.Address, m domain.Market) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO markets (
			address, market_id, authority, collateral_mint, settlement_deadline,
			winning_outcome, total_collateral_locked, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10)`,
		addr.Bytes(), int64(m.ID), m.Authority.Bytes(), m.CollateralMint.Bytes(), deadlineArg(m),
		winnerArg(m), formatAmount(m.TotalCollateralLocked), versionArg(m), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create market %d: %w", m.ID, mapErr(err))
	}
	return nil
}

func (t *tx) UpdateMarket(ctx context.Context, addr domain.Address, m domain.Market) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE markets SET
			authority               = $2,
			collateral_mint         = $3,
			settlement_deadline     = $4,
			winning_outcome         = $5,
			total_collateral_locked = $6::NUMERIC,
			version                 = $7,
			updated_at              = $8
		WHERE address = $1`,
		addr.Bytes(), m.Authority.Bytes(), m.CollateralMint.Bytes(), deadlineArg(m),
		winnerArg(m), formatAmount(m.TotalCollateralLocked), versionArg(m), m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %d: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update market %d: %w", m.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *tx) accountOf(ctx context.Context, account, mint domain.Address) (domain.TokenAccount, error) {
	a, err := t.GetAccount(ctx, account)
	if err != nil {
		return domain.TokenAccount{}, err
	}
	if a.Mint != mint {
		return domain.TokenAccount{}, fmt.Errorf("account %s holds %s, not %s: %w",
			account.Hex(), a.Mint.Hex(), mint.Hex(), domain.ErrMintMismatch)
	}
	return a, nil
}

func (t *tx) setSupply(ctx context.Context, mint domain.Address, v uint64) error {
	if _, err := t.q.Exec(ctx,
		`UPDATE mints SET supply = $2::NUMERIC WHERE address = $1`, mint.Bytes(), formatAmount(v),
	); err != nil {
		return fmt.Errorf("postgres: update supply of %s: %w", mint.Hex(), err)
	}
	return nil
}

func (t *tx) setBalance(ctx context.Context, account domain.Address, v uint64) error {
	if _, err := t.q.Exec(ctx,
		`UPDATE token_accounts SET balance = $2::NUMERIC WHERE address = $1`, account.Bytes(), formatAmount(v),
	); err != nil {
		return fmt.Errorf("postgres: update balance of %s: %w", account.Hex(), err)
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, domain.ErrAlreadyExists)
	}
	return err
}

func deadlineArg(m domain.Market) *time.Time {
	if m.SettlementDeadline.IsZero() {
		return nil
	}
	d := m.SettlementDeadline.UTC()
	return &d
}

// versionArg stores records written without a version as the first one.
func versionArg(m domain.Market) int64 {
	if m.Version == 0 {
		return 1
	}
	return int64(m.Version)
}

func winnerArg(m domain.Market) int16 {
	w, _ := m.WinningOutcome()
	return int16(w)
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, domain.ErrOverflow)
	}
	return v, nil
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, domain.ErrOverflow
	}
	return sum, nil
}
