package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/condmarket/internal/domain"
	"github.com/alanyoungcy/condmarket/internal/ledger"
)

// InitializeRequest creates a market.
type InitializeRequest struct {
	MarketID           uint32
	Authority          domain.Address
	CollateralMint     domain.Address
	SettlementDeadline time.Time
}

// InitializeResult reports the new record and its derived accounts.
type InitializeResult struct {
	Market   domain.Market
	Accounts domain.MarketAccounts
}

// Initialize creates the market record, its collateral vault and both outcome
// mints at their derived addresses. The vault and mints are controlled by the
// market address itself, never by the calling authority.
func (e *Engine) Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error) {
	if req.Authority == (domain.Address{}) {
		return InitializeResult{}, fmt.Errorf("engine: initialize market %d: empty authority: %w", req.MarketID, domain.ErrUnauthorized)
	}
	now := e.now().UTC()
	if e.enforceDeadline && !req.SettlementDeadline.After(now) {
		return InitializeResult{}, fmt.Errorf("engine: initialize market %d: %w", req.MarketID, domain.ErrInvalidSettlementDeadline)
	}

	unlock, err := e.lock(ctx, req.MarketID)
	if err != nil {
		return InitializeResult{}, err
	}
	defer unlock()

	accts := e.deriver.Market(req.MarketID)
	market := domain.Market{
		ID:                 req.MarketID,
		Authority:          req.Authority,
		CollateralMint:     req.CollateralMint,
		SettlementDeadline: req.SettlementDeadline.UTC(),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = e.store.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.GetMarket(ctx, accts.Market); err == nil {
			return fmt.Errorf("engine: market %d: %w", req.MarketID, domain.ErrAlreadyInitialized)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("engine: load market %d: %w", req.MarketID, err)
		}

		collateral, err := tx.GetMint(ctx, req.CollateralMint)
		if err != nil {
			return fmt.Errorf("engine: collateral mint %s: %w", req.CollateralMint.Hex(), err)
		}

		if err := tx.CreateMarket(ctx, accts.Market, market); err != nil {
			// A concurrent initialize can commit between the read above and
			// this insert when nothing serializes the two.
			if errors.Is(err, domain.ErrAlreadyExists) {
				return fmt.Errorf("engine: market %d: %w", req.MarketID, domain.ErrAlreadyInitialized)
			}
			return fmt.Errorf("engine: create market %d: %w", req.MarketID, err)
		}
		if err := tx.CreateAccount(ctx, accts.Vault, req.CollateralMint, accts.Market); err != nil {
			return fmt.Errorf("engine: create vault: %w", err)
		}
		if err := tx.CreateMint(ctx, accts.OutcomeA, accts.Market, collateral.Decimals); err != nil {
			return fmt.Errorf("engine: create outcome A mint: %w", err)
		}
		if err := tx.CreateMint(ctx, accts.OutcomeB, accts.Market, collateral.Decimals); err != nil {
			return fmt.Errorf("engine: create outcome B mint: %w", err)
		}
		return nil
	})
	if err != nil {
		return InitializeResult{}, err
	}

	e.logger.InfoContext(ctx, "engine: market initialized",
		slog.Uint64("market_id", uint64(req.MarketID)),
		slog.String("market", accts.Market.Hex()),
		slog.String("authority", req.Authority.Hex()),
		slog.String("collateral_mint", req.CollateralMint.Hex()),
	)
	e.emit(ctx, domain.MarketEvent{
		Kind:     domain.EventMarketInitialized,
		MarketID: req.MarketID,
		Caller:   req.Authority,
	})

	return InitializeResult{Market: market, Accounts: accts}, nil
}

// Market returns the current record of marketID.
func (e *Engine) Market(ctx context.Context, marketID uint32) (domain.Market, error) {
	accts := e.deriver.Market(marketID)
	var m domain.Market
	err := e.store.View(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		m, err = loadMarket(ctx, tx, accts, marketID)
		return err
	})
	return m, err
}

// Snapshot reads the market record, vault balance and outcome supplies in
// one consistent view.
func (e *Engine) Snapshot(ctx context.Context, marketID uint32) (domain.MarketSnapshot, error) {
	accts := e.deriver.Market(marketID)
	snap := domain.MarketSnapshot{Accounts: accts}
	err := e.store.View(ctx, func(ctx context.Context, tx domain.Tx) error {
		m, err := loadMarket(ctx, tx, accts, marketID)
		if err != nil {
			return err
		}
		snap.Market = m

		if snap.VaultBalance, err = tx.BalanceOf(ctx, accts.Vault); err != nil {
			return fmt.Errorf("engine: vault balance: %w", err)
		}
		mintA, err := tx.GetMint(ctx, accts.OutcomeA)
		if err != nil {
			return fmt.Errorf("engine: outcome A mint: %w", err)
		}
		if snap.OutcomeBSupply, err = ledger.Supply(ctx, tx, accts.OutcomeB); err != nil {
			return fmt.Errorf("engine: outcome B mint: %w", err)
		}
		snap.OutcomeASupply = mintA.Supply
		snap.Decimals = mintA.Decimals
		return nil
	})
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	return snap, nil
}

// Position returns owner's collateral and outcome balances for marketID.
func (e *Engine) Position(ctx context.Context, marketID uint32, owner domain.Address) (domain.Position, error) {
	accts := e.deriver.Market(marketID)
	pos := domain.Position{MarketID: marketID, Owner: owner}
	err := e.store.View(ctx, func(ctx context.Context, tx domain.Tx) error {
		m, err := loadMarket(ctx, tx, accts, marketID)
		if err != nil {
			return err
		}
		if pos.Collateral, err = tx.BalanceOf(ctx, e.deriver.TokenAccount(owner, m.CollateralMint)); err != nil {
			return err
		}
		if pos.OutcomeA, err = tx.BalanceOf(ctx, e.deriver.TokenAccount(owner, accts.OutcomeA)); err != nil {
			return err
		}
		pos.OutcomeB, err = tx.BalanceOf(ctx, e.deriver.TokenAccount(owner, accts.OutcomeB))
		return err
	})
	if err != nil {
		return domain.Position{}, err
	}
	return pos, nil
}
