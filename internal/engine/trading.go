package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/condmarket/internal/domain"
	"github.com/alanyoungcy/condmarket/internal/ledger"
)

// SplitRequest locks Amount collateral from Caller.
type SplitRequest struct {
	MarketID uint32
	Caller   domain.Address
	Amount   uint64
}

// SplitResult reports the market total after the split.
type SplitResult struct {
	TotalCollateralLocked uint64
}

// Split moves Amount collateral from the caller into the vault and mints
// Amount of both outcome tokens to the caller.
func (e *Engine) Split(ctx context.Context, req SplitRequest) (SplitResult, error) {
	unlock, err := e.lock(ctx, req.MarketID)
	if err != nil {
		return SplitResult{}, err
	}
	defer unlock()

	accts := e.deriver.Market(req.MarketID)
	var res SplitResult
	err = e.store.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		m, err := loadMarket(ctx, tx, accts, req.MarketID)
		if err != nil {
			return err
		}
		if m.IsSettled() {
			return fmt.Errorf("engine: split market %d: %w", req.MarketID, domain.ErrMarketAlreadySettled)
		}
		if err := e.checkDeadline(m); err != nil {
			return err
		}
		if req.Amount == 0 {
			return fmt.Errorf("engine: split market %d: %w", req.MarketID, domain.ErrInvalidAmount)
		}

		userCollateral := e.deriver.TokenAccount(req.Caller, m.CollateralMint)
		userA := e.deriver.TokenAccount(req.Caller, accts.OutcomeA)
		userB := e.deriver.TokenAccount(req.Caller, accts.OutcomeB)
		for _, a := range []struct{ account, mint domain.Address }{
			{userCollateral, m.CollateralMint},
			{userA, accts.OutcomeA},
			{userB, accts.OutcomeB},
		} {
			if err := ledger.EnsureAccount(ctx, tx, a.account, a.mint, req.Caller); err != nil {
				return fmt.Errorf("engine: split: account %s: %w", a.account.Hex(), err)
			}
		}

		if err := tx.Transfer(ctx, userCollateral, accts.Vault, req.Caller, req.Amount); err != nil {
			return fmt.Errorf("engine: split: deposit collateral: %w", err)
		}
		if err := tx.MintTo(ctx, accts.OutcomeA, userA, accts.Market, req.Amount); err != nil {
			return fmt.Errorf("engine: split: mint outcome A: %w", err)
		}
		if err := tx.MintTo(ctx, accts.OutcomeB, userB, accts.Market, req.Amount); err != nil {
			return fmt.Errorf("engine: split: mint outcome B: %w", err)
		}

		total, err := checkedAdd(m.TotalCollateralLocked, req.Amount)
		if err != nil {
			return fmt.Errorf("engine: split market %d: total locked: %w", req.MarketID, err)
		}
		m.TotalCollateralLocked = total
		m.UpdatedAt = e.now().UTC()
		m.Version++
		if err := tx.UpdateMarket(ctx, accts.Market, m); err != nil {
			return fmt.Errorf("engine: split: update market %d: %w", req.MarketID, err)
		}
		res.TotalCollateralLocked = total
		return nil
	})
	if err != nil {
		return SplitResult{}, err
	}

	e.logger.InfoContext(ctx, "engine: split",
		slog.Uint64("market_id", uint64(req.MarketID)),
		slog.String("caller", req.Caller.Hex()),
		slog.Uint64("amount", req.Amount),
		slog.Uint64("total_locked", res.TotalCollateralLocked),
	)
	e.emit(ctx, domain.MarketEvent{
		Kind:                  domain.EventSplit,
		MarketID:              req.MarketID,
		Caller:                req.Caller,
		Amount:                req.Amount,
		TotalCollateralLocked: res.TotalCollateralLocked,
	})
	return res, nil
}

// MergeRequest burns every matched pair Caller holds.
type MergeRequest struct {
	MarketID uint32
	Caller   domain.Address
}

// MergeResult reports the redeemed pairs and the market total afterwards.
type MergeResult struct {
	Amount                uint64
	TotalCollateralLocked uint64
}

// Merge burns min(A, B) of the caller's outcome tokens and returns the same
// amount of collateral from the vault. The amount is read from the caller's
// balances inside the transaction; it is never supplied by the caller.
func (e *Engine) Merge(ctx context.Context, req MergeRequest) (MergeResult, error) {
	unlock, err := e.lock(ctx, req.MarketID)
	if err != nil {
		return MergeResult{}, err
	}
	defer unlock()

	accts := e.deriver.Market(req.MarketID)
	var res MergeResult
	err = e.store.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		m, err := loadMarket(ctx, tx, accts, req.MarketID)
		if err != nil {
			return err
		}
		if m.IsSettled() {
			return fmt.Errorf("engine: merge market %d: %w", req.MarketID, domain.ErrMarketAlreadySettled)
		}
		if err := e.checkDeadline(m); err != nil {
			return err
		}

		userA := e.deriver.TokenAccount(req.Caller, accts.OutcomeA)
		userB := e.deriver.TokenAccount(req.Caller, accts.OutcomeB)
		balA, err := tx.BalanceOf(ctx, userA)
		if err != nil {
			return fmt.Errorf("engine: merge: balance A: %w", err)
		}
		balB, err := tx.BalanceOf(ctx, userB)
		if err != nil {
			return fmt.Errorf("engine: merge: balance B: %w", err)
		}
		amount := min(balA, balB)
		if amount == 0 {
			return fmt.Errorf("engine: merge market %d: no matched pairs: %w", req.MarketID, domain.ErrInvalidAmount)
		}

		if err := tx.Burn(ctx, accts.OutcomeA, userA, req.Caller, amount); err != nil {
			return fmt.Errorf("engine: merge: burn outcome A: %w", err)
		}
		if err := tx.Burn(ctx, accts.OutcomeB, userB, req.Caller, amount); err != nil {
			return fmt.Errorf("engine: merge: burn outcome B: %w", err)
		}
		if err := e.payout(ctx, tx, accts, m, req.Caller, amount); err != nil {
			return fmt.Errorf("engine: merge: %w", err)
		}

		total, err := checkedSub(m.TotalCollateralLocked, amount)
		if err != nil {
			return fmt.Errorf("engine: merge market %d: total locked: %w", req.MarketID, err)
		}
		m.TotalCollateralLocked = total
		m.UpdatedAt = e.now().UTC()
		m.Version++
		if err := tx.UpdateMarket(ctx, accts.Market, m); err != nil {
			return fmt.Errorf("engine: merge: update market %d: %w", req.MarketID, err)
		}
		res = MergeResult{Amount: amount, TotalCollateralLocked: total}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}

	e.logger.InfoContext(ctx, "engine: merge",
		slog.Uint64("market_id", uint64(req.MarketID)),
		slog.String("caller", req.Caller.Hex()),
		slog.Uint64("amount", res.Amount),
		slog.Uint64("total_locked", res.TotalCollateralLocked),
	)
	e.emit(ctx, domain.MarketEvent{
		Kind:                  domain.EventMerge,
		MarketID:              req.MarketID,
		Caller:                req.Caller,
		Amount:                res.Amount,
		TotalCollateralLocked: res.TotalCollateralLocked,
	})
	return res, nil
}

// payout transfers amount collateral from the vault to the caller, opening
// the caller's collateral account if needed. The market address signs for
// the vault.
func (e *Engine) payout(ctx context.Context, tx domain.Tx, accts domain.MarketAccounts, m domain.Market, caller domain.Address, amount uint64) error {
	userCollateral := e.deriver.TokenAccount(caller, m.CollateralMint)
	if err := ledger.EnsureAccount(ctx, tx, userCollateral, m.CollateralMint, caller); err != nil {
		return fmt.Errorf("collateral account %s: %w", userCollateral.Hex(), err)
	}
	if err := tx.Transfer(ctx, accts.Vault, userCollateral, accts.Market, amount); err != nil {
		return fmt.Errorf("release collateral: %w", err)
	}
	return nil
}
