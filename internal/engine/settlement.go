package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

// SettleRequest records the winning side of a market.
type SettleRequest struct {
	MarketID uint32
	Caller   domain.Address
	Outcome  domain.Outcome
}

// SettleResult carries the settled record.
type SettleResult struct {
	Market domain.Market
}

// SetWinningSide latches the market into Settled(outcome). Only the recorded
// authority may call it, and only once. Both outcome mints lose their mint
// authority in the same transaction, so no further outcome tokens can ever
// be issued.
func (e *Engine) SetWinningSide(ctx context.Context, req SettleRequest) (SettleResult, error) {
	unlock, err := e.lock(ctx, req.MarketID)
	if err != nil {
		return SettleResult{}, err
	}
	defer unlock()

	accts := e.deriver.Market(req.MarketID)
	var res SettleResult
	err = e.store.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		m, err := loadMarket(ctx, tx, accts, req.MarketID)
		if err != nil {
			return err
		}
		if req.Caller != m.Authority {
			return fmt.Errorf("engine: settle market %d: caller %s: %w", req.MarketID, req.Caller.Hex(), domain.ErrUnauthorized)
		}
		if m.IsSettled() {
			return fmt.Errorf("engine: settle market %d: %w", req.MarketID, domain.ErrMarketAlreadySettled)
		}
		if err := e.checkDeadline(m); err != nil {
			return err
		}
		resolution, err := domain.Settled(req.Outcome)
		if err != nil {
			return fmt.Errorf("engine: settle market %d: %w", req.MarketID, err)
		}

		for _, mint := range []domain.Address{accts.OutcomeA, accts.OutcomeB} {
			if err := tx.SetMintAuthority(ctx, mint, accts.Market, nil); err != nil {
				return fmt.Errorf("engine: settle: revoke mint authority %s: %w", mint.Hex(), err)
			}
		}

		m.Resolution = resolution
		m.UpdatedAt = e.now().UTC()
		m.Version++
		if err := tx.UpdateMarket(ctx, accts.Market, m); err != nil {
			return fmt.Errorf("engine: settle: update market %d: %w", req.MarketID, err)
		}
		res.Market = m
		return nil
	})
	if err != nil {
		return SettleResult{}, err
	}

	e.logger.InfoContext(ctx, "engine: market settled",
		slog.Uint64("market_id", uint64(req.MarketID)),
		slog.String("winner", req.Outcome.String()),
		slog.Uint64("total_locked", res.Market.TotalCollateralLocked),
	)
	e.emit(ctx, domain.MarketEvent{
		Kind:                  domain.EventMarketSettled,
		MarketID:              req.MarketID,
		Caller:                req.Caller,
		Outcome:               req.Outcome,
		TotalCollateralLocked: res.Market.TotalCollateralLocked,
	})
	return res, nil
}

// ClaimRequest redeems the caller's winning-side tokens.
type ClaimRequest struct {
	MarketID uint32
	Caller   domain.Address
}

// ClaimResult reports the collateral paid out. A zero payout is not an error.
type ClaimResult struct {
	Payout                uint64
	TotalCollateralLocked uint64
}

// Claim burns the caller's entire winning-outcome balance and pays the same
// amount of collateral out of the vault. Losing-side tokens are left in
// place. A caller with nothing to redeem gets a zero payout and no state
// changes.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	unlock, err := e.lock(ctx, req.MarketID)
	if err != nil {
		return ClaimResult{}, err
	}
	defer unlock()

	accts := e.deriver.Market(req.MarketID)
	var (
		res    ClaimResult
		winner domain.Outcome
	)
	err = e.store.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		m, err := loadMarket(ctx, tx, accts, req.MarketID)
		if err != nil {
			return err
		}
		w, ok := m.WinningOutcome()
		if !ok {
			return fmt.Errorf("engine: claim market %d: %w", req.MarketID, domain.ErrMarketNotSettled)
		}
		winner = w

		winningMint := accts.Mint(winner)
		userWinning := e.deriver.TokenAccount(req.Caller, winningMint)
		payout, err := tx.BalanceOf(ctx, userWinning)
		if err != nil {
			return fmt.Errorf("engine: claim: winning balance: %w", err)
		}
		res.TotalCollateralLocked = m.TotalCollateralLocked
		if payout == 0 {
			return nil
		}

		if err := tx.Burn(ctx, winningMint, userWinning, req.Caller, payout); err != nil {
			return fmt.Errorf("engine: claim: burn outcome %s: %w", winner, err)
		}
		if err := e.payout(ctx, tx, accts, m, req.Caller, payout); err != nil {
			return fmt.Errorf("engine: claim: %w", err)
		}

		total, err := checkedSub(m.TotalCollateralLocked, payout)
		if err != nil {
			return fmt.Errorf("engine: claim market %d: total locked: %w", req.MarketID, err)
		}
		m.TotalCollateralLocked = total
		m.UpdatedAt = e.now().UTC()
		m.Version++
		if err := tx.UpdateMarket(ctx, accts.Market, m); err != nil {
			return fmt.Errorf("engine: claim: update market %d: %w", req.MarketID, err)
		}
		res = ClaimResult{Payout: payout, TotalCollateralLocked: total}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}

	e.logger.InfoContext(ctx, "engine: claim",
		slog.Uint64("market_id", uint64(req.MarketID)),
		slog.String("caller", req.Caller.Hex()),
		slog.Uint64("payout", res.Payout),
	)
	if res.Payout == 0 {
		return res, nil
	}
	e.emit(ctx, domain.MarketEvent{
		Kind:                  domain.EventClaim,
		MarketID:              req.MarketID,
		Caller:                req.Caller,
		Amount:                res.Payout,
		Outcome:               winner,
		TotalCollateralLocked: res.TotalCollateralLocked,
	})
	return res, nil
}
