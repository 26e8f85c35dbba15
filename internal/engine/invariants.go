package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

// ErrInvariantViolated is returned by CheckInvariants when a market's ledger
// figures disagree with its record.
var ErrInvariantViolated = errors.New("conservation invariant violated")

// CheckInvariants verifies the conservation properties of marketID:
//
//   - the vault always holds exactly TotalCollateralLocked;
//   - while open, both outcome supplies equal TotalCollateralLocked;
//   - once settled, the winning supply equals TotalCollateralLocked.
//
// Losing-side tokens are never burned, so the losing supply is unconstrained
// after settlement.
func (e *Engine) CheckInvariants(ctx context.Context, marketID uint32) error {
	snap, err := e.Snapshot(ctx, marketID)
	if err != nil {
		return err
	}
	m := snap.Market
	total := m.TotalCollateralLocked

	if snap.VaultBalance != total {
		return fmt.Errorf("engine: market %d: vault %d != locked %d: %w", marketID, snap.VaultBalance, total, ErrInvariantViolated)
	}
	winner, settled := m.WinningOutcome()
	if !settled {
		if snap.OutcomeASupply != total || snap.OutcomeBSupply != total {
			return fmt.Errorf("engine: market %d: supplies A=%d B=%d != locked %d: %w",
				marketID, snap.OutcomeASupply, snap.OutcomeBSupply, total, ErrInvariantViolated)
		}
		return nil
	}
	winning := snap.OutcomeASupply
	if winner == domain.OutcomeB {
		winning = snap.OutcomeBSupply
	}
	if winning != total {
		return fmt.Errorf("engine: market %d: winning supply %d != locked %d: %w", marketID, winning, total, ErrInvariantViolated)
	}
	return nil
}
