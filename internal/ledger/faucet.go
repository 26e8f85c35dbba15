package ledger

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

// CreateCollateral registers a collateral mint whose supply issuer controls.
// It is a development aid; production collateral mints exist beforehand.
func CreateCollateral(ctx context.Context, s domain.Store, mint, issuer domain.Address, decimals uint8) error {
	return s.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.CreateMint(ctx, mint, issuer, decimals); err != nil {
			return fmt.Errorf("ledger: create collateral %s: %w", mint.Hex(), err)
		}
		return nil
	})
}

// Fund mints amount of mint into account, opening it for owner first when
// needed. issuer must be the mint authority.
func Fund(ctx context.Context, s domain.Store, mint, issuer, owner, account domain.Address, amount uint64) error {
	return s.Atomic(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := EnsureAccount(ctx, tx, account, mint, owner); err != nil {
			return fmt.Errorf("ledger: fund %s: %w", owner.Hex(), err)
		}
		if err := tx.MintTo(ctx, mint, account, issuer, amount); err != nil {
			return fmt.Errorf("ledger: fund %s: %w", owner.Hex(), err)
		}
		return nil
	})
}
