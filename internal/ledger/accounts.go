package ledger

import (
	"context"
	"errors"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

// EnsureAccount opens account for (mint, owner) unless it already exists.
// An existing account bound to a different mint or owner is an error.
func EnsureAccount(ctx context.Context, l domain.Ledger, account, mint, owner domain.Address) error {
	existing, err := l.GetAccount(ctx, account)
	switch {
	case err == nil:
		if existing.Mint != mint {
			return domain.ErrMintMismatch
		}
		if existing.Owner != owner {
			return domain.ErrUnauthorized
		}
		return nil
	case errors.Is(err, domain.ErrNotFound):
		return l.CreateAccount(ctx, account, mint, owner)
	default:
		return err
	}
}

// Supply returns the outstanding supply of mint.
func Supply(ctx context.Context, l domain.Ledger, mint domain.Address) (uint64, error) {
	m, err := l.GetMint(ctx, mint)
	if err != nil {
		return 0, err
	}
	return m.Supply, nil
}
