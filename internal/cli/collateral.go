package cli

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/condmarket/internal/address"
	"github.com/alanyoungcy/condmarket/internal/app"
	"github.com/alanyoungcy/condmarket/internal/config"
	"github.com/alanyoungcy/condmarket/internal/crypto"
	"github.com/alanyoungcy/condmarket/internal/domain"
	"github.com/alanyoungcy/condmarket/internal/ledger"
)

// NewCollateralCommand creates the collateral command group. It is a
// development faucet: the operator key is the mint authority.
func NewCollateralCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collateral",
		Short: "Create and fund development collateral mints",
	}
	cmd.AddCommand(newCollateralCreateCommand(rootOpts))
	cmd.AddCommand(newCollateralFundCommand(rootOpts))
	return cmd
}

func newCollateralCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		mint     string
		decimals uint8
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a collateral mint controlled by the operator key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mintAddr, err := hexArg("mint", mint)
			if err != nil {
				return err
			}
			return withFaucet(cmd.Context(), rootOpts, func(ctx context.Context, f faucet) error {
				if err := ledger.CreateCollateral(ctx, f.store, mintAddr, f.operator, decimals); err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), rootOpts.Format,
					map[string]any{"mint": mintAddr, "authority": f.operator, "decimals": decimals},
					[]field{{"mint", mintAddr.Hex()}, {"authority", f.operator.Hex()}, {"decimals", decimals}},
				)
			})
		},
	}
	cmd.Flags().StringVar(&mint, "mint", "", "collateral mint address")
	cmd.Flags().Uint8Var(&decimals, "decimals", 6, "mint decimals")
	_ = cmd.MarkFlagRequired("mint")
	return cmd
}

func newCollateralFundCommand(rootOpts *RootOptions) *cobra.Command {
	var mint, owner, amount string
	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Mint collateral to an owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mintAddr, err := hexArg("mint", mint)
			if err != nil {
				return err
			}
			ownerAddr, err := hexArg("owner", owner)
			if err != nil {
				return err
			}
			return withFaucet(cmd.Context(), rootOpts, func(ctx context.Context, f faucet) error {
				var decimals uint8
				err := f.store.View(ctx, func(ctx context.Context, tx domain.Tx) error {
					m, err := tx.GetMint(ctx, mintAddr)
					decimals = m.Decimals
					return err
				})
				if err != nil {
					return fmt.Errorf("collateral mint %s: %w", mintAddr.Hex(), err)
				}
				units, err := parseTokenAmount(amount, decimals)
				if err != nil {
					return err
				}
				account := f.deriver.TokenAccount(ownerAddr, mintAddr)
				if err := ledger.Fund(ctx, f.store, mintAddr, f.operator, ownerAddr, account, units); err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), rootOpts.Format,
					map[string]any{"owner": ownerAddr, "account": account, "base_units": units},
					[]field{{"owner", ownerAddr.Hex()}, {"account", account.Hex()}, {"base_units", units}},
				)
			})
		},
	}
	cmd.Flags().StringVar(&mint, "mint", "", "collateral mint address")
	cmd.Flags().StringVar(&owner, "owner", "", "recipient address")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in whole tokens, e.g. 12.5")
	_ = cmd.MarkFlagRequired("mint")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

type faucet struct {
	store    domain.Store
	deriver  address.Deriver
	operator common.Address
}

// withFaucet opens the configured persistent store and operator key.
func withFaucet(ctx context.Context, opts *RootOptions, fn func(context.Context, faucet) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if !strings.EqualFold(cfg.Store.Backend, "postgres") {
		return errors.New("collateral commands need store.backend = postgres; the memory store does not outlive the command")
	}
	signer, err := crypto.NewKeyManager(0).Load(operatorKey(cfg))
	if err != nil {
		return fmt.Errorf("operator key: %w", err)
	}
	pg, err := app.OpenPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer pg.Close()

	return fn(ctx, faucet{
		store:    pg.Store(),
		deriver:  address.New(cfg.Program.Address()),
		operator: signer.Address(),
	})
}

func operatorKey(cfg *config.Config) crypto.KeyConfig {
	return crypto.KeyConfig{
		RawPrivateKey:    cfg.Operator.PrivateKey,
		EncryptedKeyPath: cfg.Operator.EncryptedKeyPath,
		KeyPassword:      cfg.Operator.KeyPassword,
	}
}

func hexArg(name, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("--%s %q is not a hex address", name, v)
	}
	return common.HexToAddress(v), nil
}

// parseTokenAmount converts a whole-token decimal string to base units.
func parseTokenAmount(s string, decimals uint8) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, err)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() || scaled.Sign() <= 0 {
		return 0, fmt.Errorf("amount %q must be a positive multiple of 1e-%d", s, decimals)
	}
	n := scaled.BigInt()
	if n.Cmp(new(big.Int).SetUint64(^uint64(0))) > 0 {
		return 0, fmt.Errorf("amount %q exceeds %s base units", s, strconv.FormatUint(^uint64(0), 10))
	}
	return n.Uint64(), nil
}
