package cli

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/condmarket/internal/address"
	"github.com/alanyoungcy/condmarket/internal/config"
	"github.com/alanyoungcy/condmarket/internal/domain"
)

type deriveOutput struct {
	Program  common.Address        `json:"program"`
	MarketID uint32                `json:"market_id"`
	Accounts domain.MarketAccounts `json:"accounts"`
	Owner    *ownerAccounts        `json:"owner,omitempty"`
}

type ownerAccounts struct {
	Address  common.Address `json:"address"`
	OutcomeA common.Address `json:"outcome_a_account"`
	OutcomeB common.Address `json:"outcome_b_account"`
}

// NewDeriveCommand creates the derive command. It needs no storage.
func NewDeriveCommand(rootOpts *RootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "derive <market-id>",
		Short: "Print the derived addresses of a market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("market id %q: %w", args[0], err)
			}
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			if !common.IsHexAddress(cfg.Program.ID) {
				return fmt.Errorf("program id %q is not a hex address", cfg.Program.ID)
			}

			d := address.New(cfg.Program.Address())
			out := deriveOutput{
				Program:  d.Program(),
				MarketID: uint32(id),
				Accounts: d.Market(uint32(id)),
			}
			fields := []field{
				{"program", out.Program.Hex()},
				{"market", out.Accounts.Market.Hex()},
				{"vault", out.Accounts.Vault.Hex()},
				{"outcome_a", out.Accounts.OutcomeA.Hex()},
				{"outcome_b", out.Accounts.OutcomeB.Hex()},
			}
			if owner != "" {
				if !common.IsHexAddress(owner) {
					return fmt.Errorf("owner %q is not a hex address", owner)
				}
				o := common.HexToAddress(owner)
				out.Owner = &ownerAccounts{
					Address:  o,
					OutcomeA: d.TokenAccount(o, out.Accounts.OutcomeA),
					OutcomeB: d.TokenAccount(o, out.Accounts.OutcomeB),
				}
				fields = append(fields,
					field{"owner_outcome_a", out.Owner.OutcomeA.Hex()},
					field{"owner_outcome_b", out.Owner.OutcomeB.Hex()},
				)
			}
			return render(cmd.OutOrStdout(), rootOpts.Format, out, fields)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "also derive this owner's outcome token accounts")
	return cmd
}
