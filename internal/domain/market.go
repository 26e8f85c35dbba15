package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Address identifies every party and account in the system: users,
// authorities, markets, vaults, mints and token accounts.
type Address = common.Address

// Market is the persistent record of one binary conditional-token market.
// Vault and outcome mint addresses are not stored; they are re-derived from
// ID whenever needed. Version starts at 1 and grows by one with every
// committed change to the record.
type Market struct {
	ID                    uint32     `json:"id"`
	Authority             Address    `json:"authority"`
	CollateralMint        Address    `json:"collateral_mint"`
	SettlementDeadline    time.Time  `json:"settlement_deadline"`
	Resolution            Resolution `json:"winning_outcome"`
	TotalCollateralLocked uint64     `json:"total_collateral_locked"`
	Version               uint64     `json:"version"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// IsOpen reports whether split and merge are still allowed.
func (m Market) IsOpen() bool {
	return !m.Resolution.IsSettled()
}

// IsSettled reports whether the winning outcome has been recorded.
func (m Market) IsSettled() bool {
	return m.Resolution.IsSettled()
}

// WinningOutcome returns the recorded winner, or false while open.
func (m Market) WinningOutcome() (Outcome, bool) {
	return m.Resolution.Winner()
}

// MarketAccounts lists the deterministic addresses belonging to a market.
type MarketAccounts struct {
	Market   Address `json:"market"`
	Vault    Address `json:"vault"`
	OutcomeA Address `json:"outcome_a"`
	OutcomeB Address `json:"outcome_b"`
}

// Mint returns the outcome mint address for o.
func (a MarketAccounts) Mint(o Outcome) Address {
	if o == OutcomeB {
		return a.OutcomeB
	}
	return a.OutcomeA
}

// MarketSnapshot is a consistent read of a market record together with the
// ledger figures the conservation invariant is stated over.
type MarketSnapshot struct {
	Market         Market         `json:"market"`
	Accounts       MarketAccounts `json:"accounts"`
	Decimals       uint8          `json:"decimals"`
	VaultBalance   uint64         `json:"vault_balance"`
	OutcomeASupply uint64         `json:"outcome_a_supply"`
	OutcomeBSupply uint64         `json:"outcome_b_supply"`
}

// Position is one owner's balances in a market.
type Position struct {
	MarketID   uint32  `json:"market_id"`
	Owner      Address `json:"owner"`
	Collateral uint64  `json:"collateral"`
	OutcomeA   uint64  `json:"outcome_a"`
	OutcomeB   uint64  `json:"outcome_b"`
}
