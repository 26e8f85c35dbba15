// Package address derives the deterministic addresses of a market's
// accounts. Any party holding a market identifier can recompute the market
// record, vault and outcome mint addresses without a registry lookup.
package address

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

// Domain tags. Each derived address is namespaced by exactly one of these.
const (
	TagMarket   = "market"
	TagVault    = "vault"
	TagOutcomeA = "outcome_a"
	TagOutcomeB = "outcome_b"
	TagAccount  = "account"
)

// derivePrefix marks derived addresses so they cannot coincide with
// addresses produced by other keccak-based schemes over the same seeds.
const derivePrefix = 0xff

// Deriver maps (tag, seeds) to addresses under a fixed program identity.
// It holds no state beyond the program ID and is safe for concurrent use.
type Deriver struct {
	program common.Address
}

// New returns a Deriver namespaced by program.
func New(program common.Address) Deriver {
	return Deriver{program: program}
}

// Program returns the program identity every market derivation is bound to.
// The market address is also the authority of its vault and outcome mints.
func (d Deriver) Program() common.Address {
	return d.program
}

// Derive returns the address for tag and marketID. marketID is encoded as a
// 4-byte little-endian value.
func (d Deriver) Derive(tag string, marketID uint32) common.Address {
	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], marketID)
	return d.derive(tag, id[:])
}

// Market returns every address belonging to marketID.
func (d Deriver) Market(marketID uint32) domain.MarketAccounts {
	return domain.MarketAccounts{
		Market:   d.Derive(TagMarket, marketID),
		Vault:    d.Derive(TagVault, marketID),
		OutcomeA: d.Derive(TagOutcomeA, marketID),
		OutcomeB: d.Derive(TagOutcomeB, marketID),
	}
}

// OutcomeMint returns the mint address of outcome o in marketID.
func (d Deriver) OutcomeMint(marketID uint32, o domain.Outcome) common.Address {
	if o == domain.OutcomeB {
		return d.Derive(TagOutcomeB, marketID)
	}
	return d.Derive(TagOutcomeA, marketID)
}

// TokenAccount returns the holding account of owner for mint. There is one
// such account per (owner, mint) pair.
func (d Deriver) TokenAccount(owner, mint common.Address) common.Address {
	seed := make([]byte, 0, 2*common.AddressLength)
	seed = append(seed, owner.Bytes()...)
	seed = append(seed, mint.Bytes()...)
	return d.derive(TagAccount, seed)
}

// derive computes keccak256(0xff || program || len(tag) || tag || seed)[12:].
// The length prefix keeps a tag and the start of a seed from being confused.
func (d Deriver) derive(tag string, seed []byte) common.Address {
	buf := make([]byte, 0, 1+common.AddressLength+1+len(tag)+len(seed))
	buf = append(buf, derivePrefix)
	buf = append(buf, d.program.Bytes()...)
	buf = append(buf, byte(len(tag)))
	buf = append(buf, tag...)
	buf = append(buf, seed...)
	return common.BytesToAddress(ethcrypto.Keccak256(buf)[12:])
}
