package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condmarket/internal/address"
	"github.com/alanyoungcy/condmarket/internal/crypto"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDerive_JSON(t *testing.T) {
	t.Setenv("CONDMARKET_PROGRAM_ID", "0x00000000000000000000000000000000c0de0001")
	owner := "0x00000000000000000000000000000000000a11ce"

	out, err := execute(t, "derive", "7", "--owner", owner, "--format", "json")
	require.NoError(t, err)

	var got struct {
		Program  common.Address `json:"program"`
		MarketID uint32         `json:"market_id"`
		Accounts struct {
			Market   common.Address `json:"market"`
			Vault    common.Address `json:"vault"`
			OutcomeA common.Address `json:"outcome_a"`
			OutcomeB common.Address `json:"outcome_b"`
		} `json:"accounts"`
		Owner struct {
			OutcomeA common.Address `json:"outcome_a_account"`
		} `json:"owner"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	d := address.New(common.HexToAddress("0x00000000000000000000000000000000c0de0001"))
	want := d.Market(7)
	assert.Equal(t, uint32(7), got.MarketID)
	assert.Equal(t, want.Market, got.Accounts.Market)
	assert.Equal(t, want.Vault, got.Accounts.Vault)
	assert.Equal(t, want.OutcomeA, got.Accounts.OutcomeA)
	assert.Equal(t, want.OutcomeB, got.Accounts.OutcomeB)
	assert.Equal(t, d.TokenAccount(common.HexToAddress(owner), want.OutcomeA), got.Owner.OutcomeA)
}

func TestDerive_Text(t *testing.T) {
	out, err := execute(t, "derive", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "vault")
	assert.Contains(t, out, "outcome_b")
}

func TestDerive_RejectsBadInput(t *testing.T) {
	_, err := execute(t, "derive", "-1")
	assert.Error(t, err)
	_, err = execute(t, "derive", "4294967296")
	assert.Error(t, err)
	_, err = execute(t, "derive", "1", "--owner", "bob")
	assert.Error(t, err)
}

func TestRoot_InvalidFormat(t *testing.T) {
	_, err := execute(t, "derive", "1", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestEncryptKey_RoundTrip(t *testing.T) {
	const key = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	t.Setenv("CONDMARKET_OPERATOR_PRIVATE_KEY", key)
	t.Setenv("CONDMARKET_OPERATOR_KEY_PASSWORD", "hunter2")
	path := filepath.Join(t.TempDir(), "op.json")

	out, err := execute(t, "encrypt-key", "--out", path, "--iterations", "1000")
	require.NoError(t, err)
	assert.Contains(t, out, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	signer, err := crypto.NewKeyManager(0).Load(crypto.KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), signer.Address())
}

func TestEncryptKey_RequiresPassword(t *testing.T) {
	t.Setenv("CONDMARKET_OPERATOR_KEY_PASSWORD", "")
	_, err := execute(t, "encrypt-key", "--generate", "--out", filepath.Join(t.TempDir(), "k.json"))
	assert.ErrorContains(t, err, "KEY_PASSWORD")
}

func TestCollateral_RefusesMemoryStore(t *testing.T) {
	t.Setenv("CONDMARKET_STORE_BACKEND", "memory")
	_, err := execute(t, "collateral", "create", "--mint", "0x0000000000000000000000000000000000000c01")
	assert.ErrorContains(t, err, "store.backend = postgres")
}

func TestParseTokenAmount(t *testing.T) {
	n, err := parseTokenAmount("12.5", 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(12_500_000), n)

	_, err = parseTokenAmount("0.0000001", 6)
	assert.Error(t, err)
	_, err = parseTokenAmount("0", 6)
	assert.Error(t, err)
	_, err = parseTokenAmount("18446744073709551616", 0)
	assert.Error(t, err)
}
