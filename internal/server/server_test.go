package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condmarket/internal/address"
	"github.com/alanyoungcy/condmarket/internal/crypto"
	"github.com/alanyoungcy/condmarket/internal/domain"
	"github.com/alanyoungcy/condmarket/internal/engine"
	"github.com/alanyoungcy/condmarket/internal/ledger"
	"github.com/alanyoungcy/condmarket/internal/server/handler"
	"github.com/alanyoungcy/condmarket/internal/store/memory"
)

var (
	program   = common.HexToAddress("0x00000000000000000000000000000000c0de0001")
	usdc      = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	issuer    = common.HexToAddress("0x0000000000000000000000000000000000001551")
	authority = common.HexToAddress("0x00000000000000000000000000000000000a0700")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

type apiHarness struct {
	t       *testing.T
	handler http.Handler
	store   *memory.Store
	deriver address.Deriver
}

func newAPI(t *testing.T, cfg Config, limiter domain.RateLimiter) *apiHarness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	deriver := address.New(program)
	require.NoError(t, ledger.CreateCollateral(ctx, st, usdc, issuer, 6))

	eng := engine.New(st, deriver, engine.WithLogger(logger))
	handlers := Handlers{
		Health:  handler.NewHealthHandler(nil, logger),
		Markets: handler.NewMarketHandler(eng, deriver, nil, logger),
	}
	return &apiHarness{
		t:       t,
		handler: NewHandler(cfg, handlers, nil, Guards{Limiter: limiter}, logger),
		store:   st,
		deriver: deriver,
	}
}

func (a *apiHarness) fund(owner common.Address, amount uint64) {
	a.t.Helper()
	acct := a.deriver.TokenAccount(owner, usdc)
	require.NoError(a.t, ledger.Fund(context.Background(), a.store, usdc, issuer, owner, acct, amount))
}

func (a *apiHarness) do(method, path, body string, header map[string]string) (int, map[string]any) {
	a.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func as(caller common.Address) map[string]string {
	return map[string]string{"X-Caller": caller.Hex()}
}

func field(m map[string]any, path ...string) any {
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[p]
	}
	return cur
}

func addrField(m map[string]any, path ...string) common.Address {
	s, _ := field(m, path...).(string)
	return common.HexToAddress(s)
}

func TestAPI_MarketLifecycle(t *testing.T) {
	api := newAPI(t, Config{}, nil)
	api.fund(alice, 5_000_000)

	code, body := api.do(http.MethodPost, "/api/markets",
		`{"market_id":7,"collateral_mint":"`+usdc.Hex()+`"}`, as(authority))
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, authority, addrField(body, "market", "authority"))
	assert.Nil(t, field(body, "market", "winning_outcome"))
	assert.EqualValues(t, 6, field(body, "decimals"))

	code, body = api.do(http.MethodPost, "/api/markets/7/split", `{"amount":"1.5"}`, as(alice))
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1_500_000, field(body, "amount", "base_units"))
	assert.Equal(t, "1.500000", field(body, "total_collateral_locked", "display"))

	code, body = api.do(http.MethodGet, "/api/markets/7", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1_500_000, field(body, "vault_balance", "base_units"))
	assert.EqualValues(t, 1_500_000, field(body, "outcome_a_supply", "base_units"))
	assert.EqualValues(t, 1_500_000, field(body, "outcome_b_supply", "base_units"))

	code, body = api.do(http.MethodPost, "/api/markets/7/settle", `{"outcome":"B"}`, as(alice))
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "unauthorized", body["error"])

	code, body = api.do(http.MethodPost, "/api/markets/7/settle", `{"outcome":"B"}`, as(authority))
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "B", field(body, "market", "winning_outcome"))

	code, body = api.do(http.MethodPost, "/api/markets/7/split", `{"base_units":"1"}`, as(alice))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_settled", body["error"])

	code, body = api.do(http.MethodPost, "/api/markets/7/claim", "", as(alice))
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1_500_000, field(body, "payout", "base_units"))
	assert.EqualValues(t, 0, field(body, "total_collateral_locked", "base_units"))

	code, body = api.do(http.MethodGet, "/api/markets/7/positions/"+alice.Hex(), "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "5.000000", field(body, "collateral", "display"))
	assert.EqualValues(t, 1_500_000, field(body, "outcome_a", "base_units"))
	assert.EqualValues(t, 0, field(body, "outcome_b", "base_units"))
}

func TestAPI_MergeReturnsMatchedPairs(t *testing.T) {
	api := newAPI(t, Config{}, nil)
	api.fund(alice, 1_000_000)
	code, _ := api.do(http.MethodPost, "/api/markets",
		`{"market_id":1,"collateral_mint":"`+usdc.Hex()+`"}`, as(authority))
	require.Equal(t, http.StatusCreated, code)

	code, _ = api.do(http.MethodPost, "/api/markets/1/split", `{"base_units":"400000"}`, as(alice))
	require.Equal(t, http.StatusOK, code)

	code, body := api.do(http.MethodPost, "/api/markets/1/merge", "", as(alice))
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "0.400000", field(body, "amount", "display"))
	assert.EqualValues(t, 0, field(body, "total_collateral_locked", "base_units"))

	code, body = api.do(http.MethodPost, "/api/markets/1/merge", "", as(alice))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_amount", body["error"])
}

func TestAPI_ErrorMapping(t *testing.T) {
	api := newAPI(t, Config{}, nil)
	api.fund(alice, 10)
	code, _ := api.do(http.MethodPost, "/api/markets",
		`{"market_id":3,"collateral_mint":"`+usdc.Hex()+`"}`, as(authority))
	require.Equal(t, http.StatusCreated, code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		header map[string]string
		status int
		code   string
	}{
		{"unknown market", http.MethodGet, "/api/markets/99", "", nil, http.StatusNotFound, "not_found"},
		{"bad market id", http.MethodGet, "/api/markets/abc", "", nil, http.StatusBadRequest, "bad_request"},
		{"no caller", http.MethodPost, "/api/markets/3/split", `{"amount":"1"}`, nil, http.StatusUnauthorized, "unauthenticated"},
		{"zero amount", http.MethodPost, "/api/markets/3/split", `{"amount":"0"}`, as(alice), http.StatusBadRequest, "invalid_amount"},
		{"sub-unit amount", http.MethodPost, "/api/markets/3/split", `{"amount":"0.0000001"}`, as(alice), http.StatusBadRequest, "invalid_amount"},
		{"insufficient balance", http.MethodPost, "/api/markets/3/split", `{"base_units":"11"}`, as(alice), http.StatusUnprocessableEntity, "insufficient_balance"},
		{"unknown field", http.MethodPost, "/api/markets/3/split", `{"amt":"1"}`, as(alice), http.StatusBadRequest, "bad_request"},
		{"claim before settlement", http.MethodPost, "/api/markets/3/claim", "", as(alice), http.StatusConflict, "not_settled"},
		{"invalid outcome", http.MethodPost, "/api/markets/3/settle", `{"outcome":"C"}`, as(authority), http.StatusBadRequest, "invalid_outcome"},
		{"missing outcome", http.MethodPost, "/api/markets/3/settle", `{}`, as(authority), http.StatusBadRequest, "invalid_outcome"},
		{"reinitialize", http.MethodPost, "/api/markets", `{"market_id":3,"collateral_mint":"` + usdc.Hex() + `"}`, as(authority), http.StatusConflict, "already_initialized"},
		{"bad owner", http.MethodGet, "/api/markets/3/positions/alice", "", nil, http.StatusBadRequest, "bad_request"},
		{"malformed caller", http.MethodPost, "/api/markets/3/claim", "", map[string]string{"X-Caller": "nobody"}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := api.do(tt.method, tt.path, tt.body, tt.header)
			assert.Equal(t, tt.status, code, body)
			if tt.code != "" {
				assert.Equal(t, tt.code, body["error"])
			}
		})
	}
}

func TestAPI_AddressesNeedNoMarket(t *testing.T) {
	api := newAPI(t, Config{}, nil)
	code, body := api.do(http.MethodGet, "/api/markets/42/addresses", "", nil)
	require.Equal(t, http.StatusOK, code)
	want := api.deriver.Market(42)
	assert.Equal(t, want.Vault, addrField(body, "accounts", "vault"))
	assert.Equal(t, want.OutcomeA, addrField(body, "accounts", "outcome_a"))
	assert.Equal(t, want.OutcomeB, addrField(body, "accounts", "outcome_b"))
}

// signedHeaders signs a request the way an API client would.
func signedHeaders(t *testing.T, signer *crypto.Signer, req crypto.Request) map[string]string {
	t.Helper()
	sig, err := signer.SignRequest(req)
	require.NoError(t, err)
	h := map[string]string{
		"X-Signature": sig,
		"X-Timestamp": strconv.FormatInt(req.Timestamp, 10),
	}
	if req.Nonce != "" {
		h["X-Nonce"] = req.Nonce
	}
	return h
}

func TestAPI_SignedRequests(t *testing.T) {
	api := newAPI(t, Config{RequireSignatures: true, MaxClockSkew: time.Minute}, nil)
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)

	body := `{"market_id":5,"collateral_mint":"` + usdc.Hex() + `"}`
	headers := signedHeaders(t, signer, crypto.Request{
		Method: http.MethodPost, Path: "/api/markets", Timestamp: time.Now().Unix(), Body: []byte(body),
	})
	headers["X-Caller"] = signer.Address().Hex()

	code, resp := api.do(http.MethodPost, "/api/markets", body, headers)
	require.Equal(t, http.StatusCreated, code, resp)
	assert.Equal(t, signer.Address(), addrField(resp, "market", "authority"))

	t.Run("tampered body", func(t *testing.T) {
		code, _ := api.do(http.MethodPost, "/api/markets", strings.Replace(body, ":5", ":6", 1), headers)
		assert.Equal(t, http.StatusUnauthorized, code)
	})
	t.Run("stale timestamp", func(t *testing.T) {
		h := signedHeaders(t, signer, crypto.Request{
			Method: http.MethodPost, Path: "/api/markets/5/claim", Timestamp: time.Now().Add(-time.Hour).Unix(),
		})
		code, _ := api.do(http.MethodPost, "/api/markets/5/claim", "", h)
		assert.Equal(t, http.StatusUnauthorized, code)
	})
	t.Run("signature without claimed caller", func(t *testing.T) {
		h := signedHeaders(t, signer, crypto.Request{
			Method: http.MethodPost, Path: "/api/markets/5/claim", Timestamp: time.Now().Unix(), Nonce: "claim-1",
		})
		code, resp := api.do(http.MethodPost, "/api/markets/5/claim", "", h)
		assert.Equal(t, http.StatusConflict, code)
		assert.Equal(t, "not_settled", resp["error"])
	})
	t.Run("caller header ignored", func(t *testing.T) {
		code, resp := api.do(http.MethodPost, "/api/markets/5/claim", "", as(alice))
		assert.Equal(t, http.StatusUnauthorized, code)
		assert.Equal(t, "unauthenticated", resp["error"])
	})
}

func TestAPI_SignedMutationsApplyOnce(t *testing.T) {
	api := newAPI(t, Config{RequireSignatures: true, MaxClockSkew: time.Minute}, nil)
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	api.fund(signer.Address(), 10_000)

	ts := time.Now().Unix()
	initBody := `{"market_id":8,"collateral_mint":"` + usdc.Hex() + `"}`
	code, resp := api.do(http.MethodPost, "/api/markets", initBody, signedHeaders(t, signer, crypto.Request{
		Method: http.MethodPost, Path: "/api/markets", Timestamp: ts, Body: []byte(initBody),
	}))
	require.Equal(t, http.StatusCreated, code, resp)

	split := crypto.Request{Method: http.MethodPost, Path: "/api/markets/8/split", Timestamp: ts, Body: []byte(`{"base_units":"1000"}`)}
	headers := signedHeaders(t, signer, split)

	code, resp = api.do(http.MethodPost, split.Path, string(split.Body), headers)
	require.Equal(t, http.StatusOK, code, resp)
	assert.EqualValues(t, 1000, field(resp, "total_collateral_locked", "base_units"))

	for i := 0; i < 3; i++ {
		code, resp = api.do(http.MethodPost, split.Path, string(split.Body), headers)
		assert.Equal(t, http.StatusUnauthorized, code, resp)
	}

	code, resp = api.do(http.MethodGet, "/api/markets/8", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1000, field(resp, "market", "total_collateral_locked", "base_units"))

	t.Run("distinct nonce signs a new request", func(t *testing.T) {
		again := split
		again.Nonce = "second"
		code, resp := api.do(http.MethodPost, again.Path, string(again.Body), signedHeaders(t, signer, again))
		require.Equal(t, http.StatusOK, code, resp)
		assert.EqualValues(t, 2000, field(resp, "total_collateral_locked", "base_units"))
	})
	t.Run("same content from another signer is independent", func(t *testing.T) {
		other, err := crypto.GenerateSigner()
		require.NoError(t, err)
		api.fund(other.Address(), 1000)
		code, resp := api.do(http.MethodPost, split.Path, string(split.Body), signedHeaders(t, other, split))
		require.Equal(t, http.StatusOK, code, resp)
	})
	t.Run("reads may repeat", func(t *testing.T) {
		read := crypto.Request{Method: http.MethodGet, Path: "/api/markets/8", Timestamp: ts}
		h := signedHeaders(t, signer, read)
		for i := 0; i < 2; i++ {
			code, _ := api.do(http.MethodGet, read.Path, "", h)
			assert.Equal(t, http.StatusOK, code)
		}
	})
}

func TestAPI_APIKey(t *testing.T) {
	api := newAPI(t, Config{APIKey: "s3cret"}, nil)

	code, _ := api.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = api.do(http.MethodGet, "/api/markets/1/addresses", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = api.do(http.MethodGet, "/api/markets/1/addresses", "", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = api.do(http.MethodGet, "/api/markets/1/addresses", "", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

type denyAfter struct {
	n    int
	keys []string
}

func (d *denyAfter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	d.keys = append(d.keys, key)
	d.n--
	return d.n >= 0, nil
}

func TestAPI_RateLimitKeysOnCaller(t *testing.T) {
	limiter := &denyAfter{n: 1}
	api := newAPI(t, Config{RateLimit: 10, RateWindow: time.Minute}, limiter)

	code, _ := api.do(http.MethodGet, "/api/markets/1/addresses", "", as(alice))
	assert.Equal(t, http.StatusOK, code)
	code, _ = api.do(http.MethodGet, "/api/markets/1/addresses", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)

	require.Len(t, limiter.keys, 2)
	assert.Equal(t, "api:caller:"+alice.Hex(), limiter.keys[0])
	assert.True(t, strings.HasPrefix(limiter.keys[1], "api:ip:"))
}

func TestAPI_CORSPreflight(t *testing.T) {
	api := newAPI(t, Config{CORSOrigins: []string{"https://app.example"}}, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/markets", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Signature")
}
