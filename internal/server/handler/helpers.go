package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/condmarket/internal/domain"
	"github.com/alanyoungcy/condmarket/internal/server/middleware"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

// writeEngineError maps an engine or ledger error onto an HTTP status.
func writeEngineError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, status, code, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, domain.ErrInvalidOutcome):
		return http.StatusBadRequest, "invalid_outcome"
	case errors.Is(err, domain.ErrInvalidSettlementDeadline):
		return http.StatusBadRequest, "invalid_settlement_deadline"
	case errors.Is(err, domain.ErrMintMismatch):
		return http.StatusBadRequest, "mint_mismatch"
	case errors.Is(err, domain.ErrAlreadyInitialized):
		return http.StatusConflict, "already_initialized"
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, domain.ErrMarketAlreadySettled):
		return http.StatusConflict, "already_settled"
	case errors.Is(err, domain.ErrMarketNotSettled):
		return http.StatusConflict, "not_settled"
	case errors.Is(err, domain.ErrMarketExpired):
		return http.StatusConflict, "expired"
	case errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict, "busy"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, domain.ErrOverflow):
		return http.StatusUnprocessableEntity, "overflow"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

func marketIDParam(r *http.Request) (uint32, error) {
	id, err := strconv.ParseUint(pathParam(r, "id"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: market id %q", errBadRequest, pathParam(r, "id"))
	}
	return uint32(id), nil
}

func addressParam(s string) (domain.Address, error) {
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return domain.Address{}, fmt.Errorf("%w: address %q", errBadRequest, s)
	}
	return common.HexToAddress(s), nil
}

// requireCaller returns the authenticated caller or writes 401.
func requireCaller(w http.ResponseWriter, r *http.Request) (domain.Address, bool) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "request carries no caller identity")
		return domain.Address{}, false
	}
	return caller, true
}

// Amount is a token quantity in base units together with its decimal
// rendering at the mint's precision.
type Amount struct {
	BaseUnits uint64 `json:"base_units"`
	Display   string `json:"display"`
}

func newAmount(units uint64, decimals uint8) Amount {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(units), -int32(decimals))
	return Amount{BaseUnits: units, Display: d.StringFixed(int32(decimals))}
}

// AmountRequest accepts either a decimal quantity in whole tokens or an
// exact base-unit count.
type AmountRequest struct {
	Amount    string `json:"amount,omitempty"`
	BaseUnits string `json:"base_units,omitempty"`
}

// units converts the request to base units at the given precision.
func (a AmountRequest) units(decimals uint8) (uint64, error) {
	switch {
	case a.BaseUnits != "" && a.Amount != "":
		return 0, fmt.Errorf("%w: set amount or base_units, not both", errBadRequest)
	case a.BaseUnits != "":
		n, err := strconv.ParseUint(a.BaseUnits, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: base_units %q", domain.ErrInvalidAmount, a.BaseUnits)
		}
		return n, nil
	case a.Amount != "":
		d, err := decimal.NewFromString(a.Amount)
		if err != nil {
			return 0, fmt.Errorf("%w: amount %q", domain.ErrInvalidAmount, a.Amount)
		}
		scaled := d.Shift(int32(decimals))
		if scaled.IsNegative() || !scaled.IsInteger() {
			return 0, fmt.Errorf("%w: amount %q at %d decimals", domain.ErrInvalidAmount, a.Amount, decimals)
		}
		n := scaled.BigInt()
		if !n.IsUint64() {
			return 0, fmt.Errorf("%w: amount %q", domain.ErrOverflow, a.Amount)
		}
		return n.Uint64(), nil
	default:
		return 0, fmt.Errorf("%w: amount is required", domain.ErrInvalidAmount)
	}
}
