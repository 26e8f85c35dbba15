package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/condmarket/internal/domain"
	"github.com/alanyoungcy/condmarket/internal/engine"
)

// MarketService is the engine surface the API drives.
type MarketService interface {
	Initialize(ctx context.Context, req engine.InitializeRequest) (engine.InitializeResult, error)
	Split(ctx context.Context, req engine.SplitRequest) (engine.SplitResult, error)
	Merge(ctx context.Context, req engine.MergeRequest) (engine.MergeResult, error)
	SetWinningSide(ctx context.Context, req engine.SettleRequest) (engine.SettleResult, error)
	Claim(ctx context.Context, req engine.ClaimRequest) (engine.ClaimResult, error)
	Snapshot(ctx context.Context, marketID uint32) (domain.MarketSnapshot, error)
	Position(ctx context.Context, marketID uint32, owner domain.Address) (domain.Position, error)
}

// AddressDeriver computes market addresses without touching storage.
type AddressDeriver interface {
	Market(marketID uint32) domain.MarketAccounts
}

// MarketHandler serves market lifecycle and read endpoints.
type MarketHandler struct {
	svc     MarketService
	deriver AddressDeriver
	cache   domain.MarketCache
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler. cache may be nil.
func NewMarketHandler(svc MarketService, deriver AddressDeriver, cache domain.MarketCache, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{svc: svc, deriver: deriver, cache: cache, logger: logger.With(slog.String("handler", "market"))}
}

type marketView struct {
	ID                    uint32            `json:"id"`
	Authority             domain.Address    `json:"authority"`
	CollateralMint        domain.Address    `json:"collateral_mint"`
	SettlementDeadline    *time.Time        `json:"settlement_deadline,omitempty"`
	WinningOutcome        domain.Resolution `json:"winning_outcome"`
	TotalCollateralLocked Amount            `json:"total_collateral_locked"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

func newMarketView(m domain.Market, decimals uint8) marketView {
	v := marketView{
		ID:                    m.ID,
		Authority:             m.Authority,
		CollateralMint:        m.CollateralMint,
		WinningOutcome:        m.Resolution,
		TotalCollateralLocked: newAmount(m.TotalCollateralLocked, decimals),
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
	if !m.SettlementDeadline.IsZero() {
		d := m.SettlementDeadline
		v.SettlementDeadline = &d
	}
	return v
}

type snapshotView struct {
	Market         marketView            `json:"market"`
	Accounts       domain.MarketAccounts `json:"accounts"`
	Decimals       uint8                 `json:"decimals"`
	VaultBalance   Amount                `json:"vault_balance"`
	OutcomeASupply Amount                `json:"outcome_a_supply"`
	OutcomeBSupply Amount                `json:"outcome_b_supply"`
}

func newSnapshotView(s domain.MarketSnapshot) snapshotView {
	return snapshotView{
		Market:         newMarketView(s.Market, s.Decimals),
		Accounts:       s.Accounts,
		Decimals:       s.Decimals,
		VaultBalance:   newAmount(s.VaultBalance, s.Decimals),
		OutcomeASupply: newAmount(s.OutcomeASupply, s.Decimals),
		OutcomeBSupply: newAmount(s.OutcomeBSupply, s.Decimals),
	}
}

// snapshot reads through the cache when one is configured.
func (h *MarketHandler) snapshot(ctx context.Context, marketID uint32) (domain.MarketSnapshot, error) {
	if h.cache != nil {
		snap, err := h.cache.Get(ctx, marketID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			h.logger.WarnContext(ctx, "market cache read failed", slog.Uint64("market_id", uint64(marketID)), slog.String("error", err.Error()))
		}
	}
	snap, err := h.svc.Snapshot(ctx, marketID)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	if h.cache != nil {
		if err := h.cache.Set(ctx, snap); err != nil {
			h.logger.WarnContext(ctx, "market cache write failed", slog.Uint64("market_id", uint64(marketID)), slog.String("error", err.Error()))
		}
	}
	return snap, nil
}

type initializeRequest struct {
	MarketID           uint32     `json:"market_id"`
	CollateralMint     string     `json:"collateral_mint"`
	SettlementDeadline *time.Time `json:"settlement_deadline,omitempty"`
}

// Initialize creates a market whose authority is the caller.
// POST /api/markets
func (h *MarketHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req initializeRequest
	if err := decodeBody(r, &req); err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	mint, err := addressParam(req.CollateralMint)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	in := engine.InitializeRequest{MarketID: req.MarketID, Authority: caller, CollateralMint: mint}
	if req.SettlementDeadline != nil {
		in.SettlementDeadline = req.SettlementDeadline.UTC()
	}
	if _, err := h.svc.Initialize(r.Context(), in); err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	snap, err := h.svc.Snapshot(r.Context(), req.MarketID)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSnapshotView(snap))
}

// GetMarket returns a consistent snapshot of one market.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	snap, err := h.snapshot(r.Context(), id)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotView(snap))
}

// Addresses returns the derived addresses of a market, which exist whether
// or not the market has been initialized.
// GET /api/markets/{id}/addresses
func (h *MarketHandler) Addresses(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"accounts":  h.deriver.Market(id),
	})
}

// Split locks collateral and mints one of each outcome token per unit.
// POST /api/markets/{id}/split
func (h *MarketHandler) Split(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.mutation(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if err := decodeBody(r, &req); err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	snap, err := h.snapshot(r.Context(), id)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	amount, err := req.units(snap.Decimals)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	res, err := h.svc.Split(r.Context(), engine.SplitRequest{MarketID: id, Caller: caller, Amount: amount})
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":               id,
		"amount":                  newAmount(amount, snap.Decimals),
		"total_collateral_locked": newAmount(res.TotalCollateralLocked, snap.Decimals),
	})
}

// Merge redeems every matched pair the caller holds.
// POST /api/markets/{id}/merge
func (h *MarketHandler) Merge(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.mutation(w, r)
	if !ok {
		return
	}
	snap, err := h.snapshot(r.Context(), id)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	res, err := h.svc.Merge(r.Context(), engine.MergeRequest{MarketID: id, Caller: caller})
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":               id,
		"amount":                  newAmount(res.Amount, snap.Decimals),
		"total_collateral_locked": newAmount(res.TotalCollateralLocked, snap.Decimals),
	})
}

type settleRequest struct {
	Outcome domain.Outcome `json:"outcome"`
}

// Settle records the winning outcome. Only the market authority may call it.
// POST /api/markets/{id}/settle
func (h *MarketHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.mutation(w, r)
	if !ok {
		return
	}
	var req settleRequest
	if err := decodeBody(r, &req); err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	snap, err := h.snapshot(r.Context(), id)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	res, err := h.svc.SetWinningSide(r.Context(), engine.SettleRequest{MarketID: id, Caller: caller, Outcome: req.Outcome})
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market": newMarketView(res.Market, snap.Decimals)})
}

// Claim redeems the caller's winning tokens for collateral.
// POST /api/markets/{id}/claim
func (h *MarketHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := h.mutation(w, r)
	if !ok {
		return
	}
	snap, err := h.snapshot(r.Context(), id)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	res, err := h.svc.Claim(r.Context(), engine.ClaimRequest{MarketID: id, Caller: caller})
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":               id,
		"payout":                  newAmount(res.Payout, snap.Decimals),
		"total_collateral_locked": newAmount(res.TotalCollateralLocked, snap.Decimals),
	})
}

// GetPosition returns an owner's collateral and outcome balances.
// GET /api/markets/{id}/positions/{owner}
func (h *MarketHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	owner, err := addressParam(pathParam(r, "owner"))
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	snap, err := h.snapshot(r.Context(), id)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	pos, err := h.svc.Position(r.Context(), id, owner)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":  id,
		"owner":      owner,
		"collateral": newAmount(pos.Collateral, snap.Decimals),
		"outcome_a":  newAmount(pos.OutcomeA, snap.Decimals),
		"outcome_b":  newAmount(pos.OutcomeB, snap.Decimals),
	})
}

func (h *MarketHandler) mutation(w http.ResponseWriter, r *http.Request) (uint32, domain.Address, bool) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return 0, domain.Address{}, false
	}
	id, err := marketIDParam(r)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return 0, domain.Address{}, false
	}
	return id, caller, true
}
