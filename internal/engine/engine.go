// Package engine implements the settlement engine of a binary conditional
// token market: initialize, split, merge, set-winning-side and claim.
//
// Every operation runs as a single domain.Store transaction, so either all
// of its ledger and record effects commit or none do. Preconditions are
// checked in a fixed order before any ledger mutation is issued:
// existence, authorization, state, amount, and finally balance sufficiency,
// which is left to the ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/condmarket/internal/address"
	"github.com/alanyoungcy/condmarket/internal/domain"
)

const defaultLockTTL = 10 * time.Second

// Engine executes market operations against a Store.
type Engine struct {
	store      domain.Store
	deriver    address.Deriver
	locker     domain.LockManager
	lockTTL    time.Duration
	publishers []domain.EventPublisher
	audit      domain.AuditStore
	cache      domain.MarketCache
	now        func() time.Time

	enforceDeadline bool
	logger          *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker serializes mutating calls on the same market across processes.
func WithLocker(l domain.LockManager, ttl time.Duration) Option {
	return func(e *Engine) {
		e.locker = l
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

// WithPublisher adds a subscriber for committed events.
func WithPublisher(p domain.EventPublisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publishers = append(e.publishers, p)
		}
	}
}

// WithAudit appends every committed operation to the audit log.
func WithAudit(a domain.AuditStore) Option {
	return func(e *Engine) { e.audit = a }
}

// WithCache refreshes cached snapshots after each committed operation.
func WithCache(c domain.MarketCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDeadlineEnforcement makes the settlement deadline binding: it must be
// in the future at initialization, and split, merge and set-winning-side
// are refused once it has passed.
func WithDeadlineEnforcement(on bool) Option {
	return func(e *Engine) { e.enforceDeadline = on }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine over store with addresses derived by deriver.
func New(store domain.Store, deriver address.Deriver, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		deriver: deriver,
		lockTTL: defaultLockTTL,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "engine"))
	return e
}

// Accounts returns the derived addresses of marketID. It touches no storage.
func (e *Engine) Accounts(marketID uint32) domain.MarketAccounts {
	return e.deriver.Market(marketID)
}

// lock acquires the cross-process market lock when a LockManager is set.
func (e *Engine) lock(ctx context.Context, marketID uint32) (func(), error) {
	if e.locker == nil {
		return func() {}, nil
	}
	unlock, err := e.locker.Acquire(ctx, "market:"+strconv.FormatUint(uint64(marketID), 10), e.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("engine: lock market %d: %w", marketID, err)
	}
	return unlock, nil
}

// loadMarket reads the record at the derived market address.
func loadMarket(ctx context.Context, tx domain.Tx, accts domain.MarketAccounts, marketID uint32) (domain.Market, error) {
	m, err := tx.GetMarket(ctx, accts.Market)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Market{}, fmt.Errorf("engine: market %d: %w", marketID, domain.ErrNotFound)
		}
		return domain.Market{}, fmt.Errorf("engine: load market %d: %w", marketID, err)
	}
	return m, nil
}

// checkDeadline refuses state changes past the deadline when enforcement is on.
func (e *Engine) checkDeadline(m domain.Market) error {
	if !e.enforceDeadline || m.SettlementDeadline.IsZero() {
		return nil
	}
	if !e.now().Before(m.SettlementDeadline) {
		return fmt.Errorf("engine: market %d: %w", m.ID, domain.ErrMarketExpired)
	}
	return nil
}

// emit fans a committed event out to the cache, the audit log and every
// publisher. Failures are logged; the operation has already committed.
func (e *Engine) emit(ctx context.Context, ev domain.MarketEvent) {
	ev.ID = uuid.New()
	if ev.At.IsZero() {
		ev.At = e.now().UTC()
	}

	if e.cache != nil {
		e.refreshCache(ctx, ev.MarketID)
	}

	if e.audit != nil {
		detail := map[string]any{
			"event_id":                ev.ID.String(),
			"market_id":               ev.MarketID,
			"caller":                  ev.Caller.Hex(),
			"amount":                  ev.Amount,
			"total_collateral_locked": ev.TotalCollateralLocked,
		}
		if ev.Outcome.Valid() {
			detail["outcome"] = ev.Outcome.String()
		}
		if err := e.audit.Log(ctx, string(ev.Kind), detail); err != nil {
			e.logger.WarnContext(ctx, "engine: audit log failed",
				slog.String("event", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, p := range e.publishers {
		if err := p.PublishEvent(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "engine: publish event failed",
				slog.String("event", string(ev.Kind)),
				slog.Uint64("market_id", uint64(ev.MarketID)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// refreshCache writes the committed snapshot over the cached one. The cache
// keeps whichever copy has the higher market version, so a reader that
// loaded an older snapshot cannot put it back afterwards. When the fresh
// snapshot cannot be stored the entry is dropped instead.
func (e *Engine) refreshCache(ctx context.Context, marketID uint32) {
	snap, err := e.Snapshot(ctx, marketID)
	if err == nil {
		err = e.cache.Set(ctx, snap)
	}
	if err == nil {
		return
	}
	e.logger.WarnContext(ctx, "engine: cache refresh failed",
		slog.Uint64("market_id", uint64(marketID)),
		slog.String("error", err.Error()),
	)
	if err := e.cache.Invalidate(ctx, marketID); err != nil {
		e.logger.WarnContext(ctx, "engine: cache invalidate failed",
			slog.Uint64("market_id", uint64(marketID)),
			slog.String("error", err.Error()),
		)
	}
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, domain.ErrOverflow
	}
	return sum, nil
}

func checkedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, domain.ErrOverflow
	}
	return diff, nil
}
