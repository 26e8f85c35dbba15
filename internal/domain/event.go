package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind names a committed engine operation.
type EventKind string

const (
	EventMarketInitialized EventKind = "market_initialized"
	EventSplit             EventKind = "split"
	EventMerge             EventKind = "merge"
	EventMarketSettled     EventKind = "market_settled"
	EventClaim             EventKind = "claim"
)

// MarketEvent records one committed operation. Events are emitted after the
// transaction commits and are informational only.
type MarketEvent struct {
	ID                    uuid.UUID `json:"id"`
	Kind                  EventKind `json:"kind"`
	MarketID              uint32    `json:"market_id"`
	Caller                Address   `json:"caller"`
	Amount                uint64    `json:"amount"`
	Outcome               Outcome   `json:"outcome,omitempty"`
	TotalCollateralLocked uint64    `json:"total_collateral_locked"`
	At                    time.Time `json:"at"`
}

// EventPublisher fans committed events out to subscribers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev MarketEvent) error
}
