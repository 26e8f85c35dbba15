package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

const (
	// EventStream is the durable stream every market event is appended to.
	EventStream = "market_events"
	// EventChannelPattern matches the live channel of every market.
	EventChannelPattern = "ch:market:*"
)

// EventChannel is the live Pub/Sub channel of one market.
func EventChannel(marketID uint32) string {
	return "ch:market:" + strconv.FormatUint(uint64(marketID), 10)
}

// EventPublisher implements domain.EventPublisher on a SignalBus: each event
// is appended to EventStream and published on its market's channel.
type EventPublisher struct {
	bus domain.SignalBus
}

// NewEventPublisher creates an EventPublisher over bus.
func NewEventPublisher(bus domain.SignalBus) *EventPublisher {
	return &EventPublisher{bus: bus}
}

// PublishEvent writes ev to the stream, then to the live channel.
func (p *EventPublisher) PublishEvent(ctx context.Context, ev domain.MarketEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event %s: %w", ev.ID, err)
	}
	if err := p.bus.StreamAppend(ctx, EventStream, payload); err != nil {
		return err
	}
	return p.bus.Publish(ctx, EventChannel(ev.MarketID), payload)
}

var _ domain.EventPublisher = (*EventPublisher)(nil)
