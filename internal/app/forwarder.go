package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

// ForwarderGroup is the consumer group every forwarder joins.
const ForwarderGroup = "event_forwarder"

// EventForwarder tails the durable event stream and hands each event to its
// sinks. Forwarders on every node join one consumer group, so each event
// reaches the sinks once no matter how many nodes run.
type EventForwarder struct {
	groups   domain.StreamGroups
	stream   string
	group    string
	consumer string
	startID  string
	ready    bool
	sinks    []domain.EventPublisher
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewEventForwarder joins the forwarder group on stream. The first forwarder
// to run creates the group and skips entries older than since; later ones
// continue from wherever the group is.
func NewEventForwarder(groups domain.StreamGroups, stream string, since time.Time, sinks []domain.EventPublisher, logger *slog.Logger) *EventForwarder {
	consumer := "forwarder-" + uuid.NewString()
	return &EventForwarder{
		groups:   groups,
		stream:   stream,
		group:    ForwarderGroup,
		consumer: consumer,
		// Stream ids are "<unix ms>-<seq>" and a group delivers ids strictly
		// after its position, so start at the last possible id of the
		// previous ms.
		startID:  fmt.Sprintf("%d-%d", since.UnixMilli()-1, uint64(math.MaxUint64)),
		sinks:    sinks,
		interval: 250 * time.Millisecond,
		batch:    100,
		logger: logger.With(
			slog.String("component", "event_forwarder"),
			slog.String("consumer", consumer),
		),
	}
}

// Run polls until ctx is cancelled.
func (f *EventForwarder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		if err := f.poll(ctx); err != nil && ctx.Err() == nil {
			f.logger.WarnContext(ctx, "stream read failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// poll drains every entry currently available to this consumer. Entries are
// acknowledged once their sinks have run, including malformed ones.
// TODO: reclaim entries left pending by a consumer that died mid-batch
// (XAUTOCLAIM); they are currently never redelivered.
func (f *EventForwarder) poll(ctx context.Context) error {
	if !f.ready {
		if err := f.groups.EnsureGroup(ctx, f.stream, f.group, f.startID); err != nil {
			return err
		}
		f.ready = true
	}
	for {
		msgs, err := f.groups.GroupRead(ctx, f.stream, f.group, f.consumer, f.batch)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(msgs))
		for _, msg := range msgs {
			ids = append(ids, msg.ID)
			var ev domain.MarketEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				f.logger.WarnContext(ctx, "skipping malformed event",
					slog.String("id", msg.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			f.dispatch(ctx, ev)
		}
		if err := f.groups.Ack(ctx, f.stream, f.group, ids...); err != nil {
			return err
		}
		if len(msgs) < f.batch {
			return nil
		}
	}
}

func (f *EventForwarder) dispatch(ctx context.Context, ev domain.MarketEvent) {
	for _, s := range f.sinks {
		if err := s.PublishEvent(ctx, ev); err != nil {
			f.logger.WarnContext(ctx, "sink failed",
				slog.String("event", string(ev.Kind)),
				slog.Uint64("market_id", uint64(ev.MarketID)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// fanout is an EventPublisher over a list that may grow after the engine
// is built.
type fanout struct {
	pubs []domain.EventPublisher
}

func (f *fanout) add(p domain.EventPublisher) {
	if p != nil {
		f.pubs = append(f.pubs, p)
	}
}

func (f *fanout) PublishEvent(ctx context.Context, ev domain.MarketEvent) error {
	var errs []error
	for _, p := range f.pubs {
		if err := p.PublishEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}
