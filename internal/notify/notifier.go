// Package notify delivers operator alerts about market lifecycle events to
// chat channels (Telegram, Discord). Events are filtered by kind so operators
// receive only the alerts they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

// DefaultEvents are the kinds forwarded when no filter is configured.
var DefaultEvents = []string{
	string(domain.EventMarketInitialized),
	string(domain.EventMarketSettled),
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify forwards
// only allowed event kinds; NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that delivers to senders. An empty events
// list selects DefaultEvents; "*" allows every kind.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if len(events) == 0 {
		events = DefaultEvents
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Notify sends a notification to all senders if event is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.events["*"] && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// PublishEvent renders a market event and forwards it through Notify.
func (n *Notifier) PublishEvent(ctx context.Context, ev domain.MarketEvent) error {
	title, message := Render(ev)
	return n.Notify(ctx, string(ev.Kind), title, message)
}

// Render formats ev as a notification title and body.
func Render(ev domain.MarketEvent) (title, message string) {
	switch ev.Kind {
	case domain.EventMarketInitialized:
		title = fmt.Sprintf("Market %d initialized", ev.MarketID)
		message = fmt.Sprintf("authority %s", ev.Caller.Hex())
	case domain.EventMarketSettled:
		title = fmt.Sprintf("Market %d settled: outcome %s wins", ev.MarketID, ev.Outcome)
		message = fmt.Sprintf("collateral locked %d, settled by %s", ev.TotalCollateralLocked, ev.Caller.Hex())
	default:
		title = fmt.Sprintf("Market %d %s", ev.MarketID, ev.Kind)
		message = fmt.Sprintf("caller %s amount %d, collateral locked %d", ev.Caller.Hex(), ev.Amount, ev.TotalCollateralLocked)
	}
	return title, message
}

// dispatch sends to every sender; a failing sender does not stop delivery to
// the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
