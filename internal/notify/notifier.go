// Package notify delivers operator alerts to Twilio SMS, Telegram and Discord.
// Alerts are filtered by event type so operators receive only what they asked
// for; fatal alerts bypass the filter.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// Event types accepted by the filter.
const (
	EventTradeExecuted = "trade_executed"
	EventTradeFailed   = "trade_failed"
	EventError         = "error"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to its senders.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Only events listed in events pass Notify;
// an empty list allows everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Senders returns the names of the configured senders.
func (n *Notifier) Senders() []string {
	names := make([]string, len(n.senders))
	for i, s := range n.senders {
		names[i] = s.Name()
	}
	return names
}

// Notify sends message if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends message to every sender regardless of the filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch delivers to every sender. One failing sender does not stop the
// others; their errors are joined.
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

// TradeAlert describes the outcome of one actionable decision.
type TradeAlert struct {
	Description string
	Symbol      string
	Amount      decimal.Decimal
	Leverage    int
	Succeeded   bool
	Simulated   bool
}

// Event returns the filter event for the alert.
func (a TradeAlert) Event() string {
	if a.Succeeded {
		return EventTradeExecuted
	}
	return EventTradeFailed
}

// Message renders the alert body, e.g.
// "High-Confidence UP for tBTCF0:USTF0. Amt: 0.0015, Lev: 15. Status: Succeeded."
func (a TradeAlert) Message() string {
	status := "Failed"
	if a.Succeeded {
		status = "Succeeded"
	}
	msg := fmt.Sprintf("%s for %s. Amt: %s, Lev: %d. Status: %s.",
		a.Description, a.Symbol, a.Amount.String(), a.Leverage, status)
	if a.Simulated {
		msg += " (dry run)"
	}
	return msg
}
