package exchange

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// Simulator is the dry-run provider. It quotes real prices so that logged
// orders are realistic, but never sends anything to the exchange.
type Simulator struct {
	quoter Quoter
	logger *slog.Logger
	placed atomic.Int64
	now    func() time.Time
}

// NewSimulator creates a Simulator quoting through quoter.
func NewSimulator(quoter Quoter, logger *slog.Logger) *Simulator {
	return &Simulator{
		quoter: quoter,
		logger: logger.With(slog.String("component", "exchange_simulator")),
		now:    time.Now,
	}
}

// ReferencePrice implements Quoter.
func (s *Simulator) ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return s.quoter.ReferencePrice(ctx, symbol)
}

// PlaceLimitOrder logs the order and returns a simulated receipt.
func (s *Simulator) PlaceLimitOrder(ctx context.Context, intent domain.OrderIntent) (domain.OrderReceipt, error) {
	receipt := domain.OrderReceipt{
		OrderID:     "sim-" + uuid.NewString(),
		Status:      "SIMULATED",
		Message:     "dry run: order not sent",
		Simulated:   true,
		SubmittedAt: s.now(),
	}
	s.placed.Add(1)

	s.logger.InfoContext(ctx, "simulated order",
		slog.String("order_id", receipt.OrderID),
		slog.String("symbol", intent.Symbol),
		slog.String("side", string(intent.Side)),
		slog.String("amount", intent.Amount.String()),
		slog.Int("leverage", intent.Leverage),
		slog.String("reference_price", intent.ReferencePrice.String()),
		slog.String("limit_price", intent.LimitPrice.String()),
		slog.String("description", intent.Description),
	)
	return receipt, nil
}

// Simulated implements Provider.
func (s *Simulator) Simulated() bool { return true }

// Placed returns how many simulated orders were logged.
func (s *Simulator) Placed() int64 { return s.placed.Load() }
