// Package exchange holds the execution providers the dispatcher trades
// through: the live Bitfinex adapter and the dry-run simulator. Both satisfy
// Provider, so dry-run is a matter of which one is wired.
package exchange

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/platform/bitfinex"
)

// Quoter supplies reference prices.
type Quoter interface {
	ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Provider is the execution contract. PlaceLimitOrder failures wrap one of
// domain.ErrRejectedByExchange, domain.ErrTransientNetwork or
// domain.ErrAuthentication.
type Provider interface {
	Quoter
	PlaceLimitOrder(ctx context.Context, intent domain.OrderIntent) (domain.OrderReceipt, error)
	// Simulated reports whether orders placed through the provider are fake.
	Simulated() bool
}

// OrderSubmitter submits signed limit orders. Implemented by *bitfinex.Client.
type OrderSubmitter interface {
	SubmitLimitOrder(ctx context.Context, intent domain.OrderIntent) (domain.OrderReceipt, error)
}

var _ OrderSubmitter = (*bitfinex.Client)(nil)

// Live places real orders on the exchange.
type Live struct {
	submitter OrderSubmitter
	quoter    Quoter
	logger    *slog.Logger
}

// NewLive creates a Live provider. Prices come from quoter, which is usually a
// CachedQuoter over the same client.
func NewLive(submitter OrderSubmitter, quoter Quoter, logger *slog.Logger) *Live {
	return &Live{
		submitter: submitter,
		quoter:    quoter,
		logger:    logger.With(slog.String("component", "exchange_live")),
	}
}

// ReferencePrice implements Quoter.
func (l *Live) ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return l.quoter.ReferencePrice(ctx, symbol)
}

// PlaceLimitOrder submits intent to the exchange.
func (l *Live) PlaceLimitOrder(ctx context.Context, intent domain.OrderIntent) (domain.OrderReceipt, error) {
	receipt, err := l.submitter.SubmitLimitOrder(ctx, intent)
	if err != nil {
		l.logger.WarnContext(ctx, "order submission failed",
			slog.Int64("cid", intent.ClientOrderID),
			slog.String("symbol", intent.Symbol),
			slog.String("side", string(intent.Side)),
			slog.String("amount", intent.Amount.String()),
			slog.String("limit_price", intent.LimitPrice.String()),
			slog.String("error", err.Error()),
		)
		return domain.OrderReceipt{}, fmt.Errorf("exchange: place order: %w", err)
	}

	l.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", receipt.OrderID),
		slog.Int64("cid", intent.ClientOrderID),
		slog.String("symbol", intent.Symbol),
		slog.String("side", string(intent.Side)),
		slog.String("amount", intent.Amount.String()),
		slog.Int("leverage", intent.Leverage),
		slog.String("limit_price", intent.LimitPrice.String()),
	)
	return receipt, nil
}

// Simulated implements Provider.
func (l *Live) Simulated() bool { return false }
