package exchange

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// CachedQuoter serves prices pushed by the websocket feed while they are
// fresh, and falls back to a REST quote otherwise.
type CachedQuoter struct {
	cache    domain.PriceCache
	fallback Quoter
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewCachedQuoter creates a CachedQuoter. A nil cache or a zero maxAge sends
// every request to fallback.
func NewCachedQuoter(cache domain.PriceCache, fallback Quoter, maxAge time.Duration, logger *slog.Logger) *CachedQuoter {
	return &CachedQuoter{
		cache:    cache,
		fallback: fallback,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "quoter")),
		now:      time.Now,
	}
}

// ReferencePrice implements Quoter.
func (q *CachedQuoter) ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if q.cache != nil && q.maxAge > 0 {
		price, ts, err := q.cache.GetPrice(ctx, symbol)
		switch {
		case err == nil && price.IsPositive() && q.now().Sub(ts) <= q.maxAge:
			return price, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			q.logger.WarnContext(ctx, "price cache read failed, using REST",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	price, err := q.fallback.ReferencePrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	if q.cache != nil {
		if err := q.cache.SetPrice(ctx, symbol, price, q.now()); err != nil {
			q.logger.WarnContext(ctx, "price cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return price, nil
}
