// Package feed keeps the reference price cache warm from the exchange
// websocket so that decisions rarely wait on a REST quote.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/platform/bitfinex"
)

const (
	dialTimeout    = 15 * time.Second
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

// StatusFeed subscribes to the Bitfinex derivatives status channel for the
// given symbols and writes every reference price into a PriceCache. It
// reconnects on disconnect.
type StatusFeed struct {
	wsURL     string
	symbols   []string
	cache     domain.PriceCache
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewStatusFeed creates a feed for symbols.
func NewStatusFeed(wsURL string, symbols []string, cache domain.PriceCache, logger *slog.Logger) *StatusFeed {
	return &StatusFeed{
		wsURL:   wsURL,
		symbols: symbols,
		cache:   cache,
		logger:  logger.With(slog.String("component", "status_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects, subscribes, and runs until ctx is cancelled or Close is
// called. Reconnects with exponential backoff.
func (f *StatusFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		start := time.Now()
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-f.done:
			return nil
		default:
		}

		// A connection that stayed up for a while resets the backoff.
		if time.Since(start) > maxBackoff {
			backoff = initialBackoff
		}
		f.logger.Warn("status feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (f *StatusFeed) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	client, err := bitfinex.DialWS(dialCtx, f.wsURL)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	for _, symbol := range f.symbols {
		if err := client.SubscribeStatus(symbol); err != nil {
			return err
		}
	}
	f.logger.Info("status feed subscribed", slog.Int("symbols", len(f.symbols)))

	// Close the connection when the feed is closed.
	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-f.done:
			stop()
		case <-connCtx.Done():
		}
	}()

	return client.Run(connCtx, func(s bitfinex.DerivStatus) {
		f.handleStatus(connCtx, s)
	})
}

func (f *StatusFeed) handleStatus(ctx context.Context, s bitfinex.DerivStatus) {
	price, ok := s.ReferencePrice()
	if !ok {
		return
	}
	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := f.cache.SetPrice(ctx, s.Symbol, price, ts); err != nil {
		f.logger.WarnContext(ctx, "price cache write failed",
			slog.String("symbol", s.Symbol),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops the feed.
func (f *StatusFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
