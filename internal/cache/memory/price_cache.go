// Package memory provides in-process implementations of domain caches for
// deployments without Redis.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

type priceEntry struct {
	price decimal.Decimal
	ts    time.Time
}

// PriceCache implements domain.PriceCache with a mutex-guarded map.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]priceEntry
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]priceEntry)}
}

// SetPrice stores the latest price for symbol. Older timestamps never replace
// newer ones.
func (c *PriceCache) SetPrice(_ context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.prices[symbol]; ok && cur.ts.After(ts) {
		return nil
	}
	c.prices[symbol] = priceEntry{price: price, ts: ts}
	return nil
}

// GetPrice returns the latest price or domain.ErrNotFound.
func (c *PriceCache) GetPrice(_ context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.prices[symbol]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return e.price, e.ts, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
