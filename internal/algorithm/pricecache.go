package algorithm

import (
	"context"
	"sync"
	"time"

	"algonline/internal/core"

	"github.com/shopspring/decimal"
)

// PriceCache is the per-algorithm price cell. Decisions read the cached value
// instead of calling the exchange; a staleness of one refresh interval is
// acceptable by design of the order path.
type PriceCache struct {
	mu      sync.RWMutex
	price   decimal.Decimal
	updated time.Time
}

func NewPriceCache(initial decimal.Decimal) *PriceCache {
	return &PriceCache{price: initial, updated: time.Now()}
}

func (p *PriceCache) Price() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.price
}

func (p *PriceCache) Set(price decimal.Decimal) {
	p.mu.Lock()
	p.price = price
	p.updated = time.Now()
	p.mu.Unlock()
}

// Updated reports when the cell last changed.
func (p *PriceCache) Updated() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.updated
}

// StartRefresher updates the cell from fetch every interval until ctx ends.
// Fetch failures keep the previous value.
func (p *PriceCache) StartRefresher(ctx context.Context, interval time.Duration, fetch func(context.Context) (decimal.Decimal, error), logger core.ILogger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				price, err := fetch(ctx)
				if err != nil {
					logger.Warn("Price refresh failed", "error", err)
					continue
				}
				p.Set(price)
			}
		}
	}()
}
