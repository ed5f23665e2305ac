package algorithm

import (
	"context"
	"time"

	"algonline/internal/core"
	"algonline/internal/ledger"

	"github.com/shopspring/decimal"
)

// AnchorTask periodically appends a zero-delta ledger row at the current
// price for every registered algorithm, keeping balance charts dense while
// trading is quiet.
type AnchorTask struct {
	Store    ledger.Store
	Price    func(ctx context.Context) (decimal.Decimal, error)
	Interval time.Duration
	Logger   core.ILogger
}

// Run anchors until ctx ends. A failed price fetch or insert skips the round.
func (a *AnchorTask) Run(ctx context.Context) {
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			price, err := a.Price(ctx)
			if err != nil {
				a.Logger.Warn("Anchor price fetch failed", "error", err)
				continue
			}
			if err := a.Store.InsertAnchors(ctx, price, time.Now()); err != nil {
				a.Logger.Warn("Anchor insert failed", "error", err)
			}
		}
	}
}
