// Package ledger is the append-only trade ledger. Every algorithm's funds are
// a virtual book derived by aggregating its history rows over a start budget;
// balances are never stored, only computed.
package ledger

import (
	"context"
	"time"

	"algonline/internal/core"

	"github.com/shopspring/decimal"
)

// Notification is one freshly appended ledger row, pushed to chart
// subscribers. Field names follow the history table columns so the payload of
// a Postgres row_to_json trigger decodes into it directly. Anchor rows carry
// a null action and zero deltas.
type Notification struct {
	AlgorithmID string          `json:"algorithm_id"`
	OrderID     string          `json:"order_id"`
	Action      *core.Action    `json:"action"`
	DeltaBase   decimal.Decimal `json:"btc"`
	DeltaQuote  decimal.Decimal `json:"usdt"`
	Price       decimal.Decimal `json:"btc_price"`
	CreatedAt   time.Time       `json:"created_at"`
}

func notificationFor(e core.LedgerEntry) Notification {
	n := Notification{
		AlgorithmID: e.AlgorithmID,
		OrderID:     e.OrderID,
		DeltaBase:   e.DeltaBase,
		DeltaQuote:  e.DeltaQuote,
		Price:       e.Price,
		CreatedAt:   e.CreatedAt,
	}
	if e.Action != core.ActionNone {
		action := e.Action
		n.Action = &action
	}
	return n
}

// Store is the persistence surface of the platform: algorithm registrations,
// the append-only history, the aggregations derived from it and the user
// credential lookup for session authentication.
type Store interface {
	// InsertAlgorithm registers an algorithm. The tick interval must be one
	// of core.KlineIntervals.
	InsertAlgorithm(ctx context.Context, algo core.Algorithm) error

	// GetAlgorithm returns the registration record for the id.
	GetAlgorithm(ctx context.Context, id string) (core.Algorithm, error)

	// DeleteAlgorithm removes the registration together with its history.
	DeleteAlgorithm(ctx context.Context, id string) error

	// ListAlgorithmIDs returns every registered algorithm id.
	ListAlgorithmIDs(ctx context.Context) ([]string, error)

	// CurrentFunds derives the virtual book: start funds plus the sum of
	// quote deltas, and the sum of base deltas.
	CurrentFunds(ctx context.Context, id string) (core.FundView, error)

	// AppendEntry appends one row to the history and notifies subscribers.
	AppendEntry(ctx context.Context, entry core.LedgerEntry) error

	// Chart returns the balance curve at the requested resolution.
	Chart(ctx context.Context, id string, interval core.ChartInterval) ([]core.ChartPoint, error)

	// HistoryPage returns up to limit trade rows (anchor rows excluded)
	// strictly older than before, newest first.
	HistoryPage(ctx context.Context, id string, before time.Time, limit int) ([]core.LedgerEntry, error)

	// Reset deletes the algorithm's history and replaces its start funds.
	Reset(ctx context.Context, id string, startFunds decimal.Decimal) error

	// InsertAnchors appends one zero-delta row at the given price for every
	// registered algorithm, atomically.
	InsertAnchors(ctx context.Context, price decimal.Decimal, at time.Time) error

	// UserKeysBySession resolves a session token to the user's exchange
	// credentials.
	UserKeysBySession(ctx context.Context, sessionToken string) (apiKey, apiSecret string, err error)

	// Subscribe delivers notifications for one algorithm until cancel is
	// called. Slow subscribers drop notifications rather than block writers.
	Subscribe(ctx context.Context, algorithmID string) (<-chan Notification, func(), error)

	Close() error
}

// chartRow is one history row in ledger order, the raw material of a chart.
type chartRow struct {
	createdAt  time.Time
	deltaBase  decimal.Decimal
	deltaQuote decimal.Decimal
	price      decimal.Decimal
}

// buildChart folds history rows into the balance curve: running sums of the
// deltas valued at each row's own price, then thinned to the first point per
// resolution window.
func buildChart(startFunds decimal.Decimal, rows []chartRow, interval core.ChartInterval) []core.ChartPoint {
	points := make([]core.ChartPoint, 0, len(rows))
	quote := startFunds
	base := decimal.Zero
	for _, r := range rows {
		quote = quote.Add(r.deltaQuote)
		base = base.Add(r.deltaBase)
		points = append(points, core.ChartPoint{
			Timestamp: r.createdAt,
			Total:     quote.Add(base.Mul(r.price)),
			Quote:     quote,
			Base:      base,
		})
	}

	window := interval.Window()
	if window == 0 {
		return points
	}

	filtered := points[:0]
	var last time.Time
	for _, p := range points {
		if len(filtered) == 0 || p.Timestamp.Sub(last) >= window {
			filtered = append(filtered, p)
			last = p.Timestamp
		}
	}
	return filtered
}
