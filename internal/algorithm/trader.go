package algorithm

import (
	"context"
	"strconv"
	"strings"

	"algonline/internal/core"
	"algonline/internal/ledger"
	apperrors "algonline/pkg/errors"
	"algonline/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// orderPlacer submits one market order. The running pipeline uses the
// persistent order channel; the first-order helper uses the REST transport.
type orderPlacer interface {
	PlaceOrder(params map[string]string) error
}

// accountSource answers the real account balance as (quote, base).
type accountSource interface {
	Balance(ctx context.Context) (decimal.Decimal, decimal.Decimal, error)
}

// trader turns decision values into orders. Every decision must clear two
// books: the algorithm's virtual funds derived from the ledger, and the real
// account balance on the exchange. A refused or failed order never touches
// the ledger.
type trader struct {
	algorithmID string
	symbol      string
	store       ledger.Store
	account     accountSource
	orders      orderPlacer
	prices      *PriceCache
	logger      core.ILogger
}

// Process handles one decision value: zero is a no-op, positive buys that
// many units of the base asset, negative sells the absolute amount.
func (t *trader) Process(ctx context.Context, r float64) error {
	switch {
	case r == 0:
		return nil
	case r > 0:
		return t.buy(ctx, decimal.NewFromFloat(r))
	default:
		return t.sell(ctx, decimal.NewFromFloat(-r))
	}
}

func (t *trader) buy(ctx context.Context, quantity decimal.Decimal) error {
	price := t.prices.Price()
	cost := quantity.Mul(price)

	funds, err := t.store.CurrentFunds(ctx, t.algorithmID)
	if err != nil {
		return err
	}
	// Driving the virtual quote pool to exactly zero is allowed.
	if funds.Quote.Sub(cost).IsNegative() {
		return apperrors.Algorithm("Insufficient algorithm funds.")
	}

	accountQuote, _, err := t.account.Balance(ctx)
	if err != nil {
		return err
	}
	if accountQuote.LessThan(cost) {
		return apperrors.Algorithm("Insufficient account funds")
	}

	orderID := newOrderID()
	if err := t.orders.PlaceOrder(t.orderParams("BUY", quantity, orderID)); err != nil {
		return err
	}

	return t.record(ctx, core.LedgerEntry{
		AlgorithmID: t.algorithmID,
		OrderID:     orderID,
		Action:      core.ActionBuy,
		DeltaBase:   quantity,
		DeltaQuote:  cost.Neg(),
		Price:       price,
	})
}

func (t *trader) sell(ctx context.Context, quantity decimal.Decimal) error {
	price := t.prices.Price()
	proceeds := quantity.Mul(price)

	funds, err := t.store.CurrentFunds(ctx, t.algorithmID)
	if err != nil {
		return err
	}
	if funds.Base.Sub(quantity).IsNegative() {
		return apperrors.Algorithm("Insufficient algorithm funds.")
	}

	_, accountBase, err := t.account.Balance(ctx)
	if err != nil {
		return err
	}
	if accountBase.LessThan(quantity) {
		return apperrors.Algorithm("Insufficient account funds")
	}

	orderID := newOrderID()
	if err := t.orders.PlaceOrder(t.orderParams("SELL", quantity, orderID)); err != nil {
		return err
	}

	return t.record(ctx, core.LedgerEntry{
		AlgorithmID: t.algorithmID,
		OrderID:     orderID,
		Action:      core.ActionSell,
		DeltaBase:   quantity.Neg(),
		DeltaQuote:  proceeds,
		Price:       price,
	})
}

func (t *trader) orderParams(side string, quantity decimal.Decimal, orderID string) map[string]string {
	return map[string]string{
		"symbol":           t.symbol,
		"side":             side,
		"type":             "MARKET",
		"quantity":         quantity.String(),
		"newClientOrderId": orderID,
	}
}

func (t *trader) record(ctx context.Context, entry core.LedgerEntry) error {
	if err := t.store.AppendEntry(ctx, entry); err != nil {
		return err
	}
	if m := telemetry.GetGlobalMetrics(); m.OrdersPlacedTotal != nil {
		m.OrdersPlacedTotal.Add(ctx, 1)
	}
	if m := telemetry.GetGlobalMetrics(); m.LedgerInsertsTotal != nil {
		m.LedgerInsertsTotal.Add(ctx, 1)
	}
	t.logger.Info("Order recorded", "order_id", entry.OrderID, "action", string(entry.Action),
		"base", entry.DeltaBase.String(), "quote", entry.DeltaQuote.String(), "price", entry.Price.String())
	return nil
}

// newOrderID generates a 12-character alphanumeric client order id.
func newOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// parseDecision parses one drain frame: a UTF-8 decimal float string.
func parseDecision(frame []byte) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(frame)), 64)
	if err != nil {
		return 0, apperrors.Parse("decision %q: %v", string(frame), err)
	}
	return v, nil
}
