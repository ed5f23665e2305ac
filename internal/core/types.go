package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CandleStick is one OHLCV sample. Timestamp is the candle close time in
// milliseconds since epoch. This is the single frame type crossing the
// exchange stream, the shared-memory handoff and the script-host socket.
type CandleStick struct {
	Timestamp uint64  `json:"timestamp"`
	Open      float64 `json:"open"`
	Close     float64 `json:"close"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Volume    float64 `json:"volume"`
}

// Action is the side of a ledger entry. Price-anchor rows carry ActionNone.
type Action string

const (
	ActionNone Action = ""
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// LedgerEntry is one append-only row of an algorithm's trade history.
// DeltaBase and DeltaQuote are signed: a BUY has DeltaBase > 0 and
// DeltaQuote < 0, a SELL the inverse, a price anchor both zero.
type LedgerEntry struct {
	AlgorithmID string          `json:"algorithm_id"`
	OrderID     string          `json:"order_id"`
	Action      Action          `json:"action"`
	DeltaBase   decimal.Decimal `json:"base"`
	DeltaQuote  decimal.Decimal `json:"quote"`
	Price       decimal.Decimal `json:"price"`
	CreatedAt   time.Time       `json:"created_at"`
}

// FundView is the virtual book of an algorithm, derived from the ledger by
// aggregation. Quote = start funds + sum of quote deltas, Base = sum of base
// deltas. Never cached.
type FundView struct {
	Quote decimal.Decimal
	Base  decimal.Decimal
}

// Balance converts the view into quote-asset terms at the given price.
func (f FundView) Balance(price decimal.Decimal) decimal.Decimal {
	return f.Quote.Add(f.Base.Mul(price))
}

// ChartPoint is one derived point of an algorithm's balance curve.
type ChartPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Total     decimal.Decimal `json:"total"`
	Quote     decimal.Decimal `json:"quote"`
	Base      decimal.Decimal `json:"base"`
}

// ChartInterval is the x-axis resolution of a balance chart.
type ChartInterval int

const (
	ChartAll ChartInterval = iota
	ChartHourly
	ChartDaily
)

// ParseChartInterval parses a chart resolution name (case-insensitive).
func ParseChartInterval(s string) (ChartInterval, error) {
	switch strings.ToUpper(s) {
	case "ALL":
		return ChartAll, nil
	case "HOURLY":
		return ChartHourly, nil
	case "DAILY":
		return ChartDaily, nil
	}
	return ChartAll, fmt.Errorf("invalid chart interval: %s", s)
}

// Window returns the filtering window of the resolution, or zero for ChartAll.
func (c ChartInterval) Window() time.Duration {
	switch c {
	case ChartHourly:
		return time.Hour
	case ChartDaily:
		return 24 * time.Hour
	}
	return 0
}

// KlineIntervals is the closed set of tick intervals an algorithm may use.
var KlineIntervals = []string{"1s", "1m", "5m", "15m", "30m", "1h", "2h", "12h", "1d", "3d"}

// ValidKlineInterval reports whether the interval is in the allowed set.
func ValidKlineInterval(interval string) bool {
	for _, i := range KlineIntervals {
		if i == interval {
			return true
		}
	}
	return false
}

// Algorithm is the immutable registration record of one trading algorithm.
// StartFunds is the quote-asset budget the virtual book starts from; it only
// changes through reset.
type Algorithm struct {
	ID          string
	Description string
	StartFunds  decimal.Decimal
	Interval    string
	RunEverySec int
	PrependMs   int64
	UserID      int
}
