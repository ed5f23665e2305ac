package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTicksProcessedTotal   = "algonline_ticks_processed_total"
	MetricOrdersPlacedTotal     = "algonline_orders_placed_total"
	MetricOrdersRejectedTotal   = "algonline_orders_rejected_total"
	MetricScriptRestartsTotal   = "algonline_script_restarts_total"
	MetricLedgerInsertsTotal    = "algonline_ledger_inserts_total"
	MetricAlgorithmsActive      = "algonline_algorithms_active"
	MetricAlgorithmBalance      = "algonline_algorithm_balance"
	MetricLatencyExchange       = "algonline_latency_exchange_ms"
	MetricLatencyScriptDecision = "algonline_latency_script_decision_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TicksProcessedTotal   metric.Int64Counter
	OrdersPlacedTotal     metric.Int64Counter
	OrdersRejectedTotal   metric.Int64Counter
	ScriptRestartsTotal   metric.Int64Counter
	LedgerInsertsTotal    metric.Int64Counter
	AlgorithmsActive      metric.Int64ObservableGauge
	AlgorithmBalance      metric.Float64ObservableGauge
	LatencyExchange       metric.Float64Histogram
	LatencyScriptDecision metric.Float64Histogram

	// State for observable gauges
	mu             sync.RWMutex
	activeCount    int64
	balanceByAlgID map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			balanceByAlgID: make(map[string]float64),
		}
		// Instrument initialization happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TicksProcessedTotal, err = meter.Int64Counter(MetricTicksProcessedTotal, metric.WithDescription("Candlestick ticks handed to script hosts"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Orders accepted by the exchange"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Orders rejected before or by the exchange"))
	if err != nil {
		return err
	}

	m.ScriptRestartsTotal, err = meter.Int64Counter(MetricScriptRestartsTotal, metric.WithDescription("Script host restart attempts"))
	if err != nil {
		return err
	}

	m.LedgerInsertsTotal, err = meter.Int64Counter(MetricLedgerInsertsTotal, metric.WithDescription("Rows appended to the trade ledger"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.LatencyScriptDecision, err = meter.Float64Histogram(MetricLatencyScriptDecision, metric.WithDescription("Round trip of one tick through the script host"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.AlgorithmsActive, err = meter.Int64ObservableGauge(MetricAlgorithmsActive, metric.WithDescription("Number of currently running algorithms"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.activeCount)
			return nil
		}))
	if err != nil {
		return err
	}

	m.AlgorithmBalance, err = meter.Float64ObservableGauge(MetricAlgorithmBalance, metric.WithDescription("Last computed balance per algorithm, quote asset"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for id, val := range m.balanceByAlgID {
				obs.Observe(val, metric.WithAttributes(attribute.String("algorithm_id", id)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetActiveAlgorithms(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeCount = count
}

func (m *MetricsHolder) SetAlgorithmBalance(algorithmID string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceByAlgID[algorithmID] = balance
}

func (m *MetricsHolder) ClearAlgorithmBalance(algorithmID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.balanceByAlgID, algorithmID)
}
