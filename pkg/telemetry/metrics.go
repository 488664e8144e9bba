package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersSubmittedTotal  = "trading_bot_orders_submitted_total"
	MetricOrdersFilledTotal     = "trading_bot_orders_filled_total"
	MetricOrdersRejectedTotal   = "trading_bot_orders_rejected_total"
	MetricFillsAppliedTotal     = "trading_bot_fills_applied_total"
	MetricRiskDecisionsTotal    = "trading_bot_risk_decisions_total"
	MetricDiscrepanciesTotal    = "trading_bot_reconcile_discrepancies_total"
	MetricPnLRealizedTotal      = "trading_bot_pnl_realized_total"
	MetricOrdersActive          = "trading_bot_orders_active"
	MetricPositionSize          = "trading_bot_position_size"
	MetricSymbolHalted          = "trading_bot_symbol_halted"
	MetricEventQueueDepth       = "trading_bot_event_queue_depth"
	MetricSubmitLatency         = "trading_bot_submit_latency_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersSubmittedTotal metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrdersRejectedTotal  metric.Int64Counter
	FillsAppliedTotal    metric.Int64Counter
	RiskDecisionsTotal   metric.Int64Counter
	DiscrepanciesTotal   metric.Int64Counter
	PnLRealizedTotal     metric.Float64Counter
	OrdersActive         metric.Int64ObservableGauge
	PositionSize         metric.Float64ObservableGauge
	SymbolHalted         metric.Int64ObservableGauge
	EventQueueDepth      metric.Int64ObservableGauge
	SubmitLatency        metric.Float64Histogram

	// State for observable gauges
	mu              sync.RWMutex
	activeOrdersMap map[string]int64
	positionSizeMap map[string]float64
	haltedMap       map[string]int64
	queueDepth      int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeOrdersMap: make(map[string]int64),
			positionSizeMap: make(map[string]float64),
			haltedMap:       make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Total orders submitted to the venue"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders fully filled"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected (risk, venue or timeout)"))
	if err != nil {
		return err
	}

	m.FillsAppliedTotal, err = meter.Int64Counter(MetricFillsAppliedTotal, metric.WithDescription("Total fills applied to the ledger"))
	if err != nil {
		return err
	}

	m.RiskDecisionsTotal, err = meter.Int64Counter(MetricRiskDecisionsTotal, metric.WithDescription("Risk decisions by outcome"))
	if err != nil {
		return err
	}

	m.DiscrepanciesTotal, err = meter.Int64Counter(MetricDiscrepanciesTotal, metric.WithDescription("Reconciliation discrepancies by kind"))
	if err != nil {
		return err
	}

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.SubmitLatency, err = meter.Float64Histogram(MetricSubmitLatency, metric.WithDescription("Latency of venue submit round-trips"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.OrdersActive, err = meter.Int64ObservableGauge(MetricOrdersActive, metric.WithDescription("Number of currently open orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.activeOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current signed position size"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.SymbolHalted, err = meter.Int64ObservableGauge(MetricSymbolHalted, metric.WithDescription("Symbol halt state (1=halted, 0=trading)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.haltedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.EventQueueDepth, err = meter.Int64ObservableGauge(MetricEventQueueDepth, metric.WithDescription("Events waiting in the scheduler queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.queueDepth)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetActiveOrders records the open order count for a symbol
func (m *MetricsHolder) SetActiveOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrdersMap[symbol] = count
}

// SetPositionSize records the signed position for a symbol
func (m *MetricsHolder) SetPositionSize(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[symbol] = size
}

// SetSymbolHalted records the halt state for a symbol
func (m *MetricsHolder) SetSymbolHalted(symbol string, halted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if halted {
		m.haltedMap[symbol] = 1
	} else {
		m.haltedMap[symbol] = 0
	}
}

// SetQueueDepth records the scheduler queue depth
func (m *MetricsHolder) SetQueueDepth(depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = depth
}
