package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names.
const (
	MetricOrdersPlacedTotal   = "spot_engine_orders_placed_total"
	MetricOrdersFilledTotal   = "spot_engine_orders_filled_total"
	MetricOrderFailuresTotal  = "spot_engine_order_failures_total"
	MetricOrderRetriesTotal   = "spot_engine_order_retries_total"
	MetricTransitionsTotal    = "spot_engine_fsm_transitions_total"
	MetricInvalidTransitions  = "spot_engine_fsm_invalid_transitions_total"
	MetricTradesCompleted     = "spot_engine_trades_completed_total"
	MetricRealizedPnLTotal    = "spot_engine_pnl_realized_total"
	MetricVolumeTotal         = "spot_engine_volume_total"
	MetricRateLimitHitsTotal  = "spot_engine_rate_limit_hits_total"
	MetricOpenPositions       = "spot_engine_open_positions"
	MetricReservedBudget      = "spot_engine_reserved_budget"
	MetricFreeCash            = "spot_engine_free_cash"
	MetricPositionSize        = "spot_engine_position_size"
	MetricUnrealizedPnL       = "spot_engine_pnl_unrealized"
	MetricSymbolsInError      = "spot_engine_symbols_in_error"
	MetricExchangeLatency     = "spot_engine_latency_exchange_ms"
	MetricTickDuration        = "spot_engine_tick_duration_ms"
)

// MetricsHolder holds the initialized instruments plus the state backing the
// observable gauges.
type MetricsHolder struct {
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFilledTotal  metric.Int64Counter
	OrderFailuresTotal metric.Int64Counter
	OrderRetriesTotal  metric.Int64Counter
	TransitionsTotal   metric.Int64Counter
	InvalidTransitions metric.Int64Counter
	TradesCompleted    metric.Int64Counter
	RealizedPnLTotal   metric.Float64Counter
	VolumeTotal        metric.Float64Counter
	RateLimitHitsTotal metric.Int64Counter

	OpenPositions  metric.Int64ObservableGauge
	ReservedBudget metric.Float64ObservableGauge
	FreeCash       metric.Float64ObservableGauge
	PositionSize   metric.Float64ObservableGauge
	UnrealizedPnL  metric.Float64ObservableGauge
	SymbolsInError metric.Int64ObservableGauge

	ExchangeLatency metric.Float64Histogram
	TickDuration    metric.Float64Histogram

	mu              sync.RWMutex
	openPositions   int64
	reservedBudget  float64
	freeCash        float64
	symbolsInError  int64
	positionSizeMap map[string]float64
	unrealizedMap   map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments are
// created against the global meter provider, which delegates to the real
// provider once Setup installs it, so callers may record before Setup runs.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			positionSizeMap: make(map[string]float64),
			unrealizedMap:   make(map[string]float64),
		}
		if err := globalMetrics.InitMetrics(GetMeter("spot_engine")); err != nil {
			otel.Handle(err)
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Total orders placed")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal,
		metric.WithDescription("Total orders filled")); err != nil {
		return err
	}
	if m.OrderFailuresTotal, err = meter.Int64Counter(MetricOrderFailuresTotal,
		metric.WithDescription("Total order placement failures")); err != nil {
		return err
	}
	if m.OrderRetriesTotal, err = meter.Int64Counter(MetricOrderRetriesTotal,
		metric.WithDescription("Total order placement retries")); err != nil {
		return err
	}
	if m.TransitionsTotal, err = meter.Int64Counter(MetricTransitionsTotal,
		metric.WithDescription("Total state machine transitions")); err != nil {
		return err
	}
	if m.InvalidTransitions, err = meter.Int64Counter(MetricInvalidTransitions,
		metric.WithDescription("Events with no entry in the transition table")); err != nil {
		return err
	}
	if m.TradesCompleted, err = meter.Int64Counter(MetricTradesCompleted,
		metric.WithDescription("Round trips completed (entry plus matched exit)")); err != nil {
		return err
	}
	if m.RealizedPnLTotal, err = meter.Float64Counter(MetricRealizedPnLTotal,
		metric.WithDescription("Cumulative realized profit/loss")); err != nil {
		return err
	}
	if m.VolumeTotal, err = meter.Float64Counter(MetricVolumeTotal,
		metric.WithDescription("Total traded volume in quote currency")); err != nil {
		return err
	}
	if m.RateLimitHitsTotal, err = meter.Int64Counter(MetricRateLimitHitsTotal,
		metric.WithDescription("Exchange rate limit responses observed")); err != nil {
		return err
	}

	if m.ExchangeLatency, err = meter.Float64Histogram(MetricExchangeLatency,
		metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.TickDuration, err = meter.Float64Histogram(MetricTickDuration,
		metric.WithDescription("Duration of one engine tick"), metric.WithUnit("ms")); err != nil {
		return err
	}

	if m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions,
		metric.WithDescription("Number of currently open positions"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPositions)
			return nil
		})); err != nil {
		return err
	}
	if m.ReservedBudget, err = meter.Float64ObservableGauge(MetricReservedBudget,
		metric.WithDescription("Quote budget currently reserved against in-flight orders"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.reservedBudget)
			return nil
		})); err != nil {
		return err
	}
	if m.FreeCash, err = meter.Float64ObservableGauge(MetricFreeCash,
		metric.WithDescription("Unreserved quote budget"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.freeCash)
			return nil
		})); err != nil {
		return err
	}
	if m.SymbolsInError, err = meter.Int64ObservableGauge(MetricSymbolsInError,
		metric.WithDescription("Symbols currently in the ERROR phase"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.symbolsInError)
			return nil
		})); err != nil {
		return err
	}
	if m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize,
		metric.WithDescription("Current position size per symbol"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.UnrealizedPnL, err = meter.Float64ObservableGauge(MetricUnrealizedPnL,
		metric.WithDescription("Unrealized PnL per symbol"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		})); err != nil {
		return err
	}

	return nil
}

// SetOpenPositions updates the open-position gauge.
func (m *MetricsHolder) SetOpenPositions(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = n
}

// SetBudget updates the reserved/free budget gauges.
func (m *MetricsHolder) SetBudget(reserved, free float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservedBudget = reserved
	m.freeCash = free
}

// SetSymbolsInError updates the error-phase gauge.
func (m *MetricsHolder) SetSymbolsInError(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbolsInError = n
}

// SetPositionSize updates the per-symbol position size gauge.
func (m *MetricsHolder) SetPositionSize(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size == 0 {
		delete(m.positionSizeMap, symbol)
		return
	}
	m.positionSizeMap[symbol] = size
}

// SetUnrealizedPnL updates the per-symbol unrealized PnL gauge.
func (m *MetricsHolder) SetUnrealizedPnL(symbol string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pnl == 0 {
		delete(m.unrealizedMap, symbol)
		return
	}
	m.unrealizedMap[symbol] = pnl
}
