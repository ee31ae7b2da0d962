// Package exchange wraps a concrete exchange client with the idempotent
// order contract the engine relies on.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spot_engine/internal/core"
	"spot_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// TraceFunc records one exchange call for the tracer journal. May be nil.
type TraceFunc func(op, symbol string, latency time.Duration, err error)

// Options configure the wrapper.
type Options struct {
	OrderRate    float64       // orders per second
	OrderBurst   int           // burst capacity
	PollInterval time.Duration // wait_for_fill poll cadence
}

// Wrapper is the only module that talks to the exchange for order
// operations. It passes client order IDs through unchanged and never
// retries on its own; error classification belongs to the router.
type Wrapper struct {
	client core.ExchangeClient
	logger core.ILogger
	trace  TraceFunc

	rateLimiter  *rate.Limiter
	pollInterval time.Duration

	filtersMu sync.RWMutex
	filters   map[string]*core.SymbolFilters

	tracer      trace.Tracer
	latencyHist metric.Float64Histogram
}

// NewWrapper creates a wrapper around the given client.
func NewWrapper(client core.ExchangeClient, logger core.ILogger, opts Options, traceFn TraceFunc) *Wrapper {
	if opts.OrderRate <= 0 {
		opts.OrderRate = 25
	}
	if opts.OrderBurst <= 0 {
		opts.OrderBurst = 30
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}

	meter := telemetry.GetMeter("exchange-wrapper")
	latencyHist, _ := meter.Float64Histogram(telemetry.MetricExchangeLatency,
		metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))

	return &Wrapper{
		client:       client,
		logger:       logger.WithField("component", "exchange_wrapper"),
		trace:        traceFn,
		rateLimiter:  rate.NewLimiter(rate.Limit(opts.OrderRate), opts.OrderBurst),
		pollInterval: opts.PollInterval,
		filters:      make(map[string]*core.SymbolFilters),
		tracer:       telemetry.GetTracer("exchange-wrapper"),
		latencyHist:  latencyHist,
	}
}

// observe records latency and the tracer journal entry for one call.
func (w *Wrapper) observe(ctx context.Context, op, symbol string, start time.Time, err error) {
	elapsed := time.Since(start)
	w.latencyHist.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("symbol", symbol),
	))
	if w.trace != nil {
		w.trace(op, symbol, elapsed, err)
	}
}

// CreateMarketOrder submits a market order. ClientOrderID is required for
// idempotency; a missing one is logged and passed on unchanged.
func (w *Wrapper) CreateMarketOrder(ctx context.Context, symbol string, side core.Side,
	qty decimal.Decimal, params core.OrderParams) (*core.Order, error) {
	return w.createOrder(ctx, symbol, core.OrderTypeMarket, side, qty, decimal.Zero, params)
}

// CreateLimitOrder submits a limit order.
func (w *Wrapper) CreateLimitOrder(ctx context.Context, symbol string, side core.Side,
	qty, price decimal.Decimal, params core.OrderParams) (*core.Order, error) {
	return w.createOrder(ctx, symbol, core.OrderTypeLimit, side, qty, price, params)
}

func (w *Wrapper) createOrder(ctx context.Context, symbol string, typ core.OrderType,
	side core.Side, qty, price decimal.Decimal, params core.OrderParams) (*core.Order, error) {
	if params.ClientOrderID == "" {
		w.logger.Warn("Order submitted without client_order_id; retries will not be idempotent",
			"symbol", symbol, "side", side)
	}

	if err := w.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	ctx, span := w.tracer.Start(ctx, "CreateOrder", trace.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("side", string(side)),
		attribute.String("type", string(typ)),
	))
	defer span.End()

	start := time.Now()
	order, err := w.client.CreateOrder(ctx, symbol, typ, side, qty, price, params)
	w.observe(ctx, "create_order", symbol, start, err)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// WaitForFill polls the order at the configured cadence until it reaches a
// terminal status or the timeout elapses. Poll errors are retried at the
// same cadence without surfacing. The last observed state is returned at
// the deadline, which may still be open.
func (w *Wrapper) WaitForFill(ctx context.Context, symbol, orderID string, timeout time.Duration) (*core.FillResult, error) {
	deadline := time.Now().Add(timeout)
	last := &core.FillResult{Status: core.OrderStatusOpen}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		start := time.Now()
		order, err := w.client.FetchOrder(ctx, orderID, symbol)
		w.observe(ctx, "fetch_order", symbol, start, err)
		if err != nil {
			w.logger.Debug("Order poll failed, retrying", "order_id", orderID, "error", err.Error())
		} else {
			last = &core.FillResult{
				Status:    order.Status,
				Filled:    order.Filled,
				Remaining: order.Remaining,
				Average:   order.Average,
				FeeCost:   order.Fee.Cost,
			}
			if order.Status == core.OrderStatusClosed ||
				order.Status == core.OrderStatusCanceled ||
				order.Status == core.OrderStatusExpired {
				return last, nil
			}
		}

		if time.Now().After(deadline) {
			return last, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// FetchOrderTrades returns the executed trades of an order. Used
// exclusively by the reconciler.
func (w *Wrapper) FetchOrderTrades(ctx context.Context, symbol, orderID string) ([]core.Trade, error) {
	start := time.Now()
	trades, err := w.client.FetchOrderTrades(ctx, orderID, symbol)
	w.observe(ctx, "fetch_order_trades", symbol, start, err)
	return trades, err
}

// FetchOrder passes through to the client.
func (w *Wrapper) FetchOrder(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	start := time.Now()
	order, err := w.client.FetchOrder(ctx, orderID, symbol)
	w.observe(ctx, "fetch_order", symbol, start, err)
	return order, err
}

// CancelOrder passes through to the client.
func (w *Wrapper) CancelOrder(ctx context.Context, symbol, orderID string) error {
	start := time.Now()
	err := w.client.CancelOrder(ctx, orderID, symbol)
	w.observe(ctx, "cancel_order", symbol, start, err)
	return err
}

// FetchOpenOrders passes through to the client.
func (w *Wrapper) FetchOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	start := time.Now()
	orders, err := w.client.FetchOpenOrders(ctx, symbol)
	w.observe(ctx, "fetch_open_orders", symbol, start, err)
	return orders, err
}

// Filters returns the cached symbol filters, loading them on first use.
// The cache is process-wide and immutable per session.
func (w *Wrapper) Filters(ctx context.Context, symbol string) (*core.SymbolFilters, error) {
	w.filtersMu.RLock()
	f, ok := w.filters[symbol]
	w.filtersMu.RUnlock()
	if ok {
		return f, nil
	}

	start := time.Now()
	f, err := w.client.Market(ctx, symbol)
	w.observe(ctx, "market", symbol, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to load filters for %s: %w", symbol, err)
	}

	w.filtersMu.Lock()
	// First loader wins; filters are immutable per session.
	if cached, ok := w.filters[symbol]; ok {
		f = cached
	} else {
		w.filters[symbol] = f
	}
	w.filtersMu.Unlock()
	return f, nil
}
