package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeClient is the minimum surface the engine needs from a concrete
// exchange SDK. Implementations must honour ClientOrderID for idempotency:
// resubmitting with the same ID must not create a second order.
type ExchangeClient interface {
	CreateOrder(ctx context.Context, symbol string, typ OrderType, side Side,
		amount, price decimal.Decimal, params OrderParams) (*Order, error)
	FetchOrder(ctx context.Context, orderID, symbol string) (*Order, error)
	FetchOrderTrades(ctx context.Context, orderID, symbol string) ([]Trade, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	Market(ctx context.Context, symbol string) (*SymbolFilters, error)
}

// MarketData supplies fresh per-symbol snapshots each tick.
// Snapshot returns nil when no sufficiently fresh data is available.
type MarketData interface {
	Snapshot(ctx context.Context, symbol string) *Ticker
	Snapshots(ctx context.Context, symbols []string) map[string]*Ticker
}

// SignalEvaluator is the stateful buy-trigger collaborator. The engine feeds
// every tick's last price via Update; Evaluate answers the entry question.
type SignalEvaluator interface {
	Update(symbol string, last decimal.Decimal)
	Evaluate(symbol string, last decimal.Decimal) (triggered bool, context map[string]any)
}

// GuardChain is the pure market/risk predicate consulted before entries.
type GuardChain interface {
	Passes(symbol string, last decimal.Decimal) (ok bool, failed []string)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// EventBus is the in-process publish/subscribe fabric. Publish is
// fire-and-forget: subscriber panics are swallowed and logged.
type EventBus interface {
	Subscribe(topic string, handler func(payload any))
	Publish(topic string, payload any)
}

// ILogger defines the structured logging interface used across components.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
