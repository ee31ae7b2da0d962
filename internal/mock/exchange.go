// Package mock provides in-memory test doubles for the engine's
// collaborators.
package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"spot_engine/internal/core"

	"github.com/shopspring/decimal"
)

// FillBehavior controls how the mock settles newly placed orders.
type FillBehavior int

const (
	// FillInstant fills the full quantity at the scripted price.
	FillInstant FillBehavior = iota
	// FillPartial fills PartialQty and leaves the order open.
	FillPartial
	// FillNever leaves the order open until canceled.
	FillNever
	// FillReject rejects the placement with RejectErr.
	FillReject
)

// Exchange implements core.ExchangeClient with scriptable behavior.
// Resubmitting an order with a known ClientOrderID returns the existing
// order instead of creating a new one.
type Exchange struct {
	mu sync.Mutex

	orders         map[string]*core.Order
	trades         map[string][]core.Trade
	clientOrderMap map[string]string
	orderSeq       int64
	tradeSeq       int64

	tickers map[string]*core.Ticker
	filters map[string]*core.SymbolFilters

	Behavior   FillBehavior
	PartialQty decimal.Decimal
	RejectErr  error
	FeeRate    decimal.Decimal

	// TransientFailures makes the next N CreateOrder calls fail with
	// FailErr before any order is recorded.
	TransientFailures int
	FailErr           error

	CreateCalls int
	FetchCalls  int
	CancelCalls int
}

// NewExchange returns a mock with instant fills and no fees.
func NewExchange() *Exchange {
	return &Exchange{
		orders:         make(map[string]*core.Order),
		trades:         make(map[string][]core.Trade),
		clientOrderMap: make(map[string]string),
		tickers:        make(map[string]*core.Ticker),
		filters:        make(map[string]*core.SymbolFilters),
		orderSeq:       1000,
		FeeRate:        decimal.Zero,
	}
}

// SetTicker scripts the ticker returned for a symbol.
func (e *Exchange) SetTicker(t *core.Ticker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickers[t.Symbol] = t
}

// SetFilters scripts the symbol filters.
func (e *Exchange) SetFilters(f *core.SymbolFilters) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters[f.Symbol] = f
}

// CreateOrder places an order, honouring client order ID idempotency.
func (e *Exchange) CreateOrder(ctx context.Context, symbol string, typ core.OrderType, side core.Side,
	amount, price decimal.Decimal, params core.OrderParams) (*core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.CreateCalls++

	if e.TransientFailures > 0 {
		e.TransientFailures--
		if e.FailErr != nil {
			return nil, e.FailErr
		}
		return nil, fmt.Errorf("connection reset by peer")
	}

	if params.ClientOrderID != "" {
		if existingID, ok := e.clientOrderMap[params.ClientOrderID]; ok {
			if existing, ok := e.orders[existingID]; ok {
				cp := *existing
				return &cp, nil
			}
		}
	}

	if e.Behavior == FillReject {
		if e.RejectErr != nil {
			return nil, e.RejectErr
		}
		return nil, fmt.Errorf("order rejected: min notional not met")
	}

	e.orderSeq++
	id := strconv.FormatInt(e.orderSeq, 10)

	fillPrice := price
	if typ == core.OrderTypeMarket || fillPrice.IsZero() {
		if t, ok := e.tickers[symbol]; ok {
			fillPrice = t.Last
		}
	}

	order := &core.Order{
		ID:            id,
		ClientOrderID: params.ClientOrderID,
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Status:        core.OrderStatusOpen,
		Price:         price,
		Amount:        amount,
		Remaining:     amount,
		Timestamp:     time.Now().UTC(),
	}

	switch e.Behavior {
	case FillInstant:
		e.settleLocked(order, amount, fillPrice)
	case FillPartial:
		filled := e.PartialQty
		if filled.GreaterThan(amount) {
			filled = amount
		}
		e.settleLocked(order, filled, fillPrice)
		// IOC orders expire with whatever portion filled.
		if params.TimeInForce == core.TIFIOC {
			order.Status = core.OrderStatusExpired
		}
	case FillNever:
		// stays open
	}

	e.orders[id] = order
	if order.ClientOrderID != "" {
		e.clientOrderMap[order.ClientOrderID] = id
	}

	cp := *order
	return &cp, nil
}

// settleLocked applies a fill and records the matching trade.
func (e *Exchange) settleLocked(order *core.Order, qty, price decimal.Decimal) {
	order.Filled = qty
	order.Remaining = order.Amount.Sub(qty)
	order.Average = price
	if order.Remaining.IsZero() {
		order.Status = core.OrderStatusClosed
	}

	e.tradeSeq++
	cost := qty.Mul(price)
	order.Fee.Cost = order.Fee.Cost.Add(cost.Mul(e.FeeRate))
	order.Fee.Currency = "USDT"
	e.trades[order.ID] = append(e.trades[order.ID], core.Trade{
		ID:        strconv.FormatInt(e.tradeSeq, 10),
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Price:     price,
		Amount:    qty,
		Cost:      cost,
		Fee:       core.Fee{Cost: cost.Mul(e.FeeRate), Currency: "USDT"},
		Timestamp: time.Now().UTC(),
	})
}

// SimulateFill fills an open order from the test, as if the exchange
// matched it later.
func (e *Exchange) SimulateFill(orderID string, qty, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if order, ok := e.orders[orderID]; ok {
		e.settleLocked(order, order.Filled.Add(qty), price)
	}
}

// FetchOrder returns a copy of the order.
func (e *Exchange) FetchOrder(ctx context.Context, orderID, symbol string) (*core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.FetchCalls++
	order, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order not found: %s", orderID)
	}
	cp := *order
	return &cp, nil
}

// FetchOrderTrades returns the trades recorded against the order.
func (e *Exchange) FetchOrderTrades(ctx context.Context, orderID, symbol string) ([]core.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.orders[orderID]; !ok {
		return nil, fmt.Errorf("order not found: %s", orderID)
	}
	return append([]core.Trade(nil), e.trades[orderID]...), nil
}

// CancelOrder cancels an open order.
func (e *Exchange) CancelOrder(ctx context.Context, orderID, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CancelCalls++
	order, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %s", orderID)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("cannot cancel order in status %s", order.Status)
	}
	order.Status = core.OrderStatusCanceled
	return nil
}

// FetchOpenOrders returns non-terminal orders for the symbol.
func (e *Exchange) FetchOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var open []core.Order
	for _, order := range e.orders {
		if order.Symbol == symbol && !order.Status.Terminal() {
			open = append(open, *order)
		}
	}
	return open, nil
}

// FetchTicker returns the scripted ticker.
func (e *Exchange) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("no ticker for %s", symbol)
	}
	cp := *t
	return &cp, nil
}

// Market returns the scripted filters, or permissive defaults.
func (e *Exchange) Market(ctx context.Context, symbol string) (*core.SymbolFilters, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.filters[symbol]; ok {
		cp := *f
		return &cp, nil
	}
	return &core.SymbolFilters{
		Symbol:      symbol,
		TickSize:    decimal.NewFromFloat(0.01),
		StepSize:    decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromInt(5),
		MinQty:      decimal.NewFromFloat(0.001),
	}, nil
}

// Orders returns all orders for assertions.
func (e *Exchange) Orders() []*core.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*core.Order, 0, len(e.orders))
	for _, o := range e.orders {
		cp := *o
		out = append(out, &cp)
	}
	return out
}

// OrderByClientID looks up an order by its client order ID.
func (e *Exchange) OrderByClientID(clientOrderID string) *core.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.clientOrderMap[clientOrderID]; ok {
		if o, ok := e.orders[id]; ok {
			cp := *o
			return &cp
		}
	}
	return nil
}
