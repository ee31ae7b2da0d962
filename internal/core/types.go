// Package core defines the shared types and interfaces of the spot execution engine.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase is the lifecycle phase of a symbol's state machine.
type Phase string

const (
	PhaseWarmup       Phase = "WARMUP"
	PhaseIdle         Phase = "IDLE"
	PhaseEntryEval    Phase = "ENTRY_EVAL"
	PhasePlaceBuy     Phase = "PLACE_BUY"
	PhaseWaitFill     Phase = "WAIT_FILL"
	PhasePosition     Phase = "POSITION"
	PhaseExitEval     Phase = "EXIT_EVAL"
	PhasePlaceSell    Phase = "PLACE_SELL"
	PhaseWaitSellFill Phase = "WAIT_SELL_FILL"
	PhasePostTrade    Phase = "POST_TRADE"
	PhaseCooldown     Phase = "COOLDOWN"
	PhaseError        Phase = "ERROR"
)

// AllPhases lists every phase, used for table validation and snapshot checks.
var AllPhases = []Phase{
	PhaseWarmup, PhaseIdle, PhaseEntryEval, PhasePlaceBuy, PhaseWaitFill,
	PhasePosition, PhaseExitEval, PhasePlaceSell, PhaseWaitSellFill,
	PhasePostTrade, PhaseCooldown, PhaseError,
}

// holdingPhases are the phases in which a nonzero position amount is legal.
var holdingPhases = map[Phase]bool{
	PhasePosition:     true,
	PhaseExitEval:     true,
	PhasePlaceSell:    true,
	PhaseWaitSellFill: true,
	PhasePostTrade:    true,
}

// HoldsPosition reports whether a nonzero amount is legal in phase p.
func (p Phase) HoldsPosition() bool { return holdingPhases[p] }

// AwaitsOrder reports whether an exchange order is expected to be open in phase p.
func (p Phase) AwaitsOrder() bool {
	return p == PhaseWaitFill || p == PhaseWaitSellFill
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	for _, known := range AllPhases {
		if p == known {
			return true
		}
	}
	return false
}

// Side is the order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes market and limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the exchange-side order status vocabulary.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusExpired  OrderStatus = "expired"
	OrderStatusRejected OrderStatus = "rejected"
)

// Terminal reports whether the exchange will not move the order again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusClosed, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// Time-in-force values accepted by the exchange.
const (
	TIFIOC = "IOC"
	TIFFOK = "FOK"
	TIFGTC = "GTC"
)

// Fee is the fee attached to a trade or order.
type Fee struct {
	Cost     decimal.Decimal `json:"cost"`
	Currency string          `json:"currency"`
}

// Order is the exchange's view of an order.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Filled        decimal.Decimal `json:"filled"`
	Remaining     decimal.Decimal `json:"remaining"`
	Average       decimal.Decimal `json:"average"`
	Fee           Fee             `json:"fee"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Trade is one execution belonging to an order.
type Trade struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Cost      decimal.Decimal `json:"cost"`
	Fee       Fee             `json:"fee"`
	Timestamp time.Time       `json:"timestamp"`
}

// FillResult is the outcome of waiting for an order to fill. Filled and
// FeeCost are cumulative for the order's lifetime.
type FillResult struct {
	Status    OrderStatus
	Filled    decimal.Decimal
	Remaining decimal.Decimal
	Average   decimal.Decimal
	FeeCost   decimal.Decimal
}

// SymbolFilters are the exchange-supplied trading constraints for a symbol.
// Loaded lazily, cached process-wide, immutable per session.
type SymbolFilters struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
	MinQty      decimal.Decimal
}

// Ticker is one market snapshot for a symbol.
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}

// OrderParams carries the pass-through parameters for order creation.
type OrderParams struct {
	ClientOrderID string
	TimeInForce   string
}

// Intent is the immutable unit of work handed to the order router.
// Equality is by IntentID; the router treats duplicate IDs as no-ops.
type Intent struct {
	IntentID   string
	Symbol     string
	Side       Side
	Qty        decimal.Decimal
	LimitPrice decimal.Decimal // zero means market
	Reason     string
	RuleCode   string
	InputsHash string
}

// OrderProgress accumulates partial fills for one in-flight order.
type OrderProgress struct {
	TargetQty decimal.Decimal `json:"target_qty"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	QuoteVol  decimal.Decimal `json:"quote_vol"`
	Fees      decimal.Decimal `json:"fees"`
	Trades    []Trade         `json:"trades,omitempty"`
}

// Add accumulates one fill of qty at price with fee.
func (p *OrderProgress) Add(qty, price, fee decimal.Decimal) {
	p.FilledQty = p.FilledQty.Add(qty)
	p.QuoteVol = p.QuoteVol.Add(qty.Mul(price))
	p.Fees = p.Fees.Add(fee)
}

// AvgPrice returns the quantity-weighted average fill price, zero when empty.
func (p *OrderProgress) AvgPrice() decimal.Decimal {
	if p.FilledQty.IsZero() {
		return decimal.Zero
	}
	return p.QuoteVol.Div(p.FilledQty)
}

// fillEpsilon is the tolerance for treating an order as fully filled.
var fillEpsilon = decimal.NewFromFloat(1e-3)

// Complete reports whether the accumulated fills reach the target within epsilon.
func (p *OrderProgress) Complete() bool {
	if p.TargetQty.IsZero() {
		return false
	}
	threshold := p.TargetQty.Mul(decimal.NewFromInt(1).Sub(fillEpsilon))
	return p.FilledQty.GreaterThanOrEqual(threshold)
}

// PhaseChange is one audit entry in a symbol's bounded transition history.
type PhaseChange struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Event     EventType `json:"event"`
	Timestamp time.Time `json:"ts"`
}

// PhaseHistoryLimit bounds the per-symbol transition history (FIFO eviction).
const PhaseHistoryLimit = 100

// CoinState is the mutable per-symbol record driven by the state machine.
type CoinState struct {
	Symbol       string    `json:"symbol"`
	Phase        Phase     `json:"phase"`
	PhaseEntered time.Time `json:"phase_entered"`

	DecisionID    string `json:"decision_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`

	Amount          decimal.Decimal `json:"amount"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	EntryTS         time.Time       `json:"entry_ts"`
	EntryFeePerUnit decimal.Decimal `json:"entry_fee_per_unit"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	PeakPrice       decimal.Decimal `json:"peak_price"`
	TrailingTrigger decimal.Decimal `json:"trailing_trigger"`
	StopLossPx      decimal.Decimal `json:"sl_px"`
	TakeProfitPx    decimal.Decimal `json:"tp_px"`

	ErrorCount int `json:"error_count"`
	RetryCount int `json:"retry_count"`

	CooldownUntil time.Time `json:"cooldown_until"`
	OrderPlacedTS time.Time `json:"order_placed_ts"`

	Note       string `json:"note,omitempty"`
	ExitReason string `json:"exit_reason,omitempty"`
	LastError  string `json:"last_error,omitempty"`

	Buy  *OrderProgress `json:"buy_progress,omitempty"`
	Sell *OrderProgress `json:"sell_progress,omitempty"`

	History []PhaseChange `json:"history,omitempty"`
}

// NewCoinState creates the initial state for a symbol.
func NewCoinState(symbol string, now time.Time) *CoinState {
	return &CoinState{
		Symbol:       symbol,
		Phase:        PhaseWarmup,
		PhaseEntered: now,
	}
}

// RecordTransition appends a phase change to the bounded history.
func (cs *CoinState) RecordTransition(from, to Phase, ev EventType, now time.Time) {
	cs.History = append(cs.History, PhaseChange{From: from, To: to, Event: ev, Timestamp: now})
	if len(cs.History) > PhaseHistoryLimit {
		cs.History = cs.History[len(cs.History)-PhaseHistoryLimit:]
	}
}

// ClearPosition zeroes all position bookkeeping fields.
func (cs *CoinState) ClearPosition() {
	cs.Amount = decimal.Zero
	cs.EntryPrice = decimal.Zero
	cs.EntryTS = time.Time{}
	cs.EntryFeePerUnit = decimal.Zero
	cs.PeakPrice = decimal.Zero
	cs.TrailingTrigger = decimal.Zero
	cs.StopLossPx = decimal.Zero
	cs.TakeProfitPx = decimal.Zero
	cs.Buy = nil
	cs.Sell = nil
}

// ClearOrder zeroes the in-flight order fields.
func (cs *CoinState) ClearOrder() {
	cs.OrderID = ""
	cs.ClientOrderID = ""
	cs.OrderPlacedTS = time.Time{}
}

// Validate checks the CoinState invariants used on snapshot recovery.
func (cs *CoinState) Validate(now time.Time, maxPositionAge time.Duration) error {
	if !cs.Phase.Valid() {
		return &StateInvariantError{Symbol: cs.Symbol, Reason: "unknown phase " + string(cs.Phase)}
	}
	holding := cs.Amount.GreaterThan(decimal.Zero)
	if holding != cs.Phase.HoldsPosition() {
		return &StateInvariantError{Symbol: cs.Symbol,
			Reason: "amount/phase mismatch in " + string(cs.Phase)}
	}
	if cs.CooldownUntil.After(now) && cs.Phase != PhaseCooldown && cs.Phase != PhaseIdle {
		return &StateInvariantError{Symbol: cs.Symbol,
			Reason: "active cooldown outside COOLDOWN phase"}
	}
	hasOrder := cs.OrderID != "" || cs.ClientOrderID != ""
	if hasOrder != cs.Phase.AwaitsOrder() {
		return &StateInvariantError{Symbol: cs.Symbol,
			Reason: "order identity inconsistent with phase " + string(cs.Phase)}
	}
	if holding && maxPositionAge > 0 && !cs.EntryTS.IsZero() && now.Sub(cs.EntryTS) > maxPositionAge {
		return &StateInvariantError{Symbol: cs.Symbol, Reason: "position older than recovery threshold"}
	}
	return nil
}

// StateInvariantError reports a CoinState that violates its invariants.
type StateInvariantError struct {
	Symbol string
	Reason string
}

func (e *StateInvariantError) Error() string {
	return "invalid state for " + e.Symbol + ": " + e.Reason
}
