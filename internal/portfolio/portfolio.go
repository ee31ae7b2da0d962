// Package portfolio tracks cash, reservations and positions. All money
// leaving the free budget passes through a reservation first, so concurrent
// entries can never overcommit the account.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"spot_engine/internal/core"
	apperrors "spot_engine/pkg/errors"
	"spot_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle of a held position.
type PositionStatus string

const (
	PositionNew         PositionStatus = "NEW"
	PositionOpen        PositionStatus = "OPEN"
	PositionPartialExit PositionStatus = "PARTIAL_EXIT"
	PositionClosed      PositionStatus = "CLOSED"
)

// Position is one symbol's holding, valued at weighted average cost.
type Position struct {
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	AvgEntry    decimal.Decimal `json:"avg_entry"`
	Status      PositionStatus  `json:"status"`
	OpenedAt    time.Time       `json:"opened_at"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
}

// UnrealizedPnL values the open quantity at the last mark price.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	if p.Qty.IsZero() || p.MarkPrice.IsZero() {
		return decimal.Zero
	}
	return p.MarkPrice.Sub(p.AvgEntry).Mul(p.Qty)
}

type reservation struct {
	intentID string
	symbol   string
	amount   decimal.Decimal
}

// Portfolio is the single authority on cash and holdings. Budget fields are
// guarded by budgetMu; each symbol's position is guarded by its own lock so
// independent symbols never contend.
type Portfolio struct {
	budgetMu     sync.Mutex
	totalBudget  decimal.Decimal
	reserved     decimal.Decimal
	reservations map[string]*reservation

	symbolMu  sync.Mutex
	symbols   map[string]*sync.Mutex
	positions map[string]*Position

	minNotional decimal.Decimal
	logger      core.ILogger
	clock       core.Clock
}

// New creates a portfolio with the given quote budget.
func New(budget decimal.Decimal, minNotional decimal.Decimal, logger core.ILogger, clock core.Clock) *Portfolio {
	return &Portfolio{
		totalBudget:  budget,
		reservations: make(map[string]*reservation),
		symbols:      make(map[string]*sync.Mutex),
		positions:    make(map[string]*Position),
		minNotional:  minNotional,
		logger:       logger.WithField("component", "portfolio"),
		clock:        clock,
	}
}

// symbolLock returns the lock for a symbol, creating it on first use.
func (p *Portfolio) symbolLock(symbol string) *sync.Mutex {
	p.symbolMu.Lock()
	defer p.symbolMu.Unlock()
	mu, ok := p.symbols[symbol]
	if !ok {
		mu = &sync.Mutex{}
		p.symbols[symbol] = mu
	}
	return mu
}

// Reserve earmarks quote budget for an intent. Reserving twice with the
// same intent ID is a no-op returning the already-reserved amount, so a
// retried entry cannot double-spend.
func (p *Portfolio) Reserve(intentID, symbol string, amount decimal.Decimal) (decimal.Decimal, error) {
	p.budgetMu.Lock()
	defer p.budgetMu.Unlock()

	if r, ok := p.reservations[intentID]; ok {
		return r.amount, nil
	}
	if amount.LessThan(p.minNotional) {
		return decimal.Zero, fmt.Errorf("%w: reservation %s below min notional %s",
			apperrors.ErrInvalidOrderParameter, amount, p.minNotional)
	}
	free := p.totalBudget.Sub(p.reserved)
	if amount.GreaterThan(free) {
		return decimal.Zero, fmt.Errorf("%w: need %s, free %s",
			apperrors.ErrInsufficientFunds, amount, free)
	}

	p.reserved = p.reserved.Add(amount)
	p.reservations[intentID] = &reservation{intentID: intentID, symbol: symbol, amount: amount}
	p.publishBudgetLocked()
	return amount, nil
}

// Release returns the unspent part of a reservation to the free budget.
// Releasing an unknown intent is a no-op.
func (p *Portfolio) Release(intentID string, unspent decimal.Decimal) {
	p.budgetMu.Lock()
	defer p.budgetMu.Unlock()

	r, ok := p.reservations[intentID]
	if !ok {
		return
	}
	if unspent.GreaterThan(r.amount) {
		p.logger.Warn("Release exceeds reservation, clamping",
			"intent_id", intentID, "unspent", unspent.String(), "reserved", r.amount.String())
		unspent = r.amount
	}
	p.reserved = p.reserved.Sub(unspent)
	r.amount = r.amount.Sub(unspent)
	if r.amount.IsZero() {
		delete(p.reservations, intentID)
	}
	p.publishBudgetLocked()
}

// ReleaseAll returns whatever remains of a reservation to the free budget
// and drops it. Called when an intent reaches a terminal state, so a
// reservation can never outlive its intent. Unknown intents are a no-op.
func (p *Portfolio) ReleaseAll(intentID string) {
	p.budgetMu.Lock()
	defer p.budgetMu.Unlock()

	r, ok := p.reservations[intentID]
	if !ok {
		return
	}
	p.reserved = p.reserved.Sub(r.amount)
	delete(p.reservations, intentID)
	p.publishBudgetLocked()
}

// consumeReservation spends part of a reservation against executed fills.
func (p *Portfolio) consumeReservation(intentID string, spent decimal.Decimal) {
	p.budgetMu.Lock()
	defer p.budgetMu.Unlock()

	r, ok := p.reservations[intentID]
	if !ok {
		return
	}
	if spent.GreaterThan(r.amount) {
		spent = r.amount
	}
	p.reserved = p.reserved.Sub(spent)
	p.totalBudget = p.totalBudget.Sub(spent)
	r.amount = r.amount.Sub(spent)
	if r.amount.IsZero() {
		delete(p.reservations, intentID)
	}
	p.publishBudgetLocked()
}

// creditBudget adds sale proceeds back to the free budget.
func (p *Portfolio) creditBudget(amount decimal.Decimal) {
	p.budgetMu.Lock()
	defer p.budgetMu.Unlock()
	p.totalBudget = p.totalBudget.Add(amount)
	p.publishBudgetLocked()
}

// ApplyFills folds executed trades into the position for a symbol. Buys
// consume the intent's reservation and raise the weighted average cost;
// sells realize PnL against it and credit proceeds back to the budget. The
// realized PnL delta of this batch is returned.
func (p *Portfolio) ApplyFills(intentID, symbol string, side core.Side, trades []core.Trade) (decimal.Decimal, error) {
	if len(trades) == 0 {
		return decimal.Zero, nil
	}

	mu := p.symbolLock(symbol)
	mu.Lock()
	defer mu.Unlock()
	return p.applyFillsLocked(intentID, symbol, side, trades)
}

func (p *Portfolio) applyFillsLocked(intentID, symbol string, side core.Side, trades []core.Trade) (decimal.Decimal, error) {
	pos := p.positionLocked(symbol)
	realizedDelta := decimal.Zero

	for _, tr := range trades {
		fee := tr.Fee.Cost
		switch side {
		case core.SideBuy:
			newQty := pos.Qty.Add(tr.Amount)
			// Weighted average cost over the combined quantity.
			cost := pos.AvgEntry.Mul(pos.Qty).Add(tr.Price.Mul(tr.Amount))
			pos.AvgEntry = cost.Div(newQty)
			pos.Qty = newQty
			pos.FeesPaid = pos.FeesPaid.Add(fee)
			if pos.Status == PositionNew || pos.Status == PositionClosed {
				pos.Status = PositionOpen
				pos.OpenedAt = tr.Timestamp
				if pos.OpenedAt.IsZero() {
					pos.OpenedAt = p.clock.Now()
				}
			}
			p.consumeReservation(intentID, tr.Cost.Add(fee))

		case core.SideSell:
			if tr.Amount.GreaterThan(pos.Qty) {
				return realizedDelta, fmt.Errorf("sell fill %s exceeds held qty %s for %s",
					tr.Amount, pos.Qty, symbol)
			}
			pnl := tr.Price.Sub(pos.AvgEntry).Mul(tr.Amount).Sub(fee)
			pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
			realizedDelta = realizedDelta.Add(pnl)
			pos.Qty = pos.Qty.Sub(tr.Amount)
			pos.FeesPaid = pos.FeesPaid.Add(fee)
			if pos.Qty.IsZero() {
				pos.Status = PositionClosed
			} else {
				pos.Status = PositionPartialExit
			}
			p.creditBudget(tr.Cost.Sub(fee))
		}
	}

	p.publishPositionMetrics(pos)
	return realizedDelta, nil
}

// positionLocked returns the position record, creating a NEW one on demand.
// Caller holds the symbol lock.
func (p *Portfolio) positionLocked(symbol string) *Position {
	p.symbolMu.Lock()
	defer p.symbolMu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol, Status: PositionNew}
		p.positions[symbol] = pos
	}
	return pos
}

// MarkPrice updates the valuation price for unrealized PnL.
func (p *Portfolio) MarkPrice(symbol string, price decimal.Decimal) {
	mu := p.symbolLock(symbol)
	mu.Lock()
	defer mu.Unlock()

	pos := p.positionLocked(symbol)
	pos.MarkPrice = price
	p.publishPositionMetrics(pos)
}

// Position returns a copy of the symbol's position, or nil when the symbol
// holds nothing and never did.
func (p *Portfolio) Position(symbol string) *Position {
	mu := p.symbolLock(symbol)
	mu.Lock()
	defer mu.Unlock()

	p.symbolMu.Lock()
	pos, ok := p.positions[symbol]
	p.symbolMu.Unlock()
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

// OpenPositions returns copies of every position currently holding
// quantity.
func (p *Portfolio) OpenPositions() []*Position {
	p.symbolMu.Lock()
	symbols := make([]string, 0, len(p.positions))
	for s := range p.positions {
		symbols = append(symbols, s)
	}
	p.symbolMu.Unlock()

	var open []*Position
	for _, s := range symbols {
		if pos := p.Position(s); pos != nil && pos.Qty.IsPositive() {
			open = append(open, pos)
		}
	}
	return open
}

// FreeBudget returns the quote budget not held by any reservation.
func (p *Portfolio) FreeBudget() decimal.Decimal {
	p.budgetMu.Lock()
	defer p.budgetMu.Unlock()
	return p.totalBudget.Sub(p.reserved)
}

// Reserved returns the total amount held by reservations.
func (p *Portfolio) Reserved() decimal.Decimal {
	p.budgetMu.Lock()
	defer p.budgetMu.Unlock()
	return p.reserved
}

// TotalBudget returns the full quote budget including reservations.
func (p *Portfolio) TotalBudget() decimal.Decimal {
	p.budgetMu.Lock()
	defer p.budgetMu.Unlock()
	return p.totalBudget
}

// RestorePosition installs a recovered position, replacing any current
// record for the symbol. Used during snapshot recovery only.
func (p *Portfolio) RestorePosition(pos *Position) {
	mu := p.symbolLock(pos.Symbol)
	mu.Lock()
	defer mu.Unlock()

	p.symbolMu.Lock()
	cp := *pos
	p.positions[pos.Symbol] = &cp
	p.symbolMu.Unlock()
	p.publishPositionMetrics(&cp)
}

func (p *Portfolio) publishBudgetLocked() {
	m := telemetry.GetGlobalMetrics()
	free := p.totalBudget.Sub(p.reserved)
	m.SetBudget(p.reserved.InexactFloat64(), free.InexactFloat64())
}

func (p *Portfolio) publishPositionMetrics(pos *Position) {
	m := telemetry.GetGlobalMetrics()
	m.SetPositionSize(pos.Symbol, pos.Qty.InexactFloat64())
	m.SetUnrealizedPnL(pos.Symbol, pos.UnrealizedPnL().InexactFloat64())
}
