package fsm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"spot_engine/internal/coid"
	"spot_engine/internal/core"
	"spot_engine/internal/portfolio"
	"spot_engine/internal/router"
	"spot_engine/pkg/telemetry"
	"spot_engine/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// NoteManualHalt marks a symbol parked in ERROR by an operator. Halted
// symbols never auto-recover; the note survives snapshot restores.
const NoteManualHalt = "manual_halt"

// Executor runs one intent to a terminal outcome. Satisfied by *router.Router.
type Executor interface {
	HandleIntent(ctx context.Context, intent core.Intent) *router.Result
}

// OrderBackstop is the slice of the exchange wrapper the machine uses for
// cancels, recovery polls and symbol filters.
type OrderBackstop interface {
	CancelOrder(ctx context.Context, symbol, orderID string) error
	FetchOrder(ctx context.Context, symbol, orderID string) (*core.Order, error)
	Filters(ctx context.Context, symbol string) (*core.SymbolFilters, error)
}

// IDSource resolves and looks up client order IDs, so the identity of an
// in-flight order survives a process restart. Satisfied by *coid.Manager.
type IDSource interface {
	ForIntent(intent core.Intent) (string, error)
	Lookup(clientOrderID string) (*coid.Entry, bool)
}

// SnapshotSink persists one symbol state after each transition. May be nil.
type SnapshotSink interface {
	Save(st *core.CoinState) error
}

// Observer receives lifecycle notifications for the telemetry journals.
// All methods are called synchronously on the dispatching goroutine.
type Observer interface {
	Transition(symbol string, from, to core.Phase, ev core.EventType, note string)
	InvalidTransition(symbol string, phase core.Phase, ev core.EventType)
	Decision(symbol, decisionID string, ev core.EventType, data map[string]any)
}

// Config holds the machine's trading tunables.
type Config struct {
	MaxTrades        int
	PositionSizeUSDT decimal.Decimal
	MinSlotUSDT      decimal.Decimal
	EntryCooldown    time.Duration
	SymbolCooldown   time.Duration
	Timeouts         TimeoutPolicy
	Exits            ExitConfig
}

func (c *Config) applyDefaults() {
	if c.MaxTrades <= 0 {
		c.MaxTrades = 1
	}
	if c.EntryCooldown <= 0 {
		c.EntryCooldown = 30 * time.Second
	}
	if c.SymbolCooldown <= 0 {
		c.SymbolCooldown = 5 * time.Minute
	}
}

// Deps are the machine's collaborators. Submit offloads order execution to
// a worker pool; when nil, execution runs inline on the calling goroutine.
type Deps struct {
	Executor  Executor
	Orders    OrderBackstop
	IDs       IDSource
	Portfolio *portfolio.Portfolio
	Signals   core.SignalEvaluator
	Guards    core.GuardChain
	Snapshots SnapshotSink
	Observer  Observer
	Submit    func(task func())
	Logger    core.ILogger
	Clock     core.Clock
}

type pendingResult struct {
	intentID string
	res      *router.Result
}

// Machine drives every watched symbol through the trading lifecycle.
// Process, Dispatch and SweepTimeouts must not run concurrently for the
// same symbol; the engine's tick loop guarantees that.
type Machine struct {
	cfg   Config
	table *Table
	exits *ExitEngine

	executor  Executor
	orders    OrderBackstop
	ids       IDSource
	pf        *portfolio.Portfolio
	signals   core.SignalEvaluator
	guards    core.GuardChain
	snapshots SnapshotSink
	observer  Observer
	submit    func(task func())
	logger    core.ILogger
	clock     core.Clock

	mu      sync.Mutex
	states  map[string]*core.CoinState
	pending map[string]string        // symbol -> intent in flight
	results map[string]pendingResult // symbol -> finished intent result
	dedup   map[string]struct{}      // symbol|event|second fingerprints
}

// NewMachine compiles the transition table and returns a ready machine.
// A duplicate table row is a programming error and fails construction.
func NewMachine(cfg Config, deps Deps) (*Machine, error) {
	cfg.applyDefaults()
	m := &Machine{
		cfg:       cfg,
		exits:     NewExitEngine(cfg.Exits),
		executor:  deps.Executor,
		orders:    deps.Orders,
		ids:       deps.IDs,
		pf:        deps.Portfolio,
		signals:   deps.Signals,
		guards:    deps.Guards,
		snapshots: deps.Snapshots,
		observer:  deps.Observer,
		submit:    deps.Submit,
		logger:    deps.Logger.WithField("component", "fsm"),
		clock:     deps.Clock,
		states:    make(map[string]*core.CoinState),
		pending:   make(map[string]string),
		results:   make(map[string]pendingResult),
		dedup:     make(map[string]struct{}),
	}
	table, err := NewTable(m.buildRules())
	if err != nil {
		return nil, err
	}
	m.table = table
	return m, nil
}

// State returns the live state for a symbol, creating a WARMUP state on
// first sight. The returned pointer is owned by the machine.
func (m *Machine) State(symbol string) *core.CoinState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[symbol]
	if !ok {
		st = core.NewCoinState(symbol, m.clock.Now())
		m.states[symbol] = st
	}
	return st
}

// Restore installs a recovered state, replacing any default.
func (m *Machine) Restore(st *core.CoinState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.Symbol] = st
}

// StatesCopy returns a point-in-time copy of every symbol state.
func (m *Machine) StatesCopy() []core.CoinState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.CoinState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, *st)
	}
	return out
}

// Halt parks a symbol in ERROR until an operator clears it.
func (m *Machine) Halt(symbol string) {
	now := m.clock.Now()
	m.Dispatch(context.Background(), core.NewEvent(core.EvManualHalt, symbol, now))
}

// Dispatch feeds one event through the transition table. Unknown
// (phase, event) pairs are logged and dropped; duplicate events within the
// same second are dropped silently. Returns whether a transition happened.
func (m *Machine) Dispatch(ctx context.Context, ev core.Event) bool {
	st := m.State(ev.Ctx.Symbol)
	now := ev.Ctx.Timestamp
	if now.IsZero() {
		now = m.clock.Now()
	}
	if m.isDuplicate(ev.Ctx.Symbol, ev.Type, now) {
		return false
	}

	rule, ok := m.table.Lookup(st.Phase, ev.Type)
	if !ok {
		m.logger.Warn("Invalid transition ignored",
			"symbol", st.Symbol, "phase", string(st.Phase), "event", string(ev.Type))
		telemetry.GetGlobalMetrics().InvalidTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", string(st.Phase)),
			attribute.String("event", string(ev.Type)),
		))
		if m.observer != nil {
			m.observer.InvalidTransition(st.Symbol, st.Phase, ev.Type)
		}
		return false
	}

	from := st.Phase
	if rule.Action != nil {
		prior := *st
		if err := rule.Action(ctx, ev.Ctx, st); err != nil {
			*st = prior
			st.ErrorCount++
			st.LastError = err.Error()
			st.ClearOrder()
			st.ClearPosition()
			m.logger.Error("Transition action failed",
				"symbol", st.Symbol, "phase", string(from), "event", string(ev.Type),
				"error", err.Error())
			m.transition(ctx, st, from, core.PhaseError, core.EvErrorOccurred, now)
			return false
		}
	}
	m.transition(ctx, st, from, rule.To, ev.Type, now)
	return true
}

func (m *Machine) transition(ctx context.Context, st *core.CoinState, from, to core.Phase, ev core.EventType, now time.Time) {
	st.Phase = to
	st.PhaseEntered = now
	st.RecordTransition(from, to, ev, now)

	telemetry.GetGlobalMetrics().TransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", st.Symbol),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.String("event", string(ev)),
	))
	m.logger.Debug("Phase transition",
		"symbol", st.Symbol, "from", string(from), "to", string(to), "event", string(ev))
	if m.observer != nil {
		m.observer.Transition(st.Symbol, from, to, ev, st.Note)
	}
	if m.snapshots != nil {
		if err := m.snapshots.Save(st); err != nil {
			m.logger.Error("Snapshot write failed", "symbol", st.Symbol, "error", err.Error())
		}
	}
}

// isDuplicate drops a second occurrence of the same (symbol, event) within
// one wall-clock second. Keeps the machine safe against event storms from
// re-delivered ticks.
func (m *Machine) isDuplicate(symbol string, ev core.EventType, now time.Time) bool {
	key := fmt.Sprintf("%s|%s|%d", symbol, ev, now.Unix())
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.dedup[key]; seen {
		return true
	}
	if len(m.dedup) > 4096 {
		m.dedup = make(map[string]struct{})
	}
	m.dedup[key] = struct{}{}
	return false
}

// SweepTimeouts runs the deadline checks for one symbol and dispatches
// whatever expired. The engine calls this before regular tick processing.
func (m *Machine) SweepTimeouts(ctx context.Context, symbol string) {
	st := m.State(symbol)
	now := m.clock.Now()
	for _, ev := range CheckTimeouts(st, now, m.cfg.Timeouts) {
		m.Dispatch(ctx, ev)
	}
}

// Process advances one symbol by one tick. A nil tick means market data is
// stale; order-result handling still runs, entry and exit evaluation do not.
func (m *Machine) Process(ctx context.Context, symbol string, tick *core.Ticker) {
	st := m.State(symbol)
	now := m.clock.Now()

	if tick != nil {
		st.CurrentPrice = tick.Last
		m.signals.Update(symbol, tick.Last)
		if st.Amount.IsPositive() {
			m.pf.MarkPrice(symbol, tick.Last)
		}
	}

	switch st.Phase {
	case core.PhaseWarmup:
		if tick != nil {
			m.Dispatch(ctx, core.NewEvent(core.EvWarmupCompleted, symbol, now))
		}
	case core.PhaseIdle:
		m.processIdle(ctx, st, tick, now)
	case core.PhaseEntryEval:
		m.processEntryEval(ctx, st, tick, now)
	case core.PhasePlaceBuy:
		m.processPlaceBuy(ctx, st, tick, now)
	case core.PhaseWaitFill:
		m.processWaitFill(ctx, st, now)
	case core.PhasePosition:
		m.processPosition(ctx, st, tick, now)
	case core.PhaseExitEval:
		m.processExitEval(ctx, st, tick, now)
	case core.PhasePlaceSell:
		m.processPlaceSell(ctx, st, tick, now)
	case core.PhaseWaitSellFill:
		m.processWaitSellFill(ctx, st, now)
	case core.PhasePostTrade:
		m.processPostTrade(ctx, st, now)
	case core.PhaseCooldown, core.PhaseError:
		// Left by SweepTimeouts only.
	}
}

func (m *Machine) processIdle(ctx context.Context, st *core.CoinState, tick *core.Ticker, now time.Time) {
	if tick == nil || now.Before(st.CooldownUntil) {
		return
	}
	if m.activeSlots() >= m.cfg.MaxTrades {
		return
	}
	ev := core.NewEvent(core.EvSlotAvailable, st.Symbol, now)
	ev.Ctx.DecisionID = uuid.NewString()
	m.Dispatch(ctx, ev)
}

// activeSlots counts symbols holding or actively acquiring a position.
func (m *Machine) activeSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.states {
		switch st.Phase {
		case core.PhasePlaceBuy, core.PhaseWaitFill, core.PhasePosition,
			core.PhaseExitEval, core.PhasePlaceSell, core.PhaseWaitSellFill,
			core.PhasePostTrade:
			n++
		}
	}
	return n
}

func (m *Machine) processEntryEval(ctx context.Context, st *core.CoinState, tick *core.Ticker, now time.Time) {
	if tick == nil {
		return
	}
	if ok, failed := m.guards.Passes(st.Symbol, tick.Last); !ok {
		ev := core.NewEvent(core.EvGuardsBlocked, st.Symbol, now)
		ev.Ctx.DecisionID = st.DecisionID
		ev.Ctx.Data = map[string]any{"failed_guards": failed}
		if m.observer != nil {
			m.observer.Decision(st.Symbol, st.DecisionID, core.EvGuardsBlocked, ev.Ctx.Data)
		}
		m.Dispatch(ctx, ev)
		return
	}

	triggered, sigCtx := m.signals.Evaluate(st.Symbol, tick.Last)
	evType := core.EvNoSignal
	if triggered {
		evType = core.EvSignalDetected
	}
	ev := core.NewEvent(evType, st.Symbol, now)
	ev.Ctx.DecisionID = st.DecisionID
	ev.Ctx.Data = sigCtx
	if m.observer != nil {
		m.observer.Decision(st.Symbol, st.DecisionID, evType, sigCtx)
	}
	m.Dispatch(ctx, ev)
}

func (m *Machine) processPlaceBuy(ctx context.Context, st *core.CoinState, tick *core.Ticker, now time.Time) {
	if tick == nil {
		return
	}
	price := tick.Last
	quote := m.pf.FreeBudget().Div(decimal.NewFromInt(int64(m.cfg.MaxTrades)))
	if m.cfg.PositionSizeUSDT.IsPositive() && quote.GreaterThan(m.cfg.PositionSizeUSDT) {
		quote = m.cfg.PositionSizeUSDT
	}
	if quote.LessThan(m.cfg.MinSlotUSDT) {
		m.failPlacement(ctx, st, now, "quote_budget_below_min_slot")
		return
	}

	qty := quote.Div(price)
	if filters, err := m.orders.Filters(ctx, st.Symbol); err == nil {
		qty = tradingutils.RoundQuantity(qty, filters.StepSize)
		if qty.LessThan(filters.MinQty) ||
			tradingutils.Notional(qty, price).LessThan(filters.MinNotional) {
			m.failPlacement(ctx, st, now, "below_exchange_minimums")
			return
		}
	}
	if !qty.IsPositive() {
		m.failPlacement(ctx, st, now, "zero_quantity")
		return
	}

	intent := core.Intent{
		IntentID:   fmt.Sprintf("%s_entry_buy_%d", st.DecisionID, now.UnixMilli()),
		Symbol:     st.Symbol,
		Side:       core.SideBuy,
		Qty:        qty,
		LimitPrice: price,
		Reason:     "entry",
	}
	m.rememberClientID(st, intent)
	m.launch(st.Symbol, intent)

	ev := core.NewEvent(core.EvBuyOrderPlaced, st.Symbol, now)
	ev.Ctx.DecisionID = st.DecisionID
	ev.Ctx.FilledQty = qty // target quantity for the buy progress tracker
	ev.Ctx.Data = map[string]any{"intent_id": intent.IntentID}
	m.Dispatch(ctx, ev)
}

func (m *Machine) failPlacement(ctx context.Context, st *core.CoinState, now time.Time, reason string) {
	m.logger.Info("Order placement skipped", "symbol", st.Symbol, "reason", reason)
	ev := core.NewEvent(core.EvOrderPlacementFailed, st.Symbol, now)
	ev.Ctx.DecisionID = st.DecisionID
	ev.Ctx.Data = map[string]any{"reason": reason}
	m.Dispatch(ctx, ev)
}

// launch hands an intent to the router, inline or on the worker pool, and
// parks the result for the wait phase to consume.
func (m *Machine) launch(symbol string, intent core.Intent) {
	m.mu.Lock()
	m.pending[symbol] = intent.IntentID
	delete(m.results, symbol)
	m.mu.Unlock()

	run := func() {
		res := m.executor.HandleIntent(context.Background(), intent)
		m.mu.Lock()
		m.results[symbol] = pendingResult{intentID: intent.IntentID, res: res}
		m.mu.Unlock()
	}
	if m.submit != nil {
		m.submit(run)
	} else {
		run()
	}
}

// launchLadder walks a descending limit-IOC price ladder below the bid,
// re-offering the unfilled remainder at each rung. Used when market sells
// are disabled.
func (m *Machine) launchLadder(symbol string, base core.Intent, bid, tickSize decimal.Decimal) {
	m.mu.Lock()
	m.pending[symbol] = base.IntentID
	delete(m.results, symbol)
	m.mu.Unlock()

	run := func() {
		combined := &router.Result{State: router.StateFailedFinal, Reason: "ladder_exhausted"}
		remaining := base.Qty
		quote := decimal.Zero
		for i, px := range tradingutils.LadderPrices(bid, tickSize, m.cfg.Exits.SellLadderTicks) {
			if !remaining.IsPositive() {
				break
			}
			rung := base
			rung.IntentID = fmt.Sprintf("%s-L%d", base.IntentID, i)
			rung.Qty = remaining
			rung.LimitPrice = px
			res := m.executor.HandleIntent(context.Background(), rung)
			combined.Attempts += res.Attempts
			if res.Filled.IsPositive() {
				combined.OrderID = res.OrderID
				combined.ClientOrderID = res.ClientOrderID
				combined.Filled = combined.Filled.Add(res.Filled)
				combined.Fees = combined.Fees.Add(res.Fees)
				quote = quote.Add(res.Filled.Mul(res.AvgPrice))
				remaining = remaining.Sub(res.Filled)
			}
		}
		if combined.Filled.IsPositive() {
			combined.AvgPrice = quote.Div(combined.Filled)
			combined.Reason = ""
			combined.State = router.StatePartialSuccess
			if !remaining.IsPositive() {
				combined.State = router.StateSuccess
			}
		}
		m.mu.Lock()
		m.results[symbol] = pendingResult{intentID: base.IntentID, res: combined}
		m.mu.Unlock()
	}
	if m.submit != nil {
		m.submit(run)
	} else {
		run()
	}
}

// takeResult returns the finished result for the symbol's current intent,
// discarding results from intents abandoned by a timeout.
func (m *Machine) takeResult(symbol string) *router.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.results[symbol]
	if !ok {
		return nil
	}
	delete(m.results, symbol)
	if pr.intentID != m.pending[symbol] {
		return nil
	}
	delete(m.pending, symbol)
	return pr.res
}

// hasPending reports whether an intent is in flight for the symbol.
func (m *Machine) hasPending(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[symbol]
	return ok
}

// rememberClientID resolves the intent's client order ID ahead of
// placement and records it on the state, so a snapshot taken while
// waiting identifies the exchange order. The registry hands the router
// the same ID when it asks for this intent.
func (m *Machine) rememberClientID(st *core.CoinState, intent core.Intent) {
	if m.ids == nil {
		return
	}
	id, err := m.ids.ForIntent(intent)
	if err != nil {
		m.logger.Warn("Client order id resolution failed",
			"symbol", st.Symbol, "intent_id", intent.IntentID, "error", err.Error())
		return
	}
	st.ClientOrderID = id
}

// reattach resolves a wait phase that has no intent in flight, which
// happens after a restart restores a snapshot taken mid-order. Exchange
// truth decides: a terminal order is consumed exactly as a router result
// would be, an open order is adopted and keeps waiting under the usual
// deadline. No new order is ever placed here.
func (m *Machine) reattach(ctx context.Context, st *core.CoinState, now time.Time) {
	if m.ids == nil || st.ClientOrderID == "" {
		return
	}
	entry, ok := m.ids.Lookup(st.ClientOrderID)
	if !ok || entry.ExchangeOrderID == "" {
		// The order never reached the book; nothing to adopt.
		m.consumeRecovered(ctx, st, &router.Result{
			State:  router.StateFailedFinal,
			Reason: "canceled_order_not_on_exchange",
		}, now)
		return
	}

	st.OrderID = entry.ExchangeOrderID
	order, err := m.orders.FetchOrder(ctx, st.Symbol, entry.ExchangeOrderID)
	if err != nil {
		m.logger.Warn("Recovered order poll failed",
			"symbol", st.Symbol, "order_id", entry.ExchangeOrderID, "error", err.Error())
		return
	}
	if !order.Status.Terminal() {
		// Still working on the exchange; the timeout sweep owns the
		// deadline and can cancel through the adopted order id.
		return
	}

	m.logger.Info("Adopted recovered order",
		"symbol", st.Symbol, "order_id", order.ID,
		"status", string(order.Status), "filled", order.Filled.String())
	res := &router.Result{
		OrderID:       order.ID,
		ClientOrderID: st.ClientOrderID,
		Filled:        order.Filled,
		AvgPrice:      order.Average,
		Fees:          order.Fee.Cost,
	}
	switch {
	case order.Status == core.OrderStatusClosed:
		res.State = router.StateSuccess
	case order.Filled.IsPositive():
		res.State = router.StatePartialSuccess
		res.Reason = "partial_then_" + string(order.Status)
	default:
		res.State = router.StateFailedFinal
		res.Reason = "canceled_" + string(order.Status)
	}
	m.consumeRecovered(ctx, st, res, now)
}

func (m *Machine) consumeRecovered(ctx context.Context, st *core.CoinState, res *router.Result, now time.Time) {
	if st.Phase == core.PhaseWaitSellFill {
		m.consumeSellResult(ctx, st, res, now)
		return
	}
	m.consumeBuyResult(ctx, st, res, now)
}

func (m *Machine) processWaitFill(ctx context.Context, st *core.CoinState, now time.Time) {
	res := m.takeResult(st.Symbol)
	if res == nil {
		if !m.hasPending(st.Symbol) {
			m.reattach(ctx, st, now)
		}
		return
	}
	m.consumeBuyResult(ctx, st, res, now)
}

func (m *Machine) consumeBuyResult(ctx context.Context, st *core.CoinState, res *router.Result, now time.Time) {
	switch res.State {
	case router.StateSuccess:
		m.dispatchFill(ctx, st, core.EvBuyOrderFilled, res, now)
	case router.StatePartialSuccess:
		m.dispatchPartialThenFill(ctx, st, core.EvBuyOrderPartial, core.EvBuyOrderFilled, res, now)
	case router.StateFailedFinal:
		evType := core.EvBuyOrderRejected
		if strings.Contains(res.Reason, "canceled") {
			evType = core.EvOrderCanceled
		}
		ev := core.NewEvent(evType, st.Symbol, now)
		ev.Ctx.OrderID = res.OrderID
		ev.Ctx.Data = map[string]any{"reason": res.Reason}
		m.Dispatch(ctx, ev)
	}
}

func (m *Machine) processWaitSellFill(ctx context.Context, st *core.CoinState, now time.Time) {
	res := m.takeResult(st.Symbol)
	if res == nil {
		if !m.hasPending(st.Symbol) {
			m.reattach(ctx, st, now)
		}
		return
	}
	m.consumeSellResult(ctx, st, res, now)
}

func (m *Machine) consumeSellResult(ctx context.Context, st *core.CoinState, res *router.Result, now time.Time) {
	switch res.State {
	case router.StateSuccess:
		m.dispatchFill(ctx, st, core.EvSellOrderFilled, res, now)
	case router.StatePartialSuccess:
		// Book what sold, return to POSITION with the remainder.
		partial := core.NewEvent(core.EvSellOrderPartial, st.Symbol, now)
		partial.Ctx.OrderID = res.OrderID
		partial.Ctx.FilledQty = res.Filled
		partial.Ctx.AvgPrice = res.AvgPrice
		partial.Ctx.Fees = res.Fees
		m.Dispatch(ctx, partial)
		if st.Sell != nil && st.Sell.Complete() {
			m.dispatchFill(ctx, st, core.EvSellOrderFilled, res, now)
			return
		}
		back := core.NewEvent(core.EvOrderCanceled, st.Symbol, now)
		back.Ctx.Data = map[string]any{"reason": "partial_exit_remainder"}
		m.Dispatch(ctx, back)
	case router.StateFailedFinal:
		if strings.Contains(res.Reason, "canceled") {
			ev := core.NewEvent(core.EvOrderCanceled, st.Symbol, now)
			ev.Ctx.Data = map[string]any{"reason": res.Reason}
			m.Dispatch(ctx, ev)
			return
		}
		ev := core.NewEvent(core.EvSellOrderRejected, st.Symbol, now)
		ev.Ctx.Err = fmt.Errorf("sell failed: %s", res.Reason)
		m.Dispatch(ctx, ev)
	}
}

func (m *Machine) dispatchFill(ctx context.Context, st *core.CoinState, evType core.EventType, res *router.Result, now time.Time) {
	ev := core.NewEvent(evType, st.Symbol, now)
	ev.Ctx.OrderID = res.OrderID
	ev.Ctx.FilledQty = res.Filled
	ev.Ctx.AvgPrice = res.AvgPrice
	ev.Ctx.Fees = res.Fees
	ev.Ctx.Data = map[string]any{"client_order_id": res.ClientOrderID}
	m.Dispatch(ctx, ev)
}

// dispatchPartialThenFill books the executed slice, then commits the
// position with whatever actually filled. Funds were spent either way.
func (m *Machine) dispatchPartialThenFill(ctx context.Context, st *core.CoinState, partialEv, fillEv core.EventType, res *router.Result, now time.Time) {
	partial := core.NewEvent(partialEv, st.Symbol, now)
	partial.Ctx.OrderID = res.OrderID
	partial.Ctx.FilledQty = res.Filled
	partial.Ctx.AvgPrice = res.AvgPrice
	partial.Ctx.Fees = res.Fees
	m.Dispatch(ctx, partial)
	m.dispatchFill(ctx, st, fillEv, res, now)
}

func (m *Machine) processPosition(ctx context.Context, st *core.CoinState, tick *core.Ticker, now time.Time) {
	if tick == nil {
		return
	}
	last := tick.Last
	if last.GreaterThan(st.PeakPrice) {
		st.PeakPrice = last
	}
	if m.cfg.Exits.TrailingEnable && m.cfg.Exits.TrailingPct > 0 {
		factor := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(m.cfg.Exits.TrailingPct / 100))
		trigger := st.PeakPrice.Mul(factor)
		// Arm only once the trigger locks in a profit over entry.
		if trigger.GreaterThan(st.EntryPrice) {
			st.TrailingTrigger = trigger
		}
	}
	m.Dispatch(ctx, core.NewEvent(core.EvTickReceived, st.Symbol, now))
}

func (m *Machine) processExitEval(ctx context.Context, st *core.CoinState, tick *core.Ticker, now time.Time) {
	if tick == nil {
		m.Dispatch(ctx, core.NewEvent(core.EvNoExitSignal, st.Symbol, now))
		return
	}
	sig := m.exits.Evaluate(st, tick.Last, now)
	if sig == nil && m.cfg.Timeouts.TradeTTL > 0 && !st.EntryTS.IsZero() &&
		now.Sub(st.EntryTS) > m.cfg.Timeouts.TradeTTL {
		sig = &ExitSignal{Event: core.EvExitSignalTimeout, RuleCode: RuleTimeExit, Strength: 0.5}
	}
	if sig == nil {
		m.Dispatch(ctx, core.NewEvent(core.EvNoExitSignal, st.Symbol, now))
		return
	}
	ev := core.NewEvent(sig.Event, st.Symbol, now)
	ev.Ctx.DecisionID = st.DecisionID
	ev.Ctx.Data = map[string]any{"rule_code": sig.RuleCode, "strength": sig.Strength}
	if m.observer != nil {
		m.observer.Decision(st.Symbol, st.DecisionID, sig.Event, ev.Ctx.Data)
	}
	m.Dispatch(ctx, ev)
}

func (m *Machine) processPlaceSell(ctx context.Context, st *core.CoinState, tick *core.Ticker, now time.Time) {
	if tick == nil {
		return
	}
	qty := st.Amount
	tickSize := decimal.Zero
	if filters, err := m.orders.Filters(ctx, st.Symbol); err == nil {
		qty = tradingutils.RoundQuantity(qty, filters.StepSize)
		tickSize = filters.TickSize
	}
	if !qty.IsPositive() {
		ev := core.NewEvent(core.EvErrorOccurred, st.Symbol, now)
		ev.Ctx.Err = fmt.Errorf("position %s rounds to dust", st.Amount.String())
		m.Dispatch(ctx, ev)
		return
	}

	intent := core.Intent{
		IntentID: exitIntentID(st, now),
		Symbol:   st.Symbol,
		Side:     core.SideSell,
		Qty:      qty,
		Reason:   "exit",
		RuleCode: st.ExitReason,
	}

	if m.cfg.Exits.NeverMarketSell && tickSize.IsPositive() {
		bid := tick.Bid
		if bid.IsZero() {
			bid = tick.Last
		}
		// The first rung is the order a restart would need to find.
		rung := intent
		rung.IntentID = intent.IntentID + "-L0"
		m.rememberClientID(st, rung)
		m.launchLadder(st.Symbol, intent, bid, tickSize)
	} else {
		if !m.exits.UseMarketOrder(st.ExitReason) {
			intent.LimitPrice = tick.Last
		}
		m.rememberClientID(st, intent)
		m.launch(st.Symbol, intent)
	}

	ev := core.NewEvent(core.EvSellOrderPlaced, st.Symbol, now)
	ev.Ctx.DecisionID = st.DecisionID
	ev.Ctx.FilledQty = qty // target quantity for the sell progress tracker
	ev.Ctx.Data = map[string]any{"intent_id": intent.IntentID}
	m.Dispatch(ctx, ev)
}

// exitIntentID builds a deterministic-format exit intent identifier:
// EXIT-<ms>-<SYMBOL>-<hash> where the hash covers the position inputs.
func exitIntentID(st *core.CoinState, now time.Time) string {
	sym := strings.ToUpper(strings.ReplaceAll(st.Symbol, "/", ""))
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s",
		st.Symbol, st.DecisionID, st.Amount.String(), st.ExitReason)))
	return fmt.Sprintf("EXIT-%d-%s-%s", now.UnixMilli(), sym, hex.EncodeToString(h[:4]))
}

func (m *Machine) processPostTrade(ctx context.Context, st *core.CoinState, now time.Time) {
	ev := core.NewEvent(core.EvTradeComplete, st.Symbol, now)
	ev.Ctx.DecisionID = st.DecisionID
	m.Dispatch(ctx, ev)
}

// ---- transition actions ----

func (m *Machine) assignDecision(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	st.DecisionID = ev.DecisionID
	st.Note = ""
	return nil
}

func (m *Machine) applyEntryCooldown(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	st.CooldownUntil = ev.Timestamp.Add(m.cfg.EntryCooldown)
	st.DecisionID = ""
	if reason, ok := ev.Data["reason"].(string); ok {
		st.Note = reason
	}
	return nil
}

func (m *Machine) recordBuyPlaced(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	st.Buy = &core.OrderProgress{TargetQty: ev.FilledQty}
	st.OrderPlacedTS = ev.Timestamp
	return nil
}

func (m *Machine) recordSellPlaced(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	st.Sell = &core.OrderProgress{TargetQty: ev.FilledQty}
	st.OrderPlacedTS = ev.Timestamp
	return nil
}

func (m *Machine) accumulateBuy(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	if st.Buy == nil {
		st.Buy = &core.OrderProgress{TargetQty: ev.FilledQty}
	}
	delta := ev.FilledQty.Sub(st.Buy.FilledQty)
	if delta.IsPositive() {
		st.Buy.Add(delta, ev.AvgPrice, feeDelta(ev.Fees, st.Buy.Fees))
	}
	st.OrderID = ev.OrderID
	return nil
}

// feeDelta returns how much of the cumulative fee is not yet booked.
func feeDelta(cumulative, booked decimal.Decimal) decimal.Decimal {
	if cumulative.GreaterThan(booked) {
		return cumulative.Sub(booked)
	}
	return decimal.Zero
}

func (m *Machine) accumulateSell(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	if st.Sell == nil {
		st.Sell = &core.OrderProgress{TargetQty: st.Amount}
	}
	delta := ev.FilledQty.Sub(st.Sell.FilledQty)
	if delta.IsPositive() {
		st.Sell.Add(delta, ev.AvgPrice, feeDelta(ev.Fees, st.Sell.Fees))
		st.Amount = decimal.Max(decimal.Zero, st.Amount.Sub(delta))
	}
	st.OrderID = ev.OrderID
	return nil
}

// commitBuy opens the position from the accumulated fills. Runs as a
// transaction: any error restores the pre-event state and parks the
// symbol in ERROR.
func (m *Machine) commitBuy(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	qty := ev.FilledQty
	avg := ev.AvgPrice
	fees := ev.Fees
	if st.Buy != nil && st.Buy.FilledQty.GreaterThan(qty) {
		qty = st.Buy.FilledQty
		avg = st.Buy.AvgPrice()
		fees = st.Buy.Fees
	}
	if !qty.IsPositive() {
		return fmt.Errorf("buy fill committed with zero quantity")
	}

	st.Amount = qty
	st.EntryPrice = avg
	st.EntryTS = ev.Timestamp
	if fees.IsPositive() {
		st.EntryFeePerUnit = fees.Div(qty)
	}
	st.PeakPrice = avg
	st.TrailingTrigger = decimal.Zero
	if m.cfg.Exits.HardSLPct > 0 {
		st.StopLossPx = avg.Mul(decimal.NewFromFloat(1 - m.cfg.Exits.HardSLPct/100))
	}
	if m.cfg.Exits.HardTPPct > 0 {
		st.TakeProfitPx = avg.Mul(decimal.NewFromFloat(1 + m.cfg.Exits.HardTPPct/100))
	}
	st.Buy = nil
	st.ClearOrder()

	m.logger.Info("Position opened",
		"symbol", st.Symbol, "qty", qty.String(), "entry", avg.String(),
		"sl", st.StopLossPx.String(), "tp", st.TakeProfitPx.String())
	return nil
}

func (m *Machine) commitSell(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	if st.Sell == nil {
		st.Sell = &core.OrderProgress{TargetQty: st.Amount}
	}
	delta := ev.FilledQty.Sub(st.Sell.FilledQty)
	if delta.IsPositive() {
		st.Sell.Add(delta, ev.AvgPrice, feeDelta(ev.Fees, st.Sell.Fees))
	}
	if st.Sell.FilledQty.IsZero() {
		return fmt.Errorf("sell fill committed with zero quantity")
	}
	st.ClearOrder()
	return nil
}

func (m *Machine) abandonBuy(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	st.ClearOrder()
	st.Buy = nil
	st.DecisionID = ""
	st.CooldownUntil = ev.Timestamp.Add(m.cfg.EntryCooldown)
	if reason, ok := ev.Data["reason"].(string); ok {
		st.Note = reason
	}
	m.clearPending(st.Symbol)
	return nil
}

func (m *Machine) abortBuy(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	m.cancelInFlight(ctx, st)
	st.ErrorCount++
	st.LastError = "buy fill timeout"
	st.ClearOrder()
	st.Buy = nil
	m.clearPending(st.Symbol)
	return nil
}

func (m *Machine) abortSell(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	m.cancelInFlight(ctx, st)
	st.ErrorCount++
	st.LastError = "sell fill timeout"
	// The exchange position survives in the portfolio; state-side
	// bookkeeping resets so ERROR holds no position.
	st.ClearOrder()
	st.ClearPosition()
	m.clearPending(st.Symbol)
	return nil
}

func (m *Machine) cancelInFlight(ctx context.Context, st *core.CoinState) {
	if st.OrderID == "" {
		return
	}
	if err := m.orders.CancelOrder(ctx, st.Symbol, st.OrderID); err != nil {
		m.logger.Warn("Best-effort cancel failed",
			"symbol", st.Symbol, "order_id", st.OrderID, "error", err.Error())
	}
}

func (m *Machine) clearPending(symbol string) {
	m.mu.Lock()
	delete(m.pending, symbol)
	delete(m.results, symbol)
	m.mu.Unlock()
}

func (m *Machine) clearPendingOrder(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	st.ClearOrder()
	if reason, ok := ev.Data["reason"].(string); ok {
		st.Note = reason
	}
	m.clearPending(st.Symbol)
	return nil
}

func (m *Machine) recordExitReason(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	if code, ok := ev.Data["rule_code"].(string); ok {
		st.ExitReason = code
	} else if st.ExitReason == "" {
		st.ExitReason = RuleTimeExit
	}
	return nil
}

func (m *Machine) noteTTLExpiry(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	st.Note = "trade_ttl_expired"
	return nil
}

func (m *Machine) finalizeTrade(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	pnl := decimal.Zero
	if st.Sell != nil && st.Sell.FilledQty.IsPositive() {
		pnl = st.Sell.AvgPrice().Sub(st.EntryPrice).Mul(st.Sell.FilledQty)
	}
	telemetry.GetGlobalMetrics().TradesCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", st.Symbol),
		attribute.String("exit_reason", st.ExitReason),
	))
	m.logger.Info("Trade complete",
		"symbol", st.Symbol, "exit_reason", st.ExitReason,
		"qty", st.Amount.String(), "pnl_estimate", pnl.String())

	st.CooldownUntil = ev.Timestamp.Add(m.cfg.SymbolCooldown)
	st.ClearPosition()
	st.ClearOrder()
	return nil
}

func (m *Machine) resetCounters(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	st.ErrorCount = 0
	st.RetryCount = 0
	st.ExitReason = ""
	st.DecisionID = ""
	st.Note = ""
	st.LastError = ""
	return nil
}

func (m *Machine) resetAfterError(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	st.ClearPosition()
	st.ClearOrder()
	st.RetryCount = 0
	st.DecisionID = ""
	st.ExitReason = ""
	st.LastError = ""
	st.CooldownUntil = ev.Timestamp.Add(m.cfg.EntryCooldown)
	return nil
}

func (m *Machine) recordError(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	st.ErrorCount++
	if ev.Err != nil {
		st.LastError = ev.Err.Error()
	}
	st.ClearOrder()
	st.ClearPosition()
	m.clearPending(st.Symbol)
	return nil
}

func (m *Machine) markHalted(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	st.Note = NoteManualHalt
	st.ClearOrder()
	st.ClearPosition()
	m.clearPending(st.Symbol)
	return nil
}

// haltInFlight parks a symbol that still has an order working. The order
// is canceled best effort; position bookkeeping resets because ERROR
// holds no position.
func (m *Machine) haltInFlight(ctx context.Context, ev core.EventContext, st *core.CoinState) error {
	m.cancelInFlight(ctx, st)
	if ev.Err != nil {
		st.LastError = ev.Err.Error()
	}
	return m.markHalted(ctx, ev, st)
}
