package fsm

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"spot_engine/internal/coid"
	"spot_engine/internal/core"
	"spot_engine/internal/exchange"
	"spot_engine/internal/mock"
	"spot_engine/internal/portfolio"
	"spot_engine/internal/reconciler"
	"spot_engine/internal/router"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSymbol = "BTC/USDT"

// syncBus delivers events inline, so fills reconcile before assertions run.
type syncBus struct {
	handlers map[string][]func(any)
}

func newSyncBus() *syncBus { return &syncBus{handlers: make(map[string][]func(any))} }

func (b *syncBus) Subscribe(topic string, h func(payload any)) {
	b.handlers[topic] = append(b.handlers[topic], h)
}

func (b *syncBus) Publish(topic string, payload any) {
	for _, h := range b.handlers[topic] {
		h(payload)
	}
}

type machineFixture struct {
	clock   *mock.Clock
	ex      *mock.Exchange
	pf      *portfolio.Portfolio
	market  *mock.MarketData
	signals *mock.Signals
	guards  *mock.Guards
	coids   *coid.Manager
	cfg     Config
	rcfg    router.Config
	machine *Machine
}

func newMachineFixture(t *testing.T, cfg Config, rcfg router.Config, submit func(func())) *machineFixture {
	t.Helper()
	clock := mock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	coids, err := coid.NewManager(filepath.Join(t.TempDir(), "coid_kv.json"), &mock.Logger{}, clock)
	require.NoError(t, err)

	rcfg.RetryBackoff = time.Millisecond
	rcfg.FillTimeout = 20 * time.Millisecond
	f := &machineFixture{
		clock:   clock,
		ex:      mock.NewExchange(),
		pf:      portfolio.New(decimal.NewFromInt(10000), decimal.NewFromInt(10), &mock.Logger{}, clock),
		market:  mock.NewMarketData(),
		signals: mock.NewSignals(),
		guards:  mock.NewGuards(),
		coids:   coids,
		cfg:     cfg,
		rcfg:    rcfg,
	}
	f.restart(t, submit)
	return f
}

// restart swaps in a fresh machine over the same exchange, portfolio and
// id registry, like a process coming back after a crash. The caller
// restores whatever snapshots survived.
func (f *machineFixture) restart(t *testing.T, submit func(func())) {
	t.Helper()
	bus := newSyncBus()
	wrapper := exchange.NewWrapper(f.ex, &mock.Logger{}, exchange.Options{
		OrderRate: 1000, OrderBurst: 1000, PollInterval: 2 * time.Millisecond,
	}, nil)
	rt := router.New(f.rcfg, wrapper, f.pf, f.coids, f.market, bus, &mock.Logger{}, f.clock)
	reconciler.New(wrapper, f.pf, nil, &mock.Logger{}, nil).SubscribeTo(bus)

	m, err := NewMachine(f.cfg, Deps{
		Executor:  rt,
		Orders:    wrapper,
		IDs:       f.coids,
		Portfolio: f.pf,
		Signals:   f.signals,
		Guards:    f.guards,
		Submit:    submit,
		Logger:    &mock.Logger{},
		Clock:     f.clock,
	})
	require.NoError(t, err)
	f.machine = m
}

func defaultConfig() Config {
	return Config{
		MaxTrades:        2,
		PositionSizeUSDT: decimal.NewFromInt(500),
		MinSlotUSDT:      decimal.NewFromInt(10),
		EntryCooldown:    30 * time.Second,
		SymbolCooldown:   time.Minute,
		Timeouts:         TimeoutPolicy{BuyFill: 5 * time.Second, SellFill: 5 * time.Second},
		Exits:            ExitConfig{HardSLPct: 2, HardTPPct: 2, SLMarket: true},
	}
}

// tick advances the clock one second, publishes a fresh ticker and runs one
// engine cycle: deadline sweep first, then phase processing.
func (f *machineFixture) tick(t *testing.T, price float64) {
	t.Helper()
	f.clock.Advance(time.Second)
	tk := &core.Ticker{
		Symbol:    testSymbol,
		Last:      decimal.NewFromFloat(price),
		Bid:       decimal.NewFromFloat(price),
		Ask:       decimal.NewFromFloat(price),
		Timestamp: f.clock.Now(),
	}
	f.market.Set(testSymbol, tk)
	f.ex.SetTicker(tk)
	f.machine.SweepTimeouts(context.Background(), testSymbol)
	f.machine.Process(context.Background(), testSymbol, tk)
}

func (f *machineFixture) phase() core.Phase {
	return f.machine.State(testSymbol).Phase
}

// driveToPosition walks a symbol from WARMUP into an open position.
func (f *machineFixture) driveToPosition(t *testing.T, price float64) {
	t.Helper()
	f.signals.Trigger(testSymbol, map[string]any{"rule": "test"})
	f.tick(t, price) // WARMUP -> IDLE
	f.tick(t, price) // IDLE -> ENTRY_EVAL
	f.tick(t, price) // ENTRY_EVAL -> PLACE_BUY
	f.tick(t, price) // PLACE_BUY -> WAIT_FILL (instant fill lands inline)
	f.tick(t, price) // WAIT_FILL -> POSITION
	require.Equal(t, core.PhasePosition, f.phase())
	f.signals.Clear(testSymbol)
}

func TestHappyPathBuyToTakeProfit(t *testing.T) {
	f := newMachineFixture(t, defaultConfig(), router.Config{}, nil)

	f.driveToPosition(t, 50000)
	st := f.machine.State(testSymbol)
	// quote = min(10000/2, 500) = 500 -> 0.01 BTC at 50000.
	assert.True(t, st.Amount.Equal(decimal.NewFromFloat(0.01)), "got %s", st.Amount)
	assert.True(t, st.EntryPrice.Equal(decimal.NewFromInt(50000)))
	assert.True(t, st.StopLossPx.Equal(decimal.NewFromInt(49000)))
	assert.True(t, st.TakeProfitPx.Equal(decimal.NewFromInt(51000)))
	assert.Empty(t, st.OrderID)

	// Portfolio agrees with the state machine.
	pos := f.pf.Position(testSymbol)
	require.NotNil(t, pos)
	assert.True(t, pos.Qty.Equal(decimal.NewFromFloat(0.01)))

	// Price reaches the take profit level.
	f.tick(t, 51100) // POSITION -> EXIT_EVAL
	f.tick(t, 51100) // EXIT_EVAL -> PLACE_SELL
	require.Equal(t, core.PhasePlaceSell, f.phase())
	assert.Equal(t, RuleHardTP, f.machine.State(testSymbol).ExitReason)

	f.tick(t, 51100) // PLACE_SELL -> WAIT_SELL_FILL
	f.tick(t, 51100) // WAIT_SELL_FILL -> POST_TRADE
	f.tick(t, 51100) // POST_TRADE -> COOLDOWN
	require.Equal(t, core.PhaseCooldown, f.phase())

	st = f.machine.State(testSymbol)
	assert.True(t, st.Amount.IsZero())
	assert.True(t, st.CooldownUntil.After(f.clock.Now()))

	// Cooldown expires and the freed slot is taken the same tick.
	f.clock.Advance(2 * time.Minute)
	f.tick(t, 51100)
	assert.Equal(t, core.PhaseEntryEval, f.phase())
	assert.Zero(t, f.machine.State(testSymbol).ErrorCount)
	assert.Empty(t, f.machine.State(testSymbol).ExitReason)

	// Round trip realized on the portfolio: (51100-50000) * 0.01 = 11.
	pos = f.pf.Position(testSymbol)
	require.NotNil(t, pos)
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(11)), "got %s", pos.RealizedPnL)
}

func TestGuardsBlockedAppliesEntryCooldown(t *testing.T) {
	f := newMachineFixture(t, defaultConfig(), router.Config{}, nil)
	f.guards.Block(testSymbol, "spread_too_wide")

	f.tick(t, 50000) // WARMUP -> IDLE
	f.tick(t, 50000) // IDLE -> ENTRY_EVAL
	f.tick(t, 50000) // ENTRY_EVAL -> IDLE, blocked
	require.Equal(t, core.PhaseIdle, f.phase())

	st := f.machine.State(testSymbol)
	assert.True(t, st.CooldownUntil.After(f.clock.Now()))

	// Still cooling down: no new decision.
	f.tick(t, 50000)
	assert.Equal(t, core.PhaseIdle, f.phase())

	// After the cooldown the symbol tries again.
	f.clock.Advance(31 * time.Second)
	f.tick(t, 50000)
	assert.Equal(t, core.PhaseEntryEval, f.phase())
}

func TestInvalidEventIsLoggedNoOp(t *testing.T) {
	f := newMachineFixture(t, defaultConfig(), router.Config{}, nil)
	f.tick(t, 50000)
	require.Equal(t, core.PhaseIdle, f.phase())

	ok := f.machine.Dispatch(context.Background(),
		core.NewEvent(core.EvSellOrderFilled, testSymbol, f.clock.Now()))
	assert.False(t, ok)
	assert.Equal(t, core.PhaseIdle, f.phase())
}

func TestPartialFinalFillCommitsWhatExecuted(t *testing.T) {
	f := newMachineFixture(t, defaultConfig(), router.Config{MaxRetries: 2}, nil)
	f.ex.Behavior = mock.FillPartial
	f.ex.PartialQty = decimal.NewFromFloat(0.004)

	f.driveToPosition(t, 50000)
	st := f.machine.State(testSymbol)
	// Two IOC attempts at 0.004 each out of the 0.01 target.
	assert.True(t, st.Amount.Equal(decimal.NewFromFloat(0.008)), "got %s", st.Amount)
	assert.True(t, st.EntryPrice.Equal(decimal.NewFromInt(50000)))
}

func TestTrailingStopArmsAboveEntryAndFires(t *testing.T) {
	cfg := defaultConfig()
	cfg.Exits = ExitConfig{HardSLPct: 5, HardTPPct: 10, TrailingEnable: true, TrailingPct: 1}
	f := newMachineFixture(t, cfg, router.Config{}, nil)

	f.driveToPosition(t, 50000)
	st := f.machine.State(testSymbol)
	assert.True(t, st.TrailingTrigger.IsZero())

	f.tick(t, 51000) // POSITION: peak 51000, trigger 50490 locks in profit
	st = f.machine.State(testSymbol)
	assert.True(t, st.TrailingTrigger.Equal(decimal.NewFromFloat(50490)), "got %s", st.TrailingTrigger)

	f.tick(t, 50400) // EXIT_EVAL: under the trigger
	require.Equal(t, core.PhasePlaceSell, f.phase())
	assert.Equal(t, RuleTrailSL, f.machine.State(testSymbol).ExitReason)
}

func TestBuyFillTimeoutGoesToErrorThenRecovers(t *testing.T) {
	// Submit drops the task: the router never answers, as if the exchange hung.
	f := newMachineFixture(t, defaultConfig(), router.Config{}, func(func()) {})
	f.signals.Trigger(testSymbol, nil)

	f.tick(t, 50000) // WARMUP -> IDLE
	f.tick(t, 50000) // IDLE -> ENTRY_EVAL
	f.tick(t, 50000) // ENTRY_EVAL -> PLACE_BUY
	f.tick(t, 50000) // PLACE_BUY -> WAIT_FILL
	require.Equal(t, core.PhaseWaitFill, f.phase())

	f.clock.Advance(6 * time.Second)
	f.tick(t, 50000)
	require.Equal(t, core.PhaseError, f.phase())
	st := f.machine.State(testSymbol)
	assert.Equal(t, 1, st.ErrorCount)
	assert.Equal(t, "buy fill timeout", st.LastError)

	// First error backs off 20s before returning to IDLE.
	f.clock.Advance(10 * time.Second)
	f.tick(t, 50000)
	require.Equal(t, core.PhaseError, f.phase())

	f.clock.Advance(11 * time.Second)
	f.signals.Clear(testSymbol)
	f.tick(t, 50000)
	assert.Equal(t, core.PhaseIdle, f.phase())
	assert.True(t, f.machine.State(testSymbol).Amount.IsZero())
}

func TestNeverMarketSellWalksLimitLadder(t *testing.T) {
	cfg := defaultConfig()
	cfg.Exits = ExitConfig{
		HardSLPct: 2, HardTPPct: 10, SLMarket: true,
		NeverMarketSell: true, SellLadderTicks: []int{0, 1, 2},
	}
	f := newMachineFixture(t, cfg, router.Config{}, nil)

	f.driveToPosition(t, 50000)

	// Crash through the stop loss at 49000.
	f.tick(t, 48900) // POSITION -> EXIT_EVAL
	f.tick(t, 48900) // EXIT_EVAL -> PLACE_SELL, HARD_SL
	f.tick(t, 48900) // PLACE_SELL -> WAIT_SELL_FILL (ladder runs inline)
	f.tick(t, 48900) // WAIT_SELL_FILL -> POST_TRADE
	require.Equal(t, core.PhasePostTrade, f.phase())

	orders := f.ex.Orders()
	require.Len(t, orders, 2)
	sell := orders[1]
	assert.Equal(t, core.SideSell, sell.Side)
	assert.Equal(t, core.OrderTypeLimit, sell.Type)
	// First rung sits at the bid, market orders never happen.
	assert.True(t, sell.Price.Equal(decimal.NewFromFloat(48900)), "got %s", sell.Price)
	assert.True(t, strings.HasPrefix(sell.ClientOrderID, "TBP-EXIT-"), "got %s", sell.ClientOrderID)
}

func TestManualHaltParksSymbolUntilCleared(t *testing.T) {
	f := newMachineFixture(t, defaultConfig(), router.Config{}, nil)
	f.driveToPosition(t, 50000)

	f.machine.Halt(testSymbol)
	require.Equal(t, core.PhaseError, f.phase())
	st := f.machine.State(testSymbol)
	assert.Equal(t, NoteManualHalt, st.Note)
	assert.True(t, st.Amount.IsZero())

	// No amount of waiting releases a halted symbol.
	f.clock.Advance(time.Hour)
	f.tick(t, 50000)
	assert.Equal(t, core.PhaseError, f.phase())
}

func TestMaxTradesGatesNewEntries(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxTrades = 1
	f := newMachineFixture(t, cfg, router.Config{}, nil)
	f.driveToPosition(t, 50000)

	// A second symbol cannot take a slot while the first holds one.
	other := "ETH/USDT"
	tk := &core.Ticker{Symbol: other, Last: decimal.NewFromInt(3000), Bid: decimal.NewFromInt(3000)}
	f.machine.Process(context.Background(), other, tk) // WARMUP -> IDLE
	f.clock.Advance(time.Second)
	f.machine.Process(context.Background(), other, tk)
	assert.Equal(t, core.PhaseIdle, f.machine.State(other).Phase)
}

func TestStaleMarketDataFreezesEvaluation(t *testing.T) {
	f := newMachineFixture(t, defaultConfig(), router.Config{}, nil)
	f.signals.Trigger(testSymbol, nil)
	f.tick(t, 50000)
	f.tick(t, 50000)
	require.Equal(t, core.PhaseEntryEval, f.phase())

	// Nil tick: no entry decision is made on stale data.
	f.clock.Advance(time.Second)
	f.machine.Process(context.Background(), testSymbol, nil)
	assert.Equal(t, core.PhaseEntryEval, f.phase())
}

// waitFillCrash drives a symbol to WAIT_FILL with the order task dropped,
// as if the process died right after the placement went out, and returns
// the state holding the resolved client order id.
func waitFillCrash(t *testing.T, f *machineFixture) *core.CoinState {
	t.Helper()
	f.signals.Trigger(testSymbol, nil)
	f.tick(t, 50000) // WARMUP -> IDLE
	f.tick(t, 50000) // IDLE -> ENTRY_EVAL
	f.tick(t, 50000) // ENTRY_EVAL -> PLACE_BUY
	f.tick(t, 50000) // PLACE_BUY -> WAIT_FILL
	require.Equal(t, core.PhaseWaitFill, f.phase())
	st := f.machine.State(testSymbol)
	require.NotEmpty(t, st.ClientOrderID)
	return st
}

func TestRecoveredWaitFillAdoptsFilledOrder(t *testing.T) {
	f := newMachineFixture(t, defaultConfig(), router.Config{}, func(func()) {})
	st := waitFillCrash(t, f)

	// The order reached the book and filled before the crash.
	order, err := f.ex.CreateOrder(context.Background(), testSymbol,
		core.OrderTypeLimit, core.SideBuy,
		decimal.NewFromFloat(0.01), decimal.NewFromInt(50000),
		core.OrderParams{ClientOrderID: st.ClientOrderID})
	require.NoError(t, err)
	require.NoError(t, f.coids.UpdateStatus(st.ClientOrderID, coid.StatusAcked, order.ID))

	snap := *st
	require.NoError(t, snap.Validate(f.clock.Now(), 0))

	f.restart(t, nil)
	f.machine.Restore(&snap)
	f.tick(t, 50000)

	require.Equal(t, core.PhasePosition, f.phase())
	st = f.machine.State(testSymbol)
	assert.True(t, st.Amount.Equal(decimal.NewFromFloat(0.01)), "got %s", st.Amount)
	assert.True(t, st.EntryPrice.Equal(decimal.NewFromInt(50000)))
	// The existing order was adopted, not placed again.
	assert.Len(t, f.ex.Orders(), 1)
	assert.Equal(t, 1, f.ex.CreateCalls)
}

func TestRecoveredOpenOrderKeepsWaitingThenTimesOut(t *testing.T) {
	f := newMachineFixture(t, defaultConfig(), router.Config{}, func(func()) {})
	st := waitFillCrash(t, f)

	// The pre-crash order sits on the book unfilled.
	f.ex.Behavior = mock.FillNever
	order, err := f.ex.CreateOrder(context.Background(), testSymbol,
		core.OrderTypeLimit, core.SideBuy,
		decimal.NewFromFloat(0.01), decimal.NewFromInt(50000),
		core.OrderParams{ClientOrderID: st.ClientOrderID})
	require.NoError(t, err)
	require.NoError(t, f.coids.UpdateStatus(st.ClientOrderID, coid.StatusAcked, order.ID))

	snap := *st
	f.restart(t, nil)
	f.machine.Restore(&snap)

	f.tick(t, 50000)
	require.Equal(t, core.PhaseWaitFill, f.phase())
	assert.Equal(t, order.ID, f.machine.State(testSymbol).OrderID)
	assert.Equal(t, 1, f.ex.CreateCalls)

	// The usual fill deadline cancels through the adopted order id.
	f.clock.Advance(6 * time.Second)
	f.tick(t, 50000)
	require.Equal(t, core.PhaseError, f.phase())
	assert.Equal(t, 1, f.ex.CancelCalls)
	assert.Equal(t, core.OrderStatusCanceled, f.ex.Orders()[0].Status)
}

func TestEntryFeesCarryIntoPosition(t *testing.T) {
	f := newMachineFixture(t, defaultConfig(), router.Config{}, nil)
	f.ex.FeeRate = decimal.NewFromFloat(0.001)

	f.driveToPosition(t, 50000)
	st := f.machine.State(testSymbol)
	// 0.01 BTC at 50000 costs 500; the 0.1% fee is 0.5, or 50 per unit.
	assert.True(t, st.EntryFeePerUnit.Equal(decimal.NewFromInt(50)), "got %s", st.EntryFeePerUnit)
}

func TestManualHaltWhileWaitingCancelsOrder(t *testing.T) {
	f := newMachineFixture(t, defaultConfig(), router.Config{}, func(func()) {})
	st := waitFillCrash(t, f)

	f.ex.Behavior = mock.FillNever
	order, err := f.ex.CreateOrder(context.Background(), testSymbol,
		core.OrderTypeLimit, core.SideBuy,
		decimal.NewFromFloat(0.01), decimal.NewFromInt(50000),
		core.OrderParams{ClientOrderID: st.ClientOrderID})
	require.NoError(t, err)
	st.OrderID = order.ID

	f.machine.Halt(testSymbol)
	require.Equal(t, core.PhaseError, f.phase())
	assert.Equal(t, NoteManualHalt, f.machine.State(testSymbol).Note)
	assert.Equal(t, 1, f.ex.CancelCalls)
}

func TestRestoreInstallsRecoveredState(t *testing.T) {
	f := newMachineFixture(t, defaultConfig(), router.Config{}, nil)
	recovered := core.NewCoinState(testSymbol, f.clock.Now())
	recovered.Phase = core.PhaseCooldown
	recovered.CooldownUntil = f.clock.Now().Add(time.Minute)
	f.machine.Restore(recovered)

	assert.Equal(t, core.PhaseCooldown, f.phase())
	f.clock.Advance(2 * time.Minute)
	f.tick(t, 50000)
	assert.Equal(t, core.PhaseEntryEval, f.phase())
}
