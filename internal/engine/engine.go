// Package engine runs the tick loop that drives every watched symbol
// through its state machine once per interval.
package engine

import (
	"context"
	"time"

	"spot_engine/internal/core"
	"spot_engine/internal/eventlog"
	"spot_engine/pkg/telemetry"
)

// StateMachine is the slice of the fsm the tick loop drives.
type StateMachine interface {
	SweepTimeouts(ctx context.Context, symbol string)
	Process(ctx context.Context, symbol string, tick *core.Ticker)
	StatesCopy() []core.CoinState
}

// HealthSink receives periodic liveness records. May be nil.
type HealthSink interface {
	Health(event string, data map[string]any)
}

// Config holds the tick loop tunables.
type Config struct {
	TickInterval time.Duration
	Watchlist    []string
	StatusEveryN int
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.StatusEveryN <= 0 {
		c.StatusEveryN = 60
	}
}

// Engine owns the tick loop. One tick sweeps deadlines first, then
// processes each symbol with whatever market data is fresh.
type Engine struct {
	cfg     Config
	machine StateMachine
	market  core.MarketData
	health  HealthSink
	logger  core.ILogger
	clock   core.Clock

	ticks uint64
}

// New creates an engine.
func New(cfg Config, machine StateMachine, market core.MarketData,
	health HealthSink, logger core.ILogger, clock core.Clock) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:     cfg,
		machine: machine,
		market:  market,
		health:  health,
		logger:  logger.WithField("component", "engine"),
		clock:   clock,
	}
}

// Run drives ticks until the context is canceled. In-flight symbol
// processing finishes before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Engine started",
		"symbols", len(e.cfg.Watchlist), "tick_interval", e.cfg.TickInterval.String())

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine stopping", "ticks", e.ticks)
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one full pass over the watchlist.
func (e *Engine) Tick(ctx context.Context) {
	start := time.Now()
	tickCtx := eventlog.WithScope(ctx, "tick")

	snaps := e.market.Snapshots(tickCtx, e.cfg.Watchlist)
	for _, symbol := range e.cfg.Watchlist {
		if ctx.Err() != nil {
			return
		}
		symCtx := eventlog.WithScope(tickCtx, symbol)
		e.machine.SweepTimeouts(symCtx, symbol)
		e.machine.Process(symCtx, symbol, snaps[symbol])
	}

	e.ticks++
	if e.ticks%uint64(e.cfg.StatusEveryN) == 0 {
		e.publishStatus(tickCtx)
	}
	telemetry.GetGlobalMetrics().TickDuration.Record(ctx,
		float64(time.Since(start).Microseconds())/1000.0)
}

// publishStatus refreshes the liveness gauges and journals a heartbeat.
func (e *Engine) publishStatus(ctx context.Context) {
	states := e.machine.StatesCopy()

	var open, inError int64
	phases := make(map[string]string, len(states))
	for _, st := range states {
		if st.Phase.HoldsPosition() {
			open++
		}
		if st.Phase == core.PhaseError {
			inError++
		}
		phases[st.Symbol] = string(st.Phase)
	}

	metrics := telemetry.GetGlobalMetrics()
	metrics.SetOpenPositions(open)
	metrics.SetSymbolsInError(inError)

	e.logger.Info("Engine status",
		"ticks", e.ticks, "open_positions", open, "symbols_in_error", inError)
	if e.health != nil {
		e.health.Health("status", map[string]any{
			"ticks":            e.ticks,
			"open_positions":   open,
			"symbols_in_error": inError,
			"phases":           phases,
		})
	}
}

// Ticks returns how many full passes have completed.
func (e *Engine) Ticks() uint64 { return e.ticks }
