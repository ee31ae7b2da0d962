package fsm

import (
	"time"

	"spot_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Exit rule codes, in priority order.
const (
	RuleHardSL   = "HARD_SL"
	RuleHardTP   = "HARD_TP"
	RuleTrailSL  = "TRAIL_SL"
	RuleTimeExit = "TIME_EXIT"
)

// ExitConfig holds the exit rule tunables for one engine instance.
type ExitConfig struct {
	HardSLPct       float64
	HardTPPct       float64
	TrailingEnable  bool
	TrailingPct     float64
	MaxHold         time.Duration
	SLMarket        bool
	TPMarket        bool
	NeverMarketSell bool
	SellLadderTicks []int
}

// ExitSignal is a triggered exit decision.
type ExitSignal struct {
	Event    core.EventType
	RuleCode string
	Strength float64
}

// ExitEngine evaluates the exit rules against an open position. Rules are
// checked in fixed priority order and the first match wins: a stop loss
// always beats a take profit on the same tick.
type ExitEngine struct {
	cfg ExitConfig
}

// NewExitEngine creates an exit engine.
func NewExitEngine(cfg ExitConfig) *ExitEngine {
	return &ExitEngine{cfg: cfg}
}

// Evaluate returns the highest-priority triggered exit, or nil.
func (e *ExitEngine) Evaluate(st *core.CoinState, last decimal.Decimal, now time.Time) *ExitSignal {
	if st.Amount.IsZero() || last.IsZero() {
		return nil
	}

	if st.StopLossPx.IsPositive() && last.LessThanOrEqual(st.StopLossPx) {
		return &ExitSignal{Event: core.EvExitSignalSL, RuleCode: RuleHardSL, Strength: 1.0}
	}
	if st.TakeProfitPx.IsPositive() && last.GreaterThanOrEqual(st.TakeProfitPx) {
		return &ExitSignal{Event: core.EvExitSignalTP, RuleCode: RuleHardTP, Strength: 0.9}
	}
	if e.cfg.TrailingEnable && st.TrailingTrigger.IsPositive() && last.LessThanOrEqual(st.TrailingTrigger) {
		return &ExitSignal{Event: core.EvExitSignalTrailing, RuleCode: RuleTrailSL, Strength: 0.8}
	}
	if e.cfg.MaxHold > 0 && !st.EntryTS.IsZero() && now.Sub(st.EntryTS) >= e.cfg.MaxHold {
		return &ExitSignal{Event: core.EvExitSignalTimeout, RuleCode: RuleTimeExit, Strength: 0.5}
	}
	return nil
}

// UseMarketOrder reports whether the given rule is allowed to cross the
// spread with a market order. never_market_sells overrides everything.
func (e *ExitEngine) UseMarketOrder(ruleCode string) bool {
	if e.cfg.NeverMarketSell {
		return false
	}
	switch ruleCode {
	case RuleHardSL:
		return e.cfg.SLMarket
	case RuleHardTP:
		return e.cfg.TPMarket
	}
	return false
}
