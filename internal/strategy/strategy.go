// Package strategy ships the default entry collaborators: a momentum
// signal evaluator and a guard chain over live market conditions. Both
// sit behind the core interfaces so operators can swap them out.
package strategy

import (
	"context"
	"fmt"
	"sync"

	"spot_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Momentum triggers an entry when the last price has risen by at least
// thresholdPct over the lookback window. It is fed every tick via Update.
type Momentum struct {
	window    int
	threshold decimal.Decimal

	mu      sync.Mutex
	history map[string][]decimal.Decimal
}

// NewMomentum creates a momentum evaluator. Window is the number of ticks
// looked back; thresholdPct is the required rise in percent.
func NewMomentum(window int, thresholdPct float64) *Momentum {
	if window < 2 {
		window = 2
	}
	return &Momentum{
		window:    window,
		threshold: decimal.NewFromFloat(thresholdPct),
		history:   make(map[string][]decimal.Decimal),
	}
}

// Update appends the tick price to the symbol's window.
func (m *Momentum) Update(symbol string, last decimal.Decimal) {
	if last.IsZero() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h := append(m.history[symbol], last)
	if len(h) > m.window {
		h = h[len(h)-m.window:]
	}
	m.history[symbol] = h
}

// Evaluate answers the entry question. The window must be full before the
// evaluator can trigger.
func (m *Momentum) Evaluate(symbol string, last decimal.Decimal) (bool, map[string]any) {
	m.mu.Lock()
	h := m.history[symbol]
	m.mu.Unlock()

	if len(h) < m.window {
		return false, map[string]any{"rule": "momentum", "reason": "warming_up", "have": len(h), "need": m.window}
	}
	oldest := h[0]
	if oldest.IsZero() || last.IsZero() {
		return false, map[string]any{"rule": "momentum", "reason": "zero_price"}
	}

	changePct := last.Sub(oldest).Div(oldest).Mul(decimal.NewFromInt(100))
	triggered := changePct.GreaterThanOrEqual(m.threshold)
	return triggered, map[string]any{
		"rule":          "momentum",
		"change_pct":    changePct.String(),
		"threshold_pct": m.threshold.String(),
		"window":        m.window,
	}
}

// Guard is one named predicate over current market conditions. A nil error
// means the guard passes.
type Guard interface {
	Name() string
	Check(symbol string, last decimal.Decimal) error
}

// Chain runs every guard and collects the names of those that failed. It
// implements core.GuardChain.
type Chain struct {
	guards []Guard
}

// NewChain composes guards in evaluation order.
func NewChain(guards ...Guard) *Chain {
	return &Chain{guards: guards}
}

// Passes reports whether all guards pass, with the failing names.
func (c *Chain) Passes(symbol string, last decimal.Decimal) (bool, []string) {
	var failed []string
	for _, g := range c.guards {
		if err := g.Check(symbol, last); err != nil {
			failed = append(failed, g.Name())
		}
	}
	return len(failed) == 0, failed
}

// SpreadGuard blocks entries when the bid/ask spread is wider than
// maxBps, or when no fresh snapshot is available at all.
type SpreadGuard struct {
	market core.MarketData
	maxBps decimal.Decimal
}

// NewSpreadGuard creates a spread guard. maxBps <= 0 disables the width
// check but still requires a fresh snapshot.
func NewSpreadGuard(market core.MarketData, maxBps float64) *SpreadGuard {
	return &SpreadGuard{market: market, maxBps: decimal.NewFromFloat(maxBps)}
}

func (g *SpreadGuard) Name() string { return "spread_too_wide" }

func (g *SpreadGuard) Check(symbol string, last decimal.Decimal) error {
	tick := g.market.Snapshot(context.Background(), symbol)
	if tick == nil {
		return fmt.Errorf("no fresh snapshot for %s", symbol)
	}
	if g.maxBps.Sign() <= 0 {
		return nil
	}
	if tick.Bid.IsZero() || tick.Ask.IsZero() || tick.Ask.LessThan(tick.Bid) {
		return fmt.Errorf("unusable book for %s", symbol)
	}
	mid := tick.Bid.Add(tick.Ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return fmt.Errorf("zero mid for %s", symbol)
	}
	spreadBps := tick.Ask.Sub(tick.Bid).Div(mid).Mul(decimal.NewFromInt(10000))
	if spreadBps.GreaterThan(g.maxBps) {
		return fmt.Errorf("spread %s bps exceeds %s", spreadBps.StringFixed(1), g.maxBps)
	}
	return nil
}

// VolumeGuard blocks entries on symbols trading below a minimum 24h volume.
type VolumeGuard struct {
	market    core.MarketData
	minVolume decimal.Decimal
}

// NewVolumeGuard creates a volume guard. minVolume <= 0 disables it.
func NewVolumeGuard(market core.MarketData, minVolume float64) *VolumeGuard {
	return &VolumeGuard{market: market, minVolume: decimal.NewFromFloat(minVolume)}
}

func (g *VolumeGuard) Name() string { return "volume_too_low" }

func (g *VolumeGuard) Check(symbol string, last decimal.Decimal) error {
	if g.minVolume.Sign() <= 0 {
		return nil
	}
	tick := g.market.Snapshot(context.Background(), symbol)
	if tick == nil {
		return fmt.Errorf("no fresh snapshot for %s", symbol)
	}
	if tick.Volume.LessThan(g.minVolume) {
		return fmt.Errorf("volume %s below %s", tick.Volume, g.minVolume)
	}
	return nil
}

// PriceSanityGuard rejects non-positive prices before any money math runs.
type PriceSanityGuard struct{}

func (PriceSanityGuard) Name() string { return "price_not_positive" }

func (PriceSanityGuard) Check(symbol string, last decimal.Decimal) error {
	if last.Sign() <= 0 {
		return fmt.Errorf("last price %s for %s", last, symbol)
	}
	return nil
}
