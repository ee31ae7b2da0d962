package mock

import (
	"context"
	"sync"
	"time"

	"spot_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Logger is a no-op core.ILogger for tests.
type Logger struct{}

func (l *Logger) Debug(msg string, fields ...interface{})          {}
func (l *Logger) Info(msg string, fields ...interface{})           {}
func (l *Logger) Warn(msg string, fields ...interface{})           {}
func (l *Logger) Error(msg string, fields ...interface{})          {}
func (l *Logger) Fatal(msg string, fields ...interface{})          {}
func (l *Logger) WithField(k string, v interface{}) core.ILogger   { return l }
func (l *Logger) WithFields(f map[string]interface{}) core.ILogger { return l }

// Clock is a settable core.Clock for deterministic tests.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock frozen at the given instant.
func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set moves the clock to an absolute instant.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// MarketData serves scripted snapshots.
type MarketData struct {
	mu      sync.Mutex
	tickers map[string]*core.Ticker
}

// NewMarketData returns an empty scripted market data source.
func NewMarketData() *MarketData {
	return &MarketData{tickers: make(map[string]*core.Ticker)}
}

// Set scripts the snapshot for a symbol. Pass nil to simulate staleness.
func (m *MarketData) Set(symbol string, t *core.Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t == nil {
		delete(m.tickers, symbol)
		return
	}
	m.tickers[symbol] = t
}

func (m *MarketData) Snapshot(ctx context.Context, symbol string) *core.Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tickers[symbol]
}

func (m *MarketData) Snapshots(ctx context.Context, symbols []string) map[string]*core.Ticker {
	out := make(map[string]*core.Ticker, len(symbols))
	for _, s := range symbols {
		out[s] = m.Snapshot(ctx, s)
	}
	return out
}

// Signals is a scriptable core.SignalEvaluator.
type Signals struct {
	mu        sync.Mutex
	triggered map[string]bool
	context   map[string]map[string]any
	updates   int
}

// NewSignals returns an evaluator that never triggers until scripted.
func NewSignals() *Signals {
	return &Signals{
		triggered: make(map[string]bool),
		context:   make(map[string]map[string]any),
	}
}

// Trigger scripts the next Evaluate result for a symbol.
func (s *Signals) Trigger(symbol string, ctx map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered[symbol] = true
	s.context[symbol] = ctx
}

// Clear resets the trigger for a symbol.
func (s *Signals) Clear(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered[symbol] = false
}

func (s *Signals) Update(symbol string, last decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
}

func (s *Signals) Evaluate(symbol string, last decimal.Decimal) (bool, map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered[symbol], s.context[symbol]
}

// Guards is a scriptable core.GuardChain that passes by default.
type Guards struct {
	mu      sync.Mutex
	blocked map[string][]string
}

// NewGuards returns a chain with no blocks.
func NewGuards() *Guards {
	return &Guards{blocked: make(map[string][]string)}
}

// Block scripts guard failures for a symbol.
func (g *Guards) Block(symbol string, failed ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked[symbol] = failed
}

// Unblock clears guard failures for a symbol.
func (g *Guards) Unblock(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blocked, symbol)
}

func (g *Guards) Passes(symbol string, last decimal.Decimal) (bool, []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if failed, ok := g.blocked[symbol]; ok && len(failed) > 0 {
		return false, failed
	}
	return true, nil
}
