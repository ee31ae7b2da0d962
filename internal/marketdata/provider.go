// Package marketdata serves per-symbol ticker snapshots with a freshness
// TTL. Prices arrive from a websocket stream when one is configured and
// fall back to REST polls otherwise; consumers see nil for stale symbols
// instead of trading on old prices.
package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"spot_engine/internal/core"
	"spot_engine/pkg/websocket"

	"github.com/shopspring/decimal"
)

type cachedTicker struct {
	ticker    core.Ticker
	fetchedAt time.Time
}

// Provider implements core.MarketData over an exchange client.
type Provider struct {
	client core.ExchangeClient
	ttl    time.Duration
	logger core.ILogger
	clock  core.Clock

	mu    sync.RWMutex
	cache map[string]cachedTicker

	stream *websocket.Client
}

// NewProvider creates a provider with the given snapshot TTL.
func NewProvider(client core.ExchangeClient, ttl time.Duration, logger core.ILogger, clock core.Clock) *Provider {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Provider{
		client: client,
		ttl:    ttl,
		logger: logger.WithField("component", "marketdata"),
		clock:  clock,
		cache:  make(map[string]cachedTicker),
	}
}

// Snapshot returns a fresh ticker for the symbol, or nil when neither the
// cache nor a REST poll can supply one within the TTL.
func (p *Provider) Snapshot(ctx context.Context, symbol string) *core.Ticker {
	now := p.clock.Now()

	p.mu.RLock()
	cached, ok := p.cache[symbol]
	p.mu.RUnlock()
	if ok && now.Sub(cached.fetchedAt) <= p.ttl {
		t := cached.ticker
		return &t
	}

	ticker, err := p.client.FetchTicker(ctx, symbol)
	if err != nil || ticker == nil {
		if err != nil {
			p.logger.Debug("Ticker poll failed", "symbol", symbol, "error", err.Error())
		}
		return nil
	}
	p.store(*ticker, now)
	t := *ticker
	return &t
}

// Snapshots fetches every symbol; stale symbols map to nil.
func (p *Provider) Snapshots(ctx context.Context, symbols []string) map[string]*core.Ticker {
	out := make(map[string]*core.Ticker, len(symbols))
	for _, symbol := range symbols {
		out[symbol] = p.Snapshot(ctx, symbol)
	}
	return out
}

func (p *Provider) store(t core.Ticker, at time.Time) {
	p.mu.Lock()
	p.cache[t.Symbol] = cachedTicker{ticker: t, fetchedAt: at}
	p.mu.Unlock()
}

// streamTicker is the wire format of one streamed ticker update.
type streamTicker struct {
	Symbol string          `json:"symbol"`
	Last   decimal.Decimal `json:"last"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Volume decimal.Decimal `json:"volume"`
	TSMs   int64           `json:"ts"`
}

// StartStream connects the ticker stream and keeps the cache warm from
// pushed updates. REST polling still covers symbols the stream misses.
func (p *Provider) StartStream(url string) {
	p.stream = websocket.NewClient(url, p.handleStreamMessage, p.logger)
	p.stream.Start()
}

// StopStream disconnects the stream, if any.
func (p *Provider) StopStream() {
	if p.stream != nil {
		p.stream.Stop()
	}
}

func (p *Provider) handleStreamMessage(message []byte) {
	var st streamTicker
	if err := json.Unmarshal(message, &st); err != nil {
		p.logger.Warn("Unparseable stream message", "error", err.Error())
		return
	}
	if st.Symbol == "" || st.Last.IsZero() {
		return
	}
	p.store(core.Ticker{
		Symbol:    st.Symbol,
		Last:      st.Last,
		Bid:       st.Bid,
		Ask:       st.Ask,
		Volume:    st.Volume,
		Timestamp: time.UnixMilli(st.TSMs).UTC(),
	}, p.clock.Now())
}
