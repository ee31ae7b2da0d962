package strategy

import (
	"testing"

	"spot_engine/internal/core"
	"spot_engine/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestMomentumStaysQuietWhileWarming(t *testing.T) {
	m := NewMomentum(5, 0.5)
	m.Update("BTC/USDT", d(50000))
	m.Update("BTC/USDT", d(50100))

	triggered, ctx := m.Evaluate("BTC/USDT", d(50100))
	assert.False(t, triggered)
	assert.Equal(t, "warming_up", ctx["reason"])
}

func TestMomentumTriggersOnWindowRise(t *testing.T) {
	m := NewMomentum(4, 0.5)
	for _, px := range []float64{50000, 50100, 50200, 50300} {
		m.Update("BTC/USDT", d(px))
	}

	triggered, ctx := m.Evaluate("BTC/USDT", d(50300))
	require.True(t, triggered, "0.6%% rise over the window should trigger")
	assert.Equal(t, "momentum", ctx["rule"])
	assert.Equal(t, "0.6", ctx["change_pct"])
}

func TestMomentumIgnoresFlatAndFallingPrices(t *testing.T) {
	m := NewMomentum(3, 0.5)
	for _, px := range []float64{50000, 49900, 49800} {
		m.Update("BTC/USDT", d(px))
	}

	triggered, _ := m.Evaluate("BTC/USDT", d(49800))
	assert.False(t, triggered)
}

func TestMomentumWindowSlides(t *testing.T) {
	m := NewMomentum(3, 1.0)
	for _, px := range []float64{40000, 50000, 50100, 50200} {
		m.Update("BTC/USDT", d(px))
	}

	// The 40000 print has slid out; rise within the window is 0.4%.
	triggered, _ := m.Evaluate("BTC/USDT", d(50200))
	assert.False(t, triggered)
}

func TestSpreadGuardBlocksWideBook(t *testing.T) {
	md := mock.NewMarketData()
	md.Set("BTC/USDT", &core.Ticker{Symbol: "BTC/USDT", Last: d(50000), Bid: d(49500), Ask: d(50500)})

	chain := NewChain(NewSpreadGuard(md, 50))
	ok, failed := chain.Passes("BTC/USDT", d(50000))
	assert.False(t, ok)
	assert.Equal(t, []string{"spread_too_wide"}, failed)
}

func TestSpreadGuardPassesTightBook(t *testing.T) {
	md := mock.NewMarketData()
	md.Set("BTC/USDT", &core.Ticker{Symbol: "BTC/USDT", Last: d(50000), Bid: d(49999), Ask: d(50001)})

	chain := NewChain(NewSpreadGuard(md, 50))
	ok, failed := chain.Passes("BTC/USDT", d(50000))
	assert.True(t, ok)
	assert.Empty(t, failed)
}

func TestSpreadGuardBlocksStaleData(t *testing.T) {
	md := mock.NewMarketData()
	chain := NewChain(NewSpreadGuard(md, 50))

	ok, failed := chain.Passes("BTC/USDT", d(50000))
	assert.False(t, ok)
	assert.Equal(t, []string{"spread_too_wide"}, failed)
}

func TestVolumeGuardDisabledAtZero(t *testing.T) {
	md := mock.NewMarketData()
	g := NewVolumeGuard(md, 0)
	assert.NoError(t, g.Check("BTC/USDT", d(50000)))
}

func TestChainCollectsEveryFailure(t *testing.T) {
	md := mock.NewMarketData()
	md.Set("BTC/USDT", &core.Ticker{Symbol: "BTC/USDT", Last: d(50000), Bid: d(49000), Ask: d(51000), Volume: d(10)})

	chain := NewChain(PriceSanityGuard{}, NewSpreadGuard(md, 50), NewVolumeGuard(md, 100))
	ok, failed := chain.Passes("BTC/USDT", decimal.Zero)
	assert.False(t, ok)
	assert.Equal(t, []string{"price_not_positive", "spread_too_wide", "volume_too_low"}, failed)
}
