package exchange

import (
	"context"
	"testing"
	"time"

	"spot_engine/internal/core"
	"spot_engine/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWrapper(t *testing.T, ex *mock.Exchange) *Wrapper {
	t.Helper()
	return NewWrapper(ex, &mock.Logger{}, Options{
		OrderRate:    1000,
		OrderBurst:   1000,
		PollInterval: 5 * time.Millisecond,
	}, nil)
}

func TestCreateMarketOrderPassesClientOrderID(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetTicker(&core.Ticker{Symbol: "BTC/USDT", Last: decimal.NewFromInt(45000)})
	w := newTestWrapper(t, ex)

	order, err := w.CreateMarketOrder(context.Background(), "BTC/USDT", core.SideBuy,
		decimal.NewFromFloat(0.01), core.OrderParams{ClientOrderID: "d1_entry_buy_1"})
	require.NoError(t, err)
	assert.Equal(t, "d1_entry_buy_1", order.ClientOrderID)
	assert.Equal(t, core.OrderStatusClosed, order.Status)
}

func TestCreateOrderIdempotentOnResubmit(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetTicker(&core.Ticker{Symbol: "BTC/USDT", Last: decimal.NewFromInt(45000)})
	w := newTestWrapper(t, ex)

	params := core.OrderParams{ClientOrderID: "d2_entry_buy_1"}
	first, err := w.CreateMarketOrder(context.Background(), "BTC/USDT", core.SideBuy,
		decimal.NewFromFloat(0.01), params)
	require.NoError(t, err)

	second, err := w.CreateMarketOrder(context.Background(), "BTC/USDT", core.SideBuy,
		decimal.NewFromFloat(0.01), params)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, ex.Orders(), 1)
}

func TestCreateOrderDoesNotRetry(t *testing.T) {
	ex := mock.NewExchange()
	ex.TransientFailures = 1
	w := newTestWrapper(t, ex)

	_, err := w.CreateMarketOrder(context.Background(), "BTC/USDT", core.SideBuy,
		decimal.NewFromFloat(0.01), core.OrderParams{ClientOrderID: "d3_entry_buy_1"})
	require.Error(t, err)
	assert.Equal(t, 1, ex.CreateCalls)
}

func TestWaitForFillReturnsOnTerminalStatus(t *testing.T) {
	ex := mock.NewExchange()
	ex.Behavior = mock.FillNever
	w := newTestWrapper(t, ex)

	order, err := w.CreateLimitOrder(context.Background(), "BTC/USDT", core.SideBuy,
		decimal.NewFromFloat(0.01), decimal.NewFromInt(44000),
		core.OrderParams{ClientOrderID: "d4_entry_buy_1", TimeInForce: core.TIFGTC})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		ex.SimulateFill(order.ID, decimal.NewFromFloat(0.01), decimal.NewFromInt(44000))
	}()

	res, err := w.WaitForFill(context.Background(), "BTC/USDT", order.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusClosed, res.Status)
	assert.True(t, res.Filled.Equal(decimal.NewFromFloat(0.01)))
}

func TestWaitForFillReturnsLastStateAtDeadline(t *testing.T) {
	ex := mock.NewExchange()
	ex.Behavior = mock.FillNever
	w := newTestWrapper(t, ex)

	order, err := w.CreateLimitOrder(context.Background(), "BTC/USDT", core.SideBuy,
		decimal.NewFromFloat(0.01), decimal.NewFromInt(44000),
		core.OrderParams{ClientOrderID: "d5_entry_buy_1", TimeInForce: core.TIFGTC})
	require.NoError(t, err)

	res, err := w.WaitForFill(context.Background(), "BTC/USDT", order.ID, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusOpen, res.Status)
}

func TestFiltersCached(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetFilters(&core.SymbolFilters{
		Symbol:      "ETH/USDT",
		TickSize:    decimal.NewFromFloat(0.01),
		StepSize:    decimal.NewFromFloat(0.0001),
		MinNotional: decimal.NewFromInt(5),
	})
	w := newTestWrapper(t, ex)

	f1, err := w.Filters(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	f2, err := w.Filters(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Same(t, f1, f2)
}
