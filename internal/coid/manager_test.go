package coid

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"spot_engine/internal/core"
	"spot_engine/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, string, *mock.Clock) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coid_kv.json")
	clock := mock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m, err := NewManager(path, &mock.Logger{}, clock)
	require.NoError(t, err)
	return m, path, clock
}

func TestNextClientOrderIDMintsAndPersists(t *testing.T) {
	m, path, clock := newTestManager(t)

	id, err := m.NextClientOrderID("d1", "entry", core.SideBuy, "BTC/USDT")
	require.NoError(t, err)
	assert.Contains(t, id, "d1_entry_buy_")

	// A fresh manager over the same file sees the PENDING entry.
	m2, err := NewManager(path, &mock.Logger{}, clock)
	require.NoError(t, err)
	e, ok := m2.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, "BTC/USDT", e.Symbol)
}

func TestNextClientOrderIDReusesInFlightEntry(t *testing.T) {
	m, _, clock := newTestManager(t)

	first, err := m.NextClientOrderID("d1", "entry", core.SideBuy, "BTC/USDT")
	require.NoError(t, err)

	clock.Advance(time.Second)
	second, err := m.NextClientOrderID("d1", "entry", core.SideBuy, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Each hand-out of the same ID bumps the attempt count.
	e, ok := m.Lookup(first)
	require.True(t, ok)
	assert.Equal(t, 2, e.AttemptCount)

	// A terminal entry forces a fresh ID.
	require.NoError(t, m.UpdateStatus(first, StatusFilled, "ex-1"))
	clock.Advance(time.Second)
	third, err := m.NextClientOrderID("d1", "entry", core.SideBuy, "BTC/USDT")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestNextClientOrderIDUniqueWithinMillisecond(t *testing.T) {
	m, _, _ := newTestManager(t)

	// The clock never advances: uniqueness must not rest on the timestamp.
	first, err := m.NextClientOrderID("d1", "entry", core.SideBuy, "BTC/USDT")
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(first, StatusExpired, "ex-1"))

	second, err := m.NextClientOrderID("d1", "entry", core.SideBuy, "BTC/USDT")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// The terminal entry survives the new mint instead of being replaced.
	e, ok := m.Lookup(first)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, e.Status)
	assert.Equal(t, "ex-1", e.ExchangeOrderID)

	e, ok = m.Lookup(second)
	require.True(t, ok)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, 2, e.AttemptCount)
}

func TestUpdateStatusTerminalIsImmutable(t *testing.T) {
	m, _, _ := newTestManager(t)

	id, err := m.NextClientOrderID("d1", "exit", core.SideSell, "BTC/USDT")
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(id, StatusFilled, "ex-9"))
	require.NoError(t, m.UpdateStatus(id, StatusCanceled, ""))

	e, ok := m.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, StatusFilled, e.Status)
	assert.Equal(t, "ex-9", e.ExchangeOrderID)
}

func TestUpdateStatusUnknownID(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.Error(t, m.UpdateStatus("nope", StatusFilled, ""))
}

func TestReconcileWithExchange(t *testing.T) {
	m, _, clock := newTestManager(t)
	ex := mock.NewExchange()
	ex.Behavior = mock.FillNever

	// Entry whose order is still open on the exchange.
	openID, err := m.NextClientOrderID("d1", "entry", core.SideBuy, "BTC/USDT")
	require.NoError(t, err)
	order, err := ex.CreateOrder(context.Background(), "BTC/USDT", core.OrderTypeLimit, core.SideBuy,
		decimal.NewFromFloat(0.01), decimal.NewFromInt(44000), core.OrderParams{ClientOrderID: openID})
	require.NoError(t, err)

	// Entry that never reached the exchange.
	lostID, err := m.NextClientOrderID("d2", "entry", core.SideBuy, "ETH/USDT")
	require.NoError(t, err)

	require.NoError(t, m.ReconcileWithExchange(context.Background(), &fetcherAdapter{ex}))

	e, _ := m.Lookup(openID)
	assert.Equal(t, StatusAcked, e.Status)
	assert.Equal(t, order.ID, e.ExchangeOrderID)

	// The lost entry resolves terminal, so retention can remove it.
	e, _ = m.Lookup(lostID)
	assert.Equal(t, StatusExpired, e.Status)

	clock.Advance(48 * time.Hour)
	removed, err := m.CleanupOldEntries(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, ok := m.Lookup(lostID)
	assert.False(t, ok)
}

// fetcherAdapter flips the mock's (orderID, symbol) argument order into the
// manager's OrderFetcher shape.
type fetcherAdapter struct{ ex *mock.Exchange }

func (f *fetcherAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	return f.ex.FetchOpenOrders(ctx, symbol)
}

func (f *fetcherAdapter) FetchOrder(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	return f.ex.FetchOrder(ctx, orderID, symbol)
}

func TestCleanupOldEntries(t *testing.T) {
	m, _, clock := newTestManager(t)

	id, err := m.NextClientOrderID("d1", "entry", core.SideBuy, "BTC/USDT")
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(id, StatusFilled, "ex-1"))

	keep, err := m.NextClientOrderID("d2", "entry", core.SideBuy, "BTC/USDT")
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	removed, err := m.CleanupOldEntries(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := m.Lookup(id)
	assert.False(t, ok)
	_, ok = m.Lookup(keep)
	assert.True(t, ok)
}
