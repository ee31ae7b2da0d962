package ledger

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

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"), &mock.Logger{})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestPostTransactionRefusesImbalance(t *testing.T) {
	l := newTestLedger(t)

	err := l.PostTransaction(context.Background(), "t1", time.Now(), []Posting{
		{Account: AccountCash, Symbol: "BTC/USDT", Amount: decimal.NewFromInt(-100), Currency: "USDT"},
		{Account: AccountInventory, Symbol: "BTC/USDT", Amount: decimal.NewFromInt(99), Currency: "USDT"},
	})
	require.Error(t, err)

	// Nothing was written.
	entries, err := l.Entries(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPostTransactionToleratesRounding(t *testing.T) {
	l := newTestLedger(t)

	err := l.PostTransaction(context.Background(), "t1", time.Now(), []Posting{
		{Account: AccountCash, Symbol: "BTC/USDT", Amount: decimal.NewFromFloat(-100.0000004), Currency: "USDT"},
		{Account: AccountInventory, Symbol: "BTC/USDT", Amount: decimal.NewFromInt(100), Currency: "USDT"},
	})
	assert.NoError(t, err)
}

func TestRecordBuyTrade(t *testing.T) {
	l := newTestLedger(t)

	qty := decimal.NewFromFloat(0.01)
	price := decimal.NewFromInt(50000)
	txID, err := l.RecordTrade(context.Background(), core.Trade{
		ID: "tr1", OrderID: "o1", Symbol: "BTC/USDT", Side: core.SideBuy,
		Price: price, Amount: qty, Cost: qty.Mul(price),
		Fee:       core.Fee{Cost: decimal.NewFromFloat(0.5), Currency: "USDT"},
		Timestamp: time.Now().UTC(),
	}, decimal.Zero)
	require.NoError(t, err)

	entries, err := l.Entries(context.Background(), txID)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	cash, err := l.Balance(context.Background(), AccountCash)
	require.NoError(t, err)
	assert.True(t, cash.Equal(decimal.NewFromFloat(-500.5)), "got %s", cash)

	inv, err := l.Balance(context.Background(), AccountInventory)
	require.NoError(t, err)
	assert.True(t, inv.Equal(decimal.NewFromInt(500)))

	fees, err := l.Balance(context.Background(), AccountFees)
	require.NoError(t, err)
	assert.True(t, fees.Equal(decimal.NewFromFloat(0.5)))
}

func TestRecordSellTradeBooksPnL(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	qty := decimal.NewFromFloat(0.01)
	buyPrice := decimal.NewFromInt(50000)
	_, err := l.RecordTrade(ctx, core.Trade{
		OrderID: "o1", Symbol: "BTC/USDT", Side: core.SideBuy,
		Price: buyPrice, Amount: qty, Cost: qty.Mul(buyPrice), Timestamp: time.Now().UTC(),
	}, decimal.Zero)
	require.NoError(t, err)

	sellPrice := decimal.NewFromInt(55000)
	realized := sellPrice.Sub(buyPrice).Mul(qty) // 50
	txID, err := l.RecordTrade(ctx, core.Trade{
		OrderID: "o2", Symbol: "BTC/USDT", Side: core.SideSell,
		Price: sellPrice, Amount: qty, Cost: qty.Mul(sellPrice), Timestamp: time.Now().UTC(),
	}, realized)
	require.NoError(t, err)

	entries, err := l.Entries(ctx, txID)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	// Inventory relieved at cost basis: 500 in, 500 out.
	inv, err := l.Balance(ctx, AccountInventory)
	require.NoError(t, err)
	assert.True(t, inv.IsZero(), "got %s", inv)

	pnl, err := l.Balance(ctx, AccountPnL)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(-50)), "got %s", pnl)

	unbalanced, err := l.VerifyBalance(ctx)
	require.NoError(t, err)
	assert.Empty(t, unbalanced)
}

func TestVerifyBalanceFlagsCorruptTransaction(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.PostTransaction(ctx, "good", time.Now(), []Posting{
		{Account: AccountCash, Symbol: "BTC/USDT", Amount: decimal.NewFromInt(-10), Currency: "USDT"},
		{Account: AccountInventory, Symbol: "BTC/USDT", Amount: decimal.NewFromInt(10), Currency: "USDT"},
	}))

	// Simulate corruption by writing a lone entry directly.
	_, err := l.db.Exec(
		`INSERT INTO entries (transaction_id, account, symbol, amount, currency, memo, timestamp)
		 VALUES ('bad', 'cash', 'BTC/USDT', '-1', 'USDT', '', 0)`)
	require.NoError(t, err)

	unbalanced, err := l.VerifyBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, unbalanced)
}
