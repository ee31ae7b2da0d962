// Package ledger keeps the double-entry accounting record of every trade.
// Each trade posts a balanced transaction across cash, inventory and fee
// accounts; an unbalanced transaction is refused at write time.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"spot_engine/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

// Account names used by trade postings.
const (
	AccountCash      = "cash"
	AccountInventory = "inventory"
	AccountFees      = "fees"
	AccountPnL       = "pnl"
)

// imbalanceTolerance absorbs rounding from decimal string storage.
var imbalanceTolerance = decimal.NewFromFloat(1e-6)

// EntryRecord is one posted ledger line.
type EntryRecord struct {
	ID            int64
	TransactionID string
	Account       string
	Symbol        string
	Amount        decimal.Decimal
	Currency      string
	Memo          string
	Timestamp     time.Time
}

// Ledger is a sqlite-backed double-entry book.
type Ledger struct {
	db     *sql.DB
	logger core.ILogger
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_id TEXT NOT NULL,
	account TEXT NOT NULL,
	symbol TEXT NOT NULL,
	amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	memo TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_transaction ON entries(transaction_id);
CREATE INDEX IF NOT EXISTS idx_entries_account ON entries(account);
CREATE INDEX IF NOT EXISTS idx_entries_timestamp ON entries(timestamp);
`

// Open opens (or creates) the ledger database at path.
func Open(path string, logger core.ILogger) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}

	// WAL keeps the book readable during writes and survives crashes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	return &Ledger{db: db, logger: logger.WithField("component", "ledger")}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Posting is one line of a transaction before it is written.
type Posting struct {
	Account  string
	Symbol   string
	Amount   decimal.Decimal
	Currency string
	Memo     string
}

// PostTransaction writes a balanced set of postings atomically. The sum of
// amounts must be zero within tolerance or the whole transaction is
// refused.
func (l *Ledger) PostTransaction(ctx context.Context, transactionID string, ts time.Time, postings []Posting) error {
	if len(postings) == 0 {
		return fmt.Errorf("empty transaction %s", transactionID)
	}

	sum := decimal.Zero
	for _, p := range postings {
		sum = sum.Add(p.Amount)
	}
	if sum.Abs().GreaterThan(imbalanceTolerance) {
		return fmt.Errorf("unbalanced transaction %s: residual %s", transactionID, sum)
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (transaction_id, account, symbol, amount, currency, memo, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range postings {
		if _, err := stmt.ExecContext(ctx, transactionID, p.Account, p.Symbol,
			p.Amount.String(), p.Currency, p.Memo, ts.UnixNano()); err != nil {
			return fmt.Errorf("failed to insert posting: %w", err)
		}
	}
	return tx.Commit()
}

// RecordTrade posts the standard transaction for one executed trade: cash
// moves net of fees, inventory moves at cost, the fee is expensed, and
// sells book the gross realized PnL. Returns the generated transaction ID.
func (l *Ledger) RecordTrade(ctx context.Context, trade core.Trade, realizedPnL decimal.Decimal) (string, error) {
	transactionID := uuid.NewString()
	cost := trade.Cost
	fee := trade.Fee.Cost

	var postings []Posting
	switch trade.Side {
	case core.SideBuy:
		postings = []Posting{
			{Account: AccountCash, Symbol: trade.Symbol, Amount: cost.Add(fee).Neg(), Currency: "USDT", Memo: "buy " + trade.OrderID},
			{Account: AccountInventory, Symbol: trade.Symbol, Amount: cost, Currency: "USDT", Memo: "buy " + trade.OrderID},
			{Account: AccountFees, Symbol: trade.Symbol, Amount: fee, Currency: trade.Fee.Currency, Memo: "fee " + trade.OrderID},
		}
	case core.SideSell:
		// Inventory is relieved at cost basis; the difference to proceeds
		// is booked as realized PnL.
		basis := cost.Sub(realizedPnL)
		postings = []Posting{
			{Account: AccountCash, Symbol: trade.Symbol, Amount: cost.Sub(fee), Currency: "USDT", Memo: "sell " + trade.OrderID},
			{Account: AccountInventory, Symbol: trade.Symbol, Amount: basis.Neg(), Currency: "USDT", Memo: "sell " + trade.OrderID},
			{Account: AccountFees, Symbol: trade.Symbol, Amount: fee, Currency: trade.Fee.Currency, Memo: "fee " + trade.OrderID},
			{Account: AccountPnL, Symbol: trade.Symbol, Amount: realizedPnL.Neg(), Currency: "USDT", Memo: "realized"},
		}
	default:
		return "", fmt.Errorf("unknown trade side %q", trade.Side)
	}

	ts := trade.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if err := l.PostTransaction(ctx, transactionID, ts, postings); err != nil {
		return "", err
	}
	return transactionID, nil
}

// Balance returns the net amount posted to an account.
func (l *Ledger) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT amount FROM entries WHERE account = ?`, account)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query balance: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan amount: %w", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt amount %q in ledger: %w", amount, err)
		}
		sum = sum.Add(d)
	}
	return sum, rows.Err()
}

// VerifyBalance checks that every transaction in the book nets to zero
// within tolerance. Returns the IDs of unbalanced transactions.
func (l *Ledger) VerifyBalance(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT transaction_id, amount FROM entries ORDER BY transaction_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	sums := make(map[string]decimal.Decimal)
	for rows.Next() {
		var id, amount string
		if err := rows.Scan(&id, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount %q in ledger: %w", amount, err)
		}
		sums[id] = sums[id].Add(d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var unbalanced []string
	for id, sum := range sums {
		if sum.Abs().GreaterThan(imbalanceTolerance) {
			unbalanced = append(unbalanced, id)
		}
	}
	return unbalanced, nil
}

// Entries returns the postings of one transaction in insert order.
func (l *Ledger) Entries(ctx context.Context, transactionID string) ([]EntryRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, transaction_id, account, symbol, amount, currency, memo, timestamp
		 FROM entries WHERE transaction_id = ? ORDER BY id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []EntryRecord
	for rows.Next() {
		var e EntryRecord
		var amount string
		var ts int64
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Account, &e.Symbol, &amount, &e.Currency, &e.Memo, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount %q in ledger: %w", amount, err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
