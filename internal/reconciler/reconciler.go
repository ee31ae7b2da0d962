// Package reconciler folds exchange trade history into the portfolio. It
// is the only code path that mutates positions, so every position change
// traces back to an exchange fact.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"spot_engine/internal/core"
	"spot_engine/internal/ledger"
	"spot_engine/internal/portfolio"
	"spot_engine/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TradeFetcher is the slice of the exchange wrapper the reconciler needs.
type TradeFetcher interface {
	FetchOrderTrades(ctx context.Context, symbol, orderID string) ([]core.Trade, error)
}

// AuditFunc receives one audit record per reconciled order. May be nil.
type AuditFunc func(symbol, orderID string, fills int, summary *Summary)

// FailureFunc is notified when a fill event cannot be reconciled, after
// retries are exhausted. May be nil.
type FailureFunc func(symbol, orderID string, err error)

// Summary is the result of reconciling one order.
type Summary struct {
	Symbol      string
	OrderID     string
	Side        core.Side
	FilledQty   decimal.Decimal
	QuoteVolume decimal.Decimal
	Fees        decimal.Decimal
	RealizedPnL decimal.Decimal
}

// Reconciler consumes order.filled events and applies the executed trades
// to the portfolio, then records them in the ledger.
type Reconciler struct {
	fetcher   TradeFetcher
	portfolio *portfolio.Portfolio
	book      *ledger.Ledger
	logger    core.ILogger
	audit     AuditFunc
	onFailure FailureFunc

	retry retrypolicy.RetryPolicy[[]core.Trade]
}

// New creates a reconciler. The ledger may be nil in tests.
func New(fetcher TradeFetcher, pf *portfolio.Portfolio, book *ledger.Ledger,
	logger core.ILogger, audit AuditFunc) *Reconciler {
	return &Reconciler{
		fetcher:   fetcher,
		portfolio: pf,
		book:      book,
		logger:    logger.WithField("component", "reconciler"),
		audit:     audit,
		retry: retrypolicy.NewBuilder[[]core.Trade]().
			WithBackoff(200*time.Millisecond, 2*time.Second).
			WithMaxRetries(3).
			Build(),
	}
}

// SubscribeTo registers the reconciler on the order.filled topic.
func (r *Reconciler) SubscribeTo(bus core.EventBus) {
	bus.Subscribe(core.TopicOrderFilled, func(payload any) {
		fe, ok := payload.(core.FillEvent)
		if !ok {
			r.logger.Error("Unexpected payload on order.filled topic")
			return
		}
		r.HandleFill(context.Background(), fe)
	})
}

// SetFailureFunc installs the handler raised when reconciliation of a
// fill event fails for good.
func (r *Reconciler) SetFailureFunc(fn FailureFunc) {
	r.onFailure = fn
}

// HandleFill reconciles one fill event. A terminal failure means the books
// no longer match the exchange, so it is escalated through the failure
// handler.
func (r *Reconciler) HandleFill(ctx context.Context, fe core.FillEvent) {
	if _, err := r.ReconcileOrder(ctx, fe.IntentID, fe.Symbol, fe.OrderID, fe.Side); err != nil {
		r.logger.Error("Reconciliation failed",
			"symbol", fe.Symbol, "order_id", fe.OrderID, "error", err.Error())
		if r.onFailure != nil {
			r.onFailure(fe.Symbol, fe.OrderID, err)
		}
	}
}

// ReconcileOrder fetches the trades behind an order and applies them. A nil
// summary with nil error means the exchange reported no trades yet.
func (r *Reconciler) ReconcileOrder(ctx context.Context, intentID, symbol, orderID string, side core.Side) (*Summary, error) {
	trades, err := failsafe.With[[]core.Trade](r.retry).GetWithExecution(
		func(exec failsafe.Execution[[]core.Trade]) ([]core.Trade, error) {
			return r.fetcher.FetchOrderTrades(ctx, symbol, orderID)
		})
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		r.logger.Warn("No trades behind filled order", "symbol", symbol, "order_id", orderID)
		return nil, nil
	}

	realized, err := r.portfolio.ApplyFills(intentID, symbol, side, trades)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Symbol: symbol, OrderID: orderID, Side: side, RealizedPnL: realized}
	for _, tr := range trades {
		summary.FilledQty = summary.FilledQty.Add(tr.Amount)
		summary.QuoteVolume = summary.QuoteVolume.Add(tr.Cost)
		summary.Fees = summary.Fees.Add(tr.Fee.Cost)
	}

	if r.book != nil {
		if err := r.recordTrades(ctx, trades, realized); err != nil {
			return nil, err
		}
	}

	metrics := telemetry.GetGlobalMetrics()
	attrs := metric.WithAttributes(attribute.String("symbol", symbol))
	metrics.VolumeTotal.Add(ctx, summary.QuoteVolume.InexactFloat64(), attrs)
	if side == core.SideSell {
		metrics.RealizedPnLTotal.Add(ctx, realized.InexactFloat64(), attrs)
	}

	r.logger.Info("Order reconciled",
		"symbol", symbol, "order_id", orderID, "fills", len(trades),
		"qty", summary.FilledQty.String(), "realized_pnl", realized.String())

	if r.audit != nil {
		r.audit(symbol, orderID, len(trades), summary)
	}
	return summary, nil
}

// recordTrades posts the fills to the ledger. The batch's gross realized
// PnL is spread across sell fills in proportion to proceeds. A failed
// write fails the whole reconciliation: books that disagree with the
// exchange need an operator, not a shrug.
func (r *Reconciler) recordTrades(ctx context.Context, trades []core.Trade, realizedNet decimal.Decimal) error {
	gross := realizedNet
	totalCost := decimal.Zero
	for _, tr := range trades {
		gross = gross.Add(tr.Fee.Cost)
		totalCost = totalCost.Add(tr.Cost)
	}

	for _, tr := range trades {
		pnl := decimal.Zero
		if tr.Side == core.SideSell && totalCost.IsPositive() {
			pnl = gross.Mul(tr.Cost).Div(totalCost)
		}
		if _, err := r.book.RecordTrade(ctx, tr, pnl); err != nil {
			return fmt.Errorf("ledger write failed for trade %s of order %s: %w", tr.ID, tr.OrderID, err)
		}
	}
	return nil
}
