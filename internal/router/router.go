// Package router executes one order intent end to end: reserve budget,
// cap the price, place with retries, wait for fills, publish the result
// and release whatever was not spent.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spot_engine/internal/coid"
	"spot_engine/internal/core"
	"spot_engine/internal/portfolio"
	apperrors "spot_engine/pkg/errors"
	"spot_engine/pkg/retry"
	"spot_engine/pkg/telemetry"
	"spot_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// FinalState is the terminal outcome of one intent.
type FinalState string

const (
	StateSuccess        FinalState = "SUCCESS"
	StatePartialSuccess FinalState = "PARTIAL_SUCCESS"
	StateFailedFinal    FinalState = "FAILED_FINAL"
)

// Result summarizes the execution of one intent.
type Result struct {
	State         FinalState
	OrderID       string
	ClientOrderID string
	Filled        decimal.Decimal
	AvgPrice      decimal.Decimal
	Fees          decimal.Decimal
	Attempts      int
	Reason        string
}

// Succeeded reports whether any quantity executed.
func (r *Result) Succeeded() bool {
	return r.State == StateSuccess || r.State == StatePartialSuccess
}

// Config holds the router's tunables.
type Config struct {
	MaxRetries     int
	RetryBackoff   time.Duration
	FillTimeout    time.Duration
	TIF            string
	SlippageBps    int
	MinNotional    decimal.Decimal
	IdempotencyTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = 2500 * time.Millisecond
	}
	if c.TIF == "" {
		c.TIF = core.TIFIOC
	}
	if c.SlippageBps <= 0 {
		c.SlippageBps = 20
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = time.Hour
	}
}

// OrderPlacer is the slice of the exchange wrapper the router uses.
type OrderPlacer interface {
	CreateMarketOrder(ctx context.Context, symbol string, side core.Side, qty decimal.Decimal, params core.OrderParams) (*core.Order, error)
	CreateLimitOrder(ctx context.Context, symbol string, side core.Side, qty, price decimal.Decimal, params core.OrderParams) (*core.Order, error)
	WaitForFill(ctx context.Context, symbol, orderID string, timeout time.Duration) (*core.FillResult, error)
	Filters(ctx context.Context, symbol string) (*core.SymbolFilters, error)
}

// IDRegistry issues client order IDs and records their fate.
type IDRegistry interface {
	ForIntent(intent core.Intent) (string, error)
	UpdateStatus(clientOrderID string, status coid.Status, exchangeOrderID string) error
}

// Router drives intents against the exchange.
type Router struct {
	cfg       Config
	wrapper   OrderPlacer
	portfolio *portfolio.Portfolio
	coids     IDRegistry
	market    core.MarketData
	bus       core.EventBus
	logger    core.ILogger
	clock     core.Clock

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// New creates a router.
func New(cfg Config, wrapper OrderPlacer, pf *portfolio.Portfolio, coids IDRegistry,
	market core.MarketData, bus core.EventBus, logger core.ILogger, clock core.Clock) *Router {
	cfg.applyDefaults()
	return &Router{
		cfg:       cfg,
		wrapper:   wrapper,
		portfolio: pf,
		coids:     coids,
		market:    market,
		bus:       bus,
		logger:    logger.WithField("component", "order_router"),
		clock:     clock,
		seen:      make(map[string]time.Time),
	}
}

// markSeen records the intent in the in-session idempotency set. Returns
// false when the intent was already handled. Stale entries are evicted on
// the way through.
func (r *Router) markSeen(intentID string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	now := r.clock.Now()
	for id, ts := range r.seen {
		if now.Sub(ts) > r.cfg.IdempotencyTTL {
			delete(r.seen, id)
		}
	}
	if _, ok := r.seen[intentID]; ok {
		return false
	}
	r.seen[intentID] = now
	return true
}

// HandleIntent executes an intent to a terminal state. Duplicate intent IDs
// within the session return a FAILED_FINAL result without touching the
// exchange.
func (r *Router) HandleIntent(ctx context.Context, intent core.Intent) *Result {
	log := r.logger.WithFields(map[string]interface{}{
		"intent_id": intent.IntentID,
		"symbol":    intent.Symbol,
		"side":      string(intent.Side),
	})

	if !intent.Qty.IsPositive() {
		return &Result{State: StateFailedFinal, Reason: "non_positive_qty"}
	}
	if !r.markSeen(intent.IntentID) {
		log.Warn("Duplicate intent ignored")
		return &Result{State: StateFailedFinal, Reason: "duplicate_intent"}
	}

	referencePrice := r.referencePrice(ctx, intent)
	if !referencePrice.IsPositive() {
		log.Error("No usable reference price")
		return &Result{State: StateFailedFinal, Reason: "no_reference_price"}
	}

	// Buys hold cash before anything is sent. The deferred release runs
	// after the fill event below is consumed, so reconciliation deducts
	// the actual cost first and whatever the reservation still holds,
	// like the reference-vs-fill price difference, returns to the free
	// budget. No reservation outlives its intent.
	if intent.Side == core.SideBuy {
		notional := intent.Qty.Mul(referencePrice)
		if _, err := r.portfolio.Reserve(intent.IntentID, intent.Symbol, notional); err != nil {
			log.Warn("Budget reservation failed", "error", err.Error())
			return &Result{State: StateFailedFinal, Reason: "reserve_failed"}
		}
		defer r.portfolio.ReleaseAll(intent.IntentID)
	}

	effectiveLimit := r.cappedLimit(intent, referencePrice)
	res := r.placeLoop(ctx, intent, effectiveLimit, log)

	if res.Filled.IsPositive() {
		r.bus.Publish(core.TopicOrderFilled, core.FillEvent{
			Symbol:        intent.Symbol,
			OrderID:       res.OrderID,
			ClientOrderID: res.ClientOrderID,
			IntentID:      intent.IntentID,
			Side:          intent.Side,
			FilledQty:     res.Filled,
			AvgPrice:      res.AvgPrice,
		})
	}
	return res
}

// referencePrice prefers the live market snapshot, falling back to the
// intent's own limit.
func (r *Router) referencePrice(ctx context.Context, intent core.Intent) decimal.Decimal {
	if r.market != nil {
		if t := r.market.Snapshot(ctx, intent.Symbol); t != nil && t.Last.IsPositive() {
			return t.Last
		}
	}
	return intent.LimitPrice
}

// cappedLimit applies the slippage cap against the reference price.
// A zero result means the order goes out as a market order.
func (r *Router) cappedLimit(intent core.Intent, referencePrice decimal.Decimal) decimal.Decimal {
	if intent.LimitPrice.IsZero() {
		return decimal.Zero
	}
	factor := tradingutils.BpsFactor(r.cfg.SlippageBps)
	if intent.Side == core.SideBuy {
		ceiling := referencePrice.Mul(decimal.NewFromInt(1).Add(factor))
		return decimal.Min(intent.LimitPrice, ceiling)
	}
	floor := referencePrice.Mul(decimal.NewFromInt(1).Sub(factor))
	return decimal.Max(intent.LimitPrice, floor)
}

// placeLoop runs the place/wait/retry cycle until terminal.
func (r *Router) placeLoop(ctx context.Context, intent core.Intent, effectiveLimit decimal.Decimal, log core.ILogger) *Result {
	metrics := telemetry.GetGlobalMetrics()
	attrs := metric.WithAttributes(
		attribute.String("symbol", intent.Symbol),
		attribute.String("side", string(intent.Side)),
	)

	res := &Result{State: StateFailedFinal, Filled: decimal.Zero, AvgPrice: decimal.Zero}
	quoteVolume := decimal.Zero
	unknownRetried := false

	// Per-order running totals. The exchange reports fills cumulatively,
	// and an idempotent resubmit can hand back an order this loop already
	// counted, so only the delta over an order's prior contribution is
	// folded into the result.
	type orderTally struct{ filled, fees decimal.Decimal }
	tallies := make(map[string]*orderTally)

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		res.Attempts = attempt
		remaining := intent.Qty.Sub(res.Filled)
		if !remaining.IsPositive() {
			break
		}

		clientOrderID, err := r.coids.ForIntent(intent)
		if err != nil {
			log.Error("Failed to obtain client order id", "error", err.Error())
			res.Reason = "coid_unavailable"
			break
		}
		res.ClientOrderID = clientOrderID
		params := core.OrderParams{ClientOrderID: clientOrderID, TimeInForce: r.cfg.TIF}

		var order *core.Order
		if effectiveLimit.IsPositive() {
			order, err = r.wrapper.CreateLimitOrder(ctx, intent.Symbol, intent.Side, remaining, effectiveLimit, params)
		} else {
			order, err = r.wrapper.CreateMarketOrder(ctx, intent.Symbol, intent.Side, remaining, params)
		}
		if err != nil {
			category := apperrors.Classify(err)
			log.Warn("Order placement failed",
				"attempt", attempt, "category", category.String(), "error", err.Error())
			metrics.OrderFailuresTotal.Add(ctx, 1, attrs)

			switch category {
			case apperrors.CategoryFatal:
				_ = r.coids.UpdateStatus(clientOrderID, coid.StatusRejected, "")
				res.Reason = "fatal:" + category.String()
				return res
			case apperrors.CategoryUnknown:
				if unknownRetried {
					res.Reason = "unknown_error"
					return res
				}
				unknownRetried = true
			case apperrors.CategoryRateLimit:
				metrics.RateLimitHitsTotal.Add(ctx, 1, attrs)
			}

			metrics.OrderRetriesTotal.Add(ctx, 1, attrs)
			backoff := retry.Backoff(r.cfg.RetryBackoff, attempt, 30*time.Second)
			if category == apperrors.CategoryRateLimit {
				backoff += r.cfg.RetryBackoff * 2
			}
			select {
			case <-ctx.Done():
				res.Reason = "canceled"
				return res
			case <-time.After(backoff):
			}
			continue
		}

		res.OrderID = order.ID
		tally, resumed := tallies[order.ID]
		if !resumed {
			tally = &orderTally{}
			tallies[order.ID] = tally
			metrics.OrdersPlacedTotal.Add(ctx, 1, attrs)
		} else {
			log.Info("Client order id resolved to an existing order",
				"order_id", order.ID, "client_order_id", clientOrderID)
		}
		_ = r.coids.UpdateStatus(clientOrderID, coid.StatusAcked, order.ID)
		log.Info("Order sent", "order_id", order.ID, "client_order_id", clientOrderID,
			"qty", remaining.String(), "limit", effectiveLimit.String())

		fill, err := r.wrapper.WaitForFill(ctx, intent.Symbol, order.ID, r.cfg.FillTimeout)
		if err != nil && ctx.Err() != nil {
			res.Reason = "canceled"
			return res
		}

		if fill.Filled.GreaterThan(tally.filled) {
			delta := fill.Filled.Sub(tally.filled)
			tally.filled = fill.Filled
			res.Filled = res.Filled.Add(delta)
			quoteVolume = quoteVolume.Add(delta.Mul(fill.Average))
			res.AvgPrice = quoteVolume.Div(res.Filled)
		}
		if fill.FeeCost.GreaterThan(tally.fees) {
			res.Fees = res.Fees.Add(fill.FeeCost.Sub(tally.fees))
			tally.fees = fill.FeeCost
		}

		switch fill.Status {
		case core.OrderStatusClosed:
			_ = r.coids.UpdateStatus(clientOrderID, coid.StatusFilled, order.ID)
			metrics.OrdersFilledTotal.Add(ctx, 1, attrs)
			res.State = StateSuccess
			return res
		case core.OrderStatusCanceled:
			_ = r.coids.UpdateStatus(clientOrderID, coid.StatusCanceled, order.ID)
			res.Reason = "canceled_by_exchange"
			return r.finalize(res, intent)
		case core.OrderStatusExpired:
			// IOC leftovers expire; retry the remainder with a fresh ID.
			_ = r.coids.UpdateStatus(clientOrderID, coid.StatusExpired, order.ID)
			if res.Filled.GreaterThanOrEqual(intent.Qty) {
				res.State = StateSuccess
				return res
			}
		default:
			// Still open at the deadline: count the partial and go again.
			log.Warn("Fill timeout", "order_id", order.ID, "filled", fill.Filled.String())
			_ = r.coids.UpdateStatus(clientOrderID, coid.StatusExpired, order.ID)
		}
	}
	return r.finalize(res, intent)
}

// finalize grades a finished loop by how much of the intent executed.
func (r *Router) finalize(res *Result, intent core.Intent) *Result {
	if res.Filled.GreaterThanOrEqual(intent.Qty) {
		res.State = StateSuccess
	} else if res.Filled.IsPositive() {
		res.State = StatePartialSuccess
		if res.Reason == "" {
			res.Reason = "partial_fill"
		}
	} else if res.Reason == "" {
		res.Reason = fmt.Sprintf("no_fill_after_%d_attempts", res.Attempts)
	}
	return res
}
