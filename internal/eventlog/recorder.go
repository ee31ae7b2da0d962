package eventlog

import (
	"context"
	"path/filepath"

	"spot_engine/internal/core"
	"spot_engine/internal/reconciler"

	"github.com/google/uuid"
)

// Journal kinds. Each kind gets its own subdirectory and file set.
const (
	KindDecisions = "decisions"
	KindOrders    = "orders"
	KindTracer    = "tracer"
	KindAudit     = "audit"
	KindHealth    = "health"
)

var allKinds = []string{KindDecisions, KindOrders, KindTracer, KindAudit, KindHealth}

// Record is the shared journal line envelope. Optional fields stay empty
// and are omitted from the output.
type Record struct {
	TSNs            int64          `json:"ts_ns"`
	Level           string         `json:"level"`
	Component       string         `json:"component"`
	Event           string         `json:"event"`
	Message         string         `json:"message,omitempty"`
	SessionID       string         `json:"session_id"`
	Symbol          string         `json:"symbol,omitempty"`
	DecisionID      string         `json:"decision_id,omitempty"`
	OrderReqID      string         `json:"order_req_id,omitempty"`
	ClientOrderID   string         `json:"client_order_id,omitempty"`
	ExchangeOrderID string         `json:"exchange_order_id,omitempty"`
	Trace           []string       `json:"trace,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

// Recorder fans records out to the five journals. One session identifier
// ties together everything written by a single process run.
type Recorder struct {
	sessionID string
	writers   map[string]*Writer
	logger    core.ILogger
	clock     core.Clock
}

// NewRecorder opens all journals under dir, one subdirectory per kind.
func NewRecorder(dir string, retentionDays int, logger core.ILogger, clock core.Clock) (*Recorder, error) {
	r := &Recorder{
		sessionID: uuid.NewString(),
		writers:   make(map[string]*Writer, len(allKinds)),
		logger:    logger.WithField("component", "eventlog"),
		clock:     clock,
	}
	for _, kind := range allKinds {
		w, err := NewWriter(filepath.Join(dir, kind), kind, retentionDays, r.logger, clock)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.writers[kind] = w
	}
	return r, nil
}

// SessionID returns this run's session identifier.
func (r *Recorder) SessionID() string { return r.sessionID }

// Emit stamps and writes one record to the given journal.
func (r *Recorder) Emit(kind string, rec Record) {
	w, ok := r.writers[kind]
	if !ok {
		return
	}
	rec.TSNs = r.clock.Now().UnixNano()
	rec.SessionID = r.sessionID
	if rec.Level == "" {
		rec.Level = "info"
	}
	w.Write(rec)
}

// Close closes every journal.
func (r *Recorder) Close() {
	for _, w := range r.writers {
		if w != nil {
			w.Close()
		}
	}
}

// ---- fsm.Observer ----

// Transition journals one phase change to the tracer journal.
func (r *Recorder) Transition(symbol string, from, to core.Phase, ev core.EventType, note string) {
	r.Emit(KindTracer, Record{
		Component: "fsm",
		Event:     "transition",
		Symbol:    symbol,
		Message:   string(from) + " -> " + string(to),
		Data:      map[string]any{"event": string(ev), "note": note},
	})
}

// InvalidTransition journals a dropped event.
func (r *Recorder) InvalidTransition(symbol string, phase core.Phase, ev core.EventType) {
	r.Emit(KindTracer, Record{
		Level:     "warn",
		Component: "fsm",
		Event:     "invalid_transition",
		Symbol:    symbol,
		Data:      map[string]any{"phase": string(phase), "event": string(ev)},
	})
}

// Decision journals one entry or exit decision.
func (r *Recorder) Decision(symbol, decisionID string, ev core.EventType, data map[string]any) {
	r.Emit(KindDecisions, Record{
		Component:  "fsm",
		Event:      string(ev),
		Symbol:     symbol,
		DecisionID: decisionID,
		Data:       data,
	})
}

// ---- order and audit hooks ----

// OrderFilled journals a reconciled fill announcement.
func (r *Recorder) OrderFilled(fe core.FillEvent) {
	r.Emit(KindOrders, Record{
		Component:       "router",
		Event:           "order_filled",
		Symbol:          fe.Symbol,
		OrderReqID:      fe.IntentID,
		ClientOrderID:   fe.ClientOrderID,
		ExchangeOrderID: fe.OrderID,
		Data: map[string]any{
			"side":      string(fe.Side),
			"qty":       fe.FilledQty.String(),
			"avg_price": fe.AvgPrice.String(),
		},
	})
}

// Audit implements the reconciler's audit callback.
func (r *Recorder) Audit(symbol, orderID string, fills int, summary *reconciler.Summary) {
	rec := Record{
		Component:       "reconciler",
		Event:           "order_reconciled",
		Symbol:          symbol,
		ExchangeOrderID: orderID,
		Data:            map[string]any{"fills": fills},
	}
	if summary != nil {
		rec.Data["side"] = string(summary.Side)
		rec.Data["filled_qty"] = summary.FilledQty.String()
		rec.Data["quote_volume"] = summary.QuoteVolume.String()
		rec.Data["fees"] = summary.Fees.String()
		rec.Data["realized_pnl"] = summary.RealizedPnL.String()
	}
	r.Emit(KindAudit, rec)
}

// Health journals a liveness or resource event.
func (r *Recorder) Health(event string, data map[string]any) {
	r.Emit(KindHealth, Record{Component: "engine", Event: event, Data: data})
}

// WithTrace returns a record emitter that stamps the context's scope
// stack onto every record.
func (r *Recorder) EmitCtx(ctx context.Context, kind string, rec Record) {
	rec.Trace = Scopes(ctx)
	r.Emit(kind, rec)
}
