// Package coid issues and tracks client order IDs so that a retry after a
// crash or network failure never places a duplicate order.
package coid

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"spot_engine/internal/core"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Status is the lifecycle state of an issued client order ID.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAcked    Status = "ACKED"
	StatusFilled   Status = "FILLED"
	StatusCanceled Status = "CANCELED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
	StatusUnknown  Status = "UNKNOWN"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Entry records one issued client order ID and what became of it.
// AttemptCount starts at 1 and grows every time the ID is handed out
// again for a retry.
type Entry struct {
	ClientOrderID   string    `json:"client_order_id"`
	DecisionID      string    `json:"decision_id"`
	Leg             string    `json:"leg"`
	Side            core.Side `json:"side"`
	Symbol          string    `json:"symbol"`
	Status          Status    `json:"status"`
	AttemptCount    int       `json:"attempt_count"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Manager owns the client order ID registry. The registry is persisted to a
// JSON file before any ID is handed out, so a crash between persist and
// placement resolves to a reusable PENDING entry on restart.
type Manager struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Entry
	logger  core.ILogger
	clock   core.Clock
}

// NewManager loads the registry from path, creating an empty one when the
// file does not exist.
func NewManager(path string, logger core.ILogger, clock core.Clock) (*Manager, error) {
	m := &Manager{
		path:    path,
		entries: make(map[string]*Entry),
		logger:  logger.WithField("component", "coid_manager"),
		clock:   clock,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("failed to read coid registry: %w", err)
	}

	var stored map[string]*Entry
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse coid registry %s: %w", path, err)
	}
	m.entries = stored
	return m, nil
}

// NextClientOrderID returns the client order ID to use for this decision
// leg. An existing non-terminal entry for the same (decision, leg, side) is
// reused, which makes retries idempotent. A fresh ID carries the attempt
// number, so consecutive mints for the same key stay distinct even within
// one millisecond and never overwrite an earlier terminal entry. The entry
// is persisted as PENDING before the ID is returned.
func (m *Manager) NextClientOrderID(decisionID, leg string, side core.Side, symbol string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	attempt := 1
	for _, e := range m.entries {
		if e.DecisionID != decisionID || e.Leg != leg || e.Side != side {
			continue
		}
		if !e.Status.Terminal() {
			e.AttemptCount++
			e.UpdatedAt = now
			if err := m.persistLocked(); err != nil {
				m.logger.Warn("Failed to persist attempt count", "error", err.Error())
			}
			m.logger.Info("Reusing in-flight client order id",
				"client_order_id", e.ClientOrderID, "decision_id", decisionID,
				"status", string(e.Status), "attempt", e.AttemptCount)
			return e.ClientOrderID, nil
		}
		attempt++
	}

	id := fmt.Sprintf("%s_%s_%s_%d_%d", decisionID, leg, side, now.UnixMilli(), attempt)
	m.entries[id] = &Entry{
		ClientOrderID: id,
		DecisionID:    decisionID,
		Leg:           leg,
		Side:          side,
		Symbol:        symbol,
		Status:        StatusPending,
		AttemptCount:  attempt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := m.persistLocked(); err != nil {
		delete(m.entries, id)
		return "", fmt.Errorf("failed to persist coid entry: %w", err)
	}
	return id, nil
}

// ForIntent returns the client order ID for an execution intent. Entry
// intents carry `{decision}_{leg}_{side}_{ts}` IDs and go through the
// registry's reuse path; exit intents get the deterministic `TBP-` form of
// their own ID so a replayed exit maps to the same exchange order.
func (m *Manager) ForIntent(intent core.Intent) (string, error) {
	parts := strings.SplitN(intent.IntentID, "_", 4)
	if len(parts) == 4 && !strings.HasPrefix(intent.IntentID, "EXIT-") {
		return m.NextClientOrderID(parts[0], parts[1], intent.Side, intent.Symbol)
	}
	return m.registerFixedID("TBP-"+intent.IntentID, intent)
}

// registerFixedID records a caller-determined client order ID, returning it
// unchanged when already present.
func (m *Manager) registerFixedID(id string, intent core.Intent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if e, ok := m.entries[id]; ok {
		if !e.Status.Terminal() {
			e.AttemptCount++
			e.UpdatedAt = now
			if err := m.persistLocked(); err != nil {
				m.logger.Warn("Failed to persist attempt count", "error", err.Error())
			}
		}
		return id, nil
	}
	m.entries[id] = &Entry{
		ClientOrderID: id,
		DecisionID:    intent.IntentID,
		Leg:           "exit",
		Side:          intent.Side,
		Symbol:        intent.Symbol,
		Status:        StatusPending,
		AttemptCount:  1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.persistLocked(); err != nil {
		delete(m.entries, id)
		return "", fmt.Errorf("failed to persist coid entry: %w", err)
	}
	return id, nil
}

// UpdateStatus advances an entry. Terminal entries are immutable; a late
// update against one is logged and dropped.
func (m *Manager) UpdateStatus(clientOrderID string, status Status, exchangeOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[clientOrderID]
	if !ok {
		return fmt.Errorf("unknown client order id: %s", clientOrderID)
	}
	if e.Status.Terminal() {
		if e.Status != status {
			m.logger.Warn("Ignoring status update on terminal coid entry",
				"client_order_id", clientOrderID, "have", string(e.Status), "got", string(status))
		}
		return nil
	}

	e.Status = status
	if exchangeOrderID != "" {
		e.ExchangeOrderID = exchangeOrderID
	}
	e.UpdatedAt = m.clock.Now()
	return m.persistLocked()
}

// Lookup returns a copy of the entry, if present.
func (m *Manager) Lookup(clientOrderID string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[clientOrderID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Pending returns copies of all non-terminal entries.
func (m *Manager) Pending() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for _, e := range m.entries {
		if !e.Status.Terminal() {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// OrderFetcher is the slice of the exchange surface reconciliation needs.
type OrderFetcher interface {
	FetchOpenOrders(ctx context.Context, symbol string) ([]core.Order, error)
	FetchOrder(ctx context.Context, symbol, orderID string) (*core.Order, error)
}

// ReconcileWithExchange resolves every PENDING or ACKED entry against
// exchange truth at startup. Entries whose orders cannot be located are
// marked EXPIRED: the ID was never accepted or is long settled, and a
// terminal status lets CleanupOldEntries age the entry out.
func (m *Manager) ReconcileWithExchange(ctx context.Context, fetcher OrderFetcher) error {
	pending := m.Pending()
	if len(pending) == 0 {
		return nil
	}
	m.logger.Info("Reconciling in-flight client order ids against exchange", "count", len(pending))

	retry := retrypolicy.NewBuilder[[]core.Order]().
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	// One open-orders fetch per distinct symbol.
	openBySymbol := make(map[string]map[string]*core.Order)
	for _, e := range pending {
		if _, done := openBySymbol[e.Symbol]; done {
			continue
		}
		symbol := e.Symbol
		orders, err := failsafe.With[[]core.Order](retry).GetWithExecution(
			func(exec failsafe.Execution[[]core.Order]) ([]core.Order, error) {
				return fetcher.FetchOpenOrders(ctx, symbol)
			})
		if err != nil {
			return fmt.Errorf("failed to fetch open orders for %s: %w", symbol, err)
		}
		byClientID := make(map[string]*core.Order, len(orders))
		for i := range orders {
			if orders[i].ClientOrderID != "" {
				byClientID[orders[i].ClientOrderID] = &orders[i]
			}
		}
		openBySymbol[symbol] = byClientID
	}

	for _, e := range pending {
		if open, ok := openBySymbol[e.Symbol][e.ClientOrderID]; ok {
			if err := m.UpdateStatus(e.ClientOrderID, StatusAcked, open.ID); err != nil {
				return err
			}
			continue
		}

		// Not open. If we ever learned the exchange order id, ask for the
		// final status directly; otherwise the order never reached the
		// book or is already settled out of the open set.
		status := StatusExpired
		if e.ExchangeOrderID != "" {
			order, err := fetcher.FetchOrder(ctx, e.Symbol, e.ExchangeOrderID)
			if err == nil {
				status = statusFromOrder(order.Status)
			}
		}
		m.logger.Warn("Resolving stale coid entry",
			"client_order_id", e.ClientOrderID, "status", string(status))
		if err := m.UpdateStatus(e.ClientOrderID, status, e.ExchangeOrderID); err != nil {
			return err
		}
	}
	return nil
}

func statusFromOrder(s core.OrderStatus) Status {
	switch s {
	case core.OrderStatusClosed:
		return StatusFilled
	case core.OrderStatusCanceled:
		return StatusCanceled
	case core.OrderStatusExpired:
		return StatusExpired
	case core.OrderStatusRejected:
		return StatusRejected
	default:
		return StatusAcked
	}
}

// CleanupOldEntries removes terminal entries older than retention.
func (m *Manager) CleanupOldEntries(retention time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-retention)
	removed := 0
	for id, e := range m.entries {
		if e.Status.Terminal() && e.UpdatedAt.Before(cutoff) {
			delete(m.entries, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, m.persistLocked()
}

// persistLocked writes the registry atomically: temp file, fsync, rename.
func (m *Manager) persistLocked() error {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal coid registry: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".coid-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write coid registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync coid registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close coid registry: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("failed to replace coid registry: %w", err)
	}
	return nil
}
