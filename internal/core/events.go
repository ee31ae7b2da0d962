package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies a state machine event.
type EventType string

// Market events.
const (
	EvTickReceived    EventType = "TICK_RECEIVED"
	EvWarmupCompleted EventType = "WARMUP_COMPLETED"
)

// Entry events.
const (
	EvSignalDetected EventType = "SIGNAL_DETECTED"
	EvGuardsPassed   EventType = "GUARDS_PASSED"
	EvGuardsBlocked  EventType = "GUARDS_BLOCKED"
	EvNoSignal       EventType = "NO_SIGNAL"
	EvSlotAvailable  EventType = "SLOT_AVAILABLE"
)

// Buy order events.
const (
	EvBuyOrderPlaced       EventType = "BUY_ORDER_PLACED"
	EvBuyOrderAck          EventType = "BUY_ORDER_ACK"
	EvBuyOrderFilled       EventType = "BUY_ORDER_FILLED"
	EvBuyOrderPartial      EventType = "BUY_ORDER_PARTIAL"
	EvBuyOrderTimeout      EventType = "BUY_ORDER_TIMEOUT"
	EvBuyOrderRejected     EventType = "BUY_ORDER_REJECTED"
	EvBuyAborted           EventType = "BUY_ABORTED"
	EvOrderPlacementFailed EventType = "ORDER_PLACEMENT_FAILED"
)

// Position events.
const (
	EvPositionOpened  EventType = "POSITION_OPENED"
	EvPositionUpdated EventType = "POSITION_UPDATED"
)

// Exit signal events.
const (
	EvExitSignalTP       EventType = "EXIT_SIGNAL_TP"
	EvExitSignalSL       EventType = "EXIT_SIGNAL_SL"
	EvExitSignalTimeout  EventType = "EXIT_SIGNAL_TIMEOUT"
	EvExitSignalTrailing EventType = "EXIT_SIGNAL_TRAILING"
	EvNoExitSignal       EventType = "NO_EXIT_SIGNAL"
)

// Sell order events.
const (
	EvSellOrderPlaced   EventType = "SELL_ORDER_PLACED"
	EvSellOrderAck      EventType = "SELL_ORDER_ACK"
	EvSellOrderFilled   EventType = "SELL_ORDER_FILLED"
	EvSellOrderPartial  EventType = "SELL_ORDER_PARTIAL"
	EvSellOrderTimeout  EventType = "SELL_ORDER_TIMEOUT"
	EvSellOrderRejected EventType = "SELL_ORDER_REJECTED"
	EvSellAborted       EventType = "SELL_ABORTED"
)

// System events.
const (
	EvCooldownExpired EventType = "COOLDOWN_EXPIRED"
	EvErrorOccurred   EventType = "ERROR_OCCURRED"
	EvManualHalt      EventType = "MANUAL_HALT"
	EvTradeComplete   EventType = "TRADE_COMPLETE"
	EvOrderCanceled   EventType = "ORDER_CANCELED"
)

// TopicOrderFilled is the bus topic carrying FillEvent payloads from the
// router to the reconciler.
const TopicOrderFilled = "order.filled"

// FillEvent announces that an order accumulated fills and should be
// reconciled against exchange trade history.
type FillEvent struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
	IntentID      string
	Side          Side
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
}

// EventContext carries the immutable payload of an event.
type EventContext struct {
	Symbol     string
	Timestamp  time.Time
	OrderID    string
	DecisionID string
	FilledQty  decimal.Decimal
	AvgPrice   decimal.Decimal
	Fees       decimal.Decimal
	Err        error
	Data       map[string]any
}

// Event is one occurrence fed through the transition table.
type Event struct {
	Type EventType
	Ctx  EventContext
}

// NewEvent builds an event with the minimal context.
func NewEvent(t EventType, symbol string, now time.Time) Event {
	return Event{Type: t, Ctx: EventContext{Symbol: symbol, Timestamp: now}}
}
