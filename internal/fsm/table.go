// Package fsm drives the per-symbol trading lifecycle through a single
// transition table. The table is the only authority on phase changes:
// pairs missing from it are invalid events, logged and dropped.
package fsm

import (
	"context"
	"fmt"

	"spot_engine/internal/core"
)

// Action mutates the symbol state as part of a transition. An error aborts
// the transition and sends the symbol to ERROR.
type Action func(ctx context.Context, ev core.EventContext, st *core.CoinState) error

// Rule is one row of the transition table.
type Rule struct {
	From   core.Phase
	Event  core.EventType
	To     core.Phase
	Action Action
}

type tableKey struct {
	phase core.Phase
	event core.EventType
}

// Table is the frozen transition function.
type Table struct {
	rules map[tableKey]Rule
}

// NewTable compiles rules into a table. A duplicate (phase, event) pair is
// a programming error and fails construction.
func NewTable(rules []Rule) (*Table, error) {
	compiled := make(map[tableKey]Rule, len(rules))
	for _, r := range rules {
		if !r.From.Valid() || !r.To.Valid() {
			return nil, fmt.Errorf("transition %s + %s -> %s references unknown phase",
				r.From, r.Event, r.To)
		}
		key := tableKey{phase: r.From, event: r.Event}
		if _, dup := compiled[key]; dup {
			return nil, fmt.Errorf("duplicate transition for %s + %s", r.From, r.Event)
		}
		compiled[key] = r
	}
	return &Table{rules: compiled}, nil
}

// Lookup returns the rule for a (phase, event) pair.
func (t *Table) Lookup(phase core.Phase, event core.EventType) (Rule, bool) {
	r, ok := t.rules[tableKey{phase: phase, event: event}]
	return r, ok
}

// Len returns the number of compiled rules.
func (t *Table) Len() int { return len(t.rules) }

// rules returns the machine's transition table. Actions are bound methods
// so the table is built once per machine.
func (m *Machine) buildRules() []Rule {
	return []Rule{
		{From: core.PhaseWarmup, Event: core.EvWarmupCompleted, To: core.PhaseIdle},

		{From: core.PhaseIdle, Event: core.EvSlotAvailable, To: core.PhaseEntryEval, Action: m.assignDecision},
		{From: core.PhaseIdle, Event: core.EvManualHalt, To: core.PhaseError, Action: m.markHalted},

		{From: core.PhaseEntryEval, Event: core.EvGuardsBlocked, To: core.PhaseIdle, Action: m.applyEntryCooldown},
		{From: core.PhaseEntryEval, Event: core.EvNoSignal, To: core.PhaseIdle, Action: m.applyEntryCooldown},
		{From: core.PhaseEntryEval, Event: core.EvSignalDetected, To: core.PhasePlaceBuy},

		{From: core.PhasePlaceBuy, Event: core.EvBuyOrderPlaced, To: core.PhaseWaitFill, Action: m.recordBuyPlaced},
		{From: core.PhasePlaceBuy, Event: core.EvOrderPlacementFailed, To: core.PhaseIdle, Action: m.applyEntryCooldown},
		{From: core.PhasePlaceBuy, Event: core.EvErrorOccurred, To: core.PhaseError, Action: m.recordError},

		{From: core.PhaseWaitFill, Event: core.EvBuyOrderPartial, To: core.PhaseWaitFill, Action: m.accumulateBuy},
		{From: core.PhaseWaitFill, Event: core.EvBuyOrderFilled, To: core.PhasePosition, Action: m.commitBuy},
		{From: core.PhaseWaitFill, Event: core.EvOrderCanceled, To: core.PhaseIdle, Action: m.abandonBuy},
		{From: core.PhaseWaitFill, Event: core.EvBuyOrderRejected, To: core.PhaseIdle, Action: m.abandonBuy},
		{From: core.PhaseWaitFill, Event: core.EvBuyOrderTimeout, To: core.PhaseError, Action: m.abortBuy},
		{From: core.PhaseWaitFill, Event: core.EvManualHalt, To: core.PhaseError, Action: m.haltInFlight},

		{From: core.PhasePosition, Event: core.EvTickReceived, To: core.PhaseExitEval},
		{From: core.PhasePosition, Event: core.EvExitSignalTimeout, To: core.PhaseExitEval, Action: m.noteTTLExpiry},
		{From: core.PhasePosition, Event: core.EvManualHalt, To: core.PhaseError, Action: m.markHalted},

		{From: core.PhaseExitEval, Event: core.EvExitSignalSL, To: core.PhasePlaceSell, Action: m.recordExitReason},
		{From: core.PhaseExitEval, Event: core.EvExitSignalTP, To: core.PhasePlaceSell, Action: m.recordExitReason},
		{From: core.PhaseExitEval, Event: core.EvExitSignalTrailing, To: core.PhasePlaceSell, Action: m.recordExitReason},
		{From: core.PhaseExitEval, Event: core.EvExitSignalTimeout, To: core.PhasePlaceSell, Action: m.recordExitReason},
		{From: core.PhaseExitEval, Event: core.EvNoExitSignal, To: core.PhasePosition},

		{From: core.PhasePlaceSell, Event: core.EvSellOrderPlaced, To: core.PhaseWaitSellFill, Action: m.recordSellPlaced},
		{From: core.PhasePlaceSell, Event: core.EvOrderPlacementFailed, To: core.PhasePosition, Action: m.clearPendingOrder},
		{From: core.PhasePlaceSell, Event: core.EvErrorOccurred, To: core.PhaseError, Action: m.recordError},

		{From: core.PhaseWaitSellFill, Event: core.EvSellOrderPartial, To: core.PhaseWaitSellFill, Action: m.accumulateSell},
		{From: core.PhaseWaitSellFill, Event: core.EvSellOrderFilled, To: core.PhasePostTrade, Action: m.commitSell},
		{From: core.PhaseWaitSellFill, Event: core.EvOrderCanceled, To: core.PhasePosition, Action: m.clearPendingOrder},
		{From: core.PhaseWaitSellFill, Event: core.EvSellOrderRejected, To: core.PhaseError, Action: m.recordError},
		{From: core.PhaseWaitSellFill, Event: core.EvSellOrderTimeout, To: core.PhaseError, Action: m.abortSell},
		{From: core.PhaseWaitSellFill, Event: core.EvManualHalt, To: core.PhaseError, Action: m.haltInFlight},

		{From: core.PhasePostTrade, Event: core.EvTradeComplete, To: core.PhaseCooldown, Action: m.finalizeTrade},

		{From: core.PhaseCooldown, Event: core.EvCooldownExpired, To: core.PhaseIdle, Action: m.resetCounters},
		{From: core.PhaseCooldown, Event: core.EvManualHalt, To: core.PhaseError, Action: m.markHalted},

		{From: core.PhaseError, Event: core.EvCooldownExpired, To: core.PhaseIdle, Action: m.resetAfterError},
		{From: core.PhaseError, Event: core.EvManualHalt, To: core.PhaseError, Action: m.markHalted},
	}
}
