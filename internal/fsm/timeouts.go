package fsm

import (
	"time"

	"spot_engine/internal/core"
)

// TimeoutPolicy holds the durations the timeout sweep enforces.
type TimeoutPolicy struct {
	BuyFill  time.Duration
	SellFill time.Duration
	TradeTTL time.Duration
}

// ErrorBackoff returns how long a symbol stays in ERROR before it may
// return to IDLE: 10s doubling per consecutive error, capped at 5 minutes.
func ErrorBackoff(errorCount int) time.Duration {
	n := errorCount
	if n < 0 {
		n = 0
	}
	if n > 5 {
		n = 5
	}
	d := time.Duration(10*(1<<uint(n))) * time.Second
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// CheckTimeouts returns the events a deadline sweep should feed into the
// machine for one symbol. It never mutates st. Halted symbols never leave
// ERROR on their own.
func CheckTimeouts(st *core.CoinState, now time.Time, p TimeoutPolicy) []core.Event {
	var events []core.Event
	emit := func(t core.EventType) {
		events = append(events, core.NewEvent(t, st.Symbol, now))
	}

	switch st.Phase {
	case core.PhaseWaitFill:
		if p.BuyFill > 0 && !st.OrderPlacedTS.IsZero() && now.Sub(st.OrderPlacedTS) > p.BuyFill {
			emit(core.EvBuyOrderTimeout)
		}
	case core.PhaseWaitSellFill:
		if p.SellFill > 0 && !st.OrderPlacedTS.IsZero() && now.Sub(st.OrderPlacedTS) > p.SellFill {
			emit(core.EvSellOrderTimeout)
		}
	case core.PhaseCooldown:
		if !now.Before(st.CooldownUntil) {
			emit(core.EvCooldownExpired)
		}
	case core.PhasePosition, core.PhaseExitEval:
		if p.TradeTTL > 0 && !st.EntryTS.IsZero() && now.Sub(st.EntryTS) > p.TradeTTL {
			emit(core.EvExitSignalTimeout)
		}
	case core.PhaseError:
		if st.Note == NoteManualHalt {
			break
		}
		if now.Sub(st.PhaseEntered) >= ErrorBackoff(st.ErrorCount) {
			emit(core.EvCooldownExpired)
		}
	}
	return events
}
