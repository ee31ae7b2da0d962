package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"spot_engine/internal/core"
	"spot_engine/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, maxAge time.Duration) (*Manager, *mock.Clock, string) {
	t.Helper()
	dir := t.TempDir()
	clock := mock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m, err := NewManager(dir, maxAge, &mock.Logger{}, clock)
	require.NoError(t, err)
	return m, clock, dir
}

func openPosition(symbol string, now time.Time) *core.CoinState {
	st := core.NewCoinState(symbol, now)
	st.Phase = core.PhasePosition
	st.Amount = decimal.NewFromFloat(0.01)
	st.EntryPrice = decimal.NewFromInt(50000)
	st.EntryTS = now
	return st
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	m, clock, dir := newTestManager(t, 0)
	st := openPosition("BTC/USDT", clock.Now())
	st.StopLossPx = decimal.NewFromInt(49000)

	require.NoError(t, m.Save(st))
	// Slash in the symbol maps to an underscore on disk.
	_, err := os.Stat(filepath.Join(dir, "BTC_USDT.json"))
	require.NoError(t, err)

	got, err := m.Load("BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.PhasePosition, got.Phase)
	assert.True(t, got.Amount.Equal(st.Amount))
	assert.True(t, got.StopLossPx.Equal(st.StopLossPx))
}

func TestLoadMissingReturnsNil(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	got, err := m.Load("BTC/USDT")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecoverAllKeepsValidStates(t *testing.T) {
	m, clock, _ := newTestManager(t, 0)
	require.NoError(t, m.Save(openPosition("BTC/USDT", clock.Now())))

	idle := core.NewCoinState("ETH/USDT", clock.Now())
	idle.Phase = core.PhaseIdle
	require.NoError(t, m.Save(idle))

	states, err := m.RecoverAll()
	require.NoError(t, err)
	require.Len(t, states, 2)

	byPhase := map[string]core.Phase{}
	for _, st := range states {
		byPhase[st.Symbol] = st.Phase
	}
	assert.Equal(t, core.PhasePosition, byPhase["BTC/USDT"])
	assert.Equal(t, core.PhaseIdle, byPhase["ETH/USDT"])
}

func TestRecoverAllResetsInvalidState(t *testing.T) {
	m, clock, _ := newTestManager(t, 0)

	// Amount in IDLE violates the phase/amount invariant.
	bad := core.NewCoinState("BTC/USDT", clock.Now())
	bad.Phase = core.PhaseIdle
	bad.Amount = decimal.NewFromFloat(0.5)
	require.NoError(t, m.Save(bad))

	states, err := m.RecoverAll()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, core.PhaseIdle, states[0].Phase)
	assert.True(t, states[0].Amount.IsZero())
	assert.Equal(t, "snapshot_reset", states[0].Note)
}

func TestRecoverAllResetsCorruptFile(t *testing.T) {
	m, _, dir := newTestManager(t, 0)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BTC_USDT.json"), []byte("{garbage"), 0o644))

	states, err := m.RecoverAll()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "BTC/USDT", states[0].Symbol)
	assert.Equal(t, core.PhaseIdle, states[0].Phase)
}

func TestRecoverAllResetsPositionPastMaxAge(t *testing.T) {
	m, clock, _ := newTestManager(t, 24*time.Hour)
	require.NoError(t, m.Save(openPosition("BTC/USDT", clock.Now())))

	clock.Advance(48 * time.Hour)
	states, err := m.RecoverAll()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, core.PhaseIdle, states[0].Phase)
	assert.True(t, states[0].Amount.IsZero())
}

func TestManualHaltSurvivesRecovery(t *testing.T) {
	m, clock, _ := newTestManager(t, 0)
	halted := core.NewCoinState("BTC/USDT", clock.Now())
	halted.Phase = core.PhaseError
	halted.Note = "manual_halt"
	require.NoError(t, m.Save(halted))

	states, err := m.RecoverAll()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, core.PhaseError, states[0].Phase)
	assert.Equal(t, "manual_halt", states[0].Note)
}

func TestSaveIsAtomicAgainstPartialWrites(t *testing.T) {
	m, clock, dir := newTestManager(t, 0)
	st := openPosition("BTC/USDT", clock.Now())
	require.NoError(t, m.Save(st))

	// A second save replaces the file; no temp files linger.
	st.CurrentPrice = decimal.NewFromInt(51000)
	require.NoError(t, m.Save(st))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "BTC_USDT.json", entries[0].Name())
}
