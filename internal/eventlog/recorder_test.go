package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"spot_engine/internal/core"
	"spot_engine/internal/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) (*Recorder, *mock.Clock, string) {
	t.Helper()
	dir := t.TempDir()
	clock := mock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r, err := NewRecorder(dir, 14, &mock.Logger{}, clock)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, clock, dir
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestEmitWritesEnvelope(t *testing.T) {
	r, clock, dir := newTestRecorder(t)

	r.Decision("BTC/USDT", "d1", core.EvSignalDetected, map[string]any{"rule": "momentum"})

	recs := readRecords(t, filepath.Join(dir, "decisions", "decisions.jsonl"))
	require.Len(t, recs, 1)
	assert.Equal(t, clock.Now().UnixNano(), recs[0].TSNs)
	assert.Equal(t, r.SessionID(), recs[0].SessionID)
	assert.Equal(t, "SIGNAL_DETECTED", recs[0].Event)
	assert.Equal(t, "d1", recs[0].DecisionID)
	assert.Equal(t, "info", recs[0].Level)
}

func TestJournalsAreSeparated(t *testing.T) {
	r, _, dir := newTestRecorder(t)

	r.Transition("BTC/USDT", core.PhaseIdle, core.PhaseEntryEval, core.EvSlotAvailable, "")
	r.Health("tick", map[string]any{"symbols": 3})

	tracer := readRecords(t, filepath.Join(dir, "tracer", "tracer.jsonl"))
	require.Len(t, tracer, 1)
	assert.Equal(t, "transition", tracer[0].Event)

	health := readRecords(t, filepath.Join(dir, "health", "health.jsonl"))
	require.Len(t, health, 1)
	assert.Equal(t, "tick", health[0].Event)

	// Nothing leaked into the orders journal.
	orders := readRecords(t, filepath.Join(dir, "orders", "orders.jsonl"))
	assert.Empty(t, orders)
}

func TestDailyRotationCompressesFinishedDay(t *testing.T) {
	r, clock, dir := newTestRecorder(t)

	r.Health("tick", nil)
	clock.Advance(24 * time.Hour)
	r.Health("tick", nil)

	healthDir := filepath.Join(dir, "health")
	_, err := os.Stat(filepath.Join(healthDir, "health-2026-03-01.jsonl.gz"))
	require.NoError(t, err)

	// Active file holds only the new day's record.
	recs := readRecords(t, filepath.Join(healthDir, "health.jsonl"))
	require.Len(t, recs, 1)
}

func TestRetentionPrunesOldArchives(t *testing.T) {
	r, clock, dir := newTestRecorder(t)
	healthDir := filepath.Join(dir, "health")

	stale := filepath.Join(healthDir, "health-2026-01-01.jsonl.gz")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	// Any rotation triggers the prune pass.
	r.Health("tick", nil)
	clock.Advance(24 * time.Hour)
	r.Health("tick", nil)

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestTraceScopesNestAndStamp(t *testing.T) {
	r, _, dir := newTestRecorder(t)

	ctx := WithScope(context.Background(), "tick")
	inner := WithScope(ctx, "BTC/USDT")
	assert.Equal(t, []string{"tick"}, Scopes(ctx))
	assert.Equal(t, []string{"tick", "BTC/USDT"}, Scopes(inner))

	r.EmitCtx(inner, KindTracer, Record{Component: "engine", Event: "probe"})
	recs := readRecords(t, filepath.Join(dir, "tracer", "tracer.jsonl"))
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"tick", "BTC/USDT"}, recs[0].Trace)
}
