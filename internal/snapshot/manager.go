// Package snapshot persists per-symbol state to disk after every phase
// transition and restores it on startup. One JSON file per symbol keeps a
// corrupt write from taking down more than one symbol's recovery.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"spot_engine/internal/core"
)

// envelopeVersion guards against reading snapshots written by an
// incompatible build.
const envelopeVersion = 1

type envelope struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	State   *core.CoinState `json:"state"`
}

// Manager reads and writes symbol snapshots under one directory.
type Manager struct {
	dir            string
	maxPositionAge time.Duration
	logger         core.ILogger
	clock          core.Clock
}

// NewManager creates the snapshot directory if needed.
func NewManager(dir string, maxPositionAge time.Duration, logger core.ILogger, clock core.Clock) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Manager{
		dir:            dir,
		maxPositionAge: maxPositionAge,
		logger:         logger.WithField("component", "snapshot"),
		clock:          clock,
	}, nil
}

func (m *Manager) path(symbol string) string {
	return filepath.Join(m.dir, strings.ReplaceAll(symbol, "/", "_")+".json")
}

// Save atomically writes one symbol's state: temp file, fsync, rename.
// A crash mid-write leaves the previous snapshot intact.
func (m *Manager) Save(st *core.CoinState) error {
	data, err := json.MarshalIndent(envelope{
		Version: envelopeVersion,
		SavedAt: m.clock.Now(),
		State:   st,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", st.Symbol, err)
	}

	tmp, err := os.CreateTemp(m.dir, ".snapshot-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), m.path(st.Symbol))
}

// Load reads one symbol's snapshot. A missing file returns (nil, nil).
func (m *Manager) Load(symbol string) (*core.CoinState, error) {
	data, err := os.ReadFile(m.path(symbol))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", symbol, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("snapshot for %s has version %d, want %d", symbol, env.Version, envelopeVersion)
	}
	return env.State, nil
}

// RecoverAll loads every snapshot in the directory and validates each
// against the state invariants. A snapshot that fails to parse or
// validate is replaced by a fresh IDLE state; trading resumes cautiously
// instead of crashing on a stale file.
func (m *Manager) RecoverAll() ([]*core.CoinState, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()

	var states []*core.CoinState
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		symbol := strings.ReplaceAll(strings.TrimSuffix(name, ".json"), "_", "/")

		st, err := m.Load(symbol)
		if err != nil || st == nil {
			m.logger.Warn("Unreadable snapshot, starting fresh",
				"symbol", symbol, "file", name, "error", errString(err))
			states = append(states, resetState(symbol, now))
			continue
		}
		if err := st.Validate(now, m.maxPositionAge); err != nil {
			m.logger.Warn("Snapshot failed validation, starting fresh",
				"symbol", st.Symbol, "error", err.Error())
			states = append(states, resetState(st.Symbol, now))
			continue
		}
		m.logger.Info("Recovered symbol state",
			"symbol", st.Symbol, "phase", string(st.Phase), "amount", st.Amount.String())
		states = append(states, st)
	}
	return states, nil
}

// resetState returns a clean IDLE state for a symbol whose snapshot could
// not be trusted.
func resetState(symbol string, now time.Time) *core.CoinState {
	st := core.NewCoinState(symbol, now)
	st.Phase = core.PhaseIdle
	st.Note = "snapshot_reset"
	return st
}

func errString(err error) string {
	if err == nil {
		return "empty snapshot"
	}
	return err.Error()
}
