// Package eventlog appends structured JSONL records to the on-disk
// telemetry journals. Journal writes are best effort: a full disk must
// never take down trading, so every failure is logged and swallowed.
package eventlog

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"spot_engine/internal/core"
)

const dayLayout = "2006-01-02"

// Writer appends JSON lines to <dir>/<name>.jsonl, rotating at UTC
// midnight. Rotated files are gzipped and pruned after the retention
// window.
type Writer struct {
	mu        sync.Mutex
	dir       string
	name      string
	retention time.Duration
	logger    core.ILogger
	clock     core.Clock

	f   *os.File
	day string
}

// NewWriter opens (or creates) the active journal file.
func NewWriter(dir, name string, retentionDays int, logger core.ILogger, clock core.Clock) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	w := &Writer{
		dir:       dir,
		name:      name,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger,
		clock:     clock,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.day = clock.Now().UTC().Format(dayLayout)
	return w, nil
}

func (w *Writer) activePath() string {
	return filepath.Join(w.dir, w.name+".jsonl")
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.activePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	return nil
}

// Write appends one record as a JSON line. Never returns an error.
func (w *Writer) Write(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		w.logger.Error("Journal record not serializable", "journal", w.name, "error", err.Error())
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	day := w.clock.Now().UTC().Format(dayLayout)
	if day != w.day {
		w.rotateLocked(w.day)
		w.day = day
	}
	if w.f == nil {
		return
	}
	if _, err := w.f.Write(append(data, '\n')); err != nil {
		w.logger.Error("Journal write failed", "journal", w.name, "error", err.Error())
	}
}

// rotateLocked closes the active file, renames it with the finished day,
// gzips the rename target and prunes expired archives.
func (w *Writer) rotateLocked(finishedDay string) {
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
	rotated := filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl", w.name, finishedDay))
	if err := os.Rename(w.activePath(), rotated); err != nil {
		w.logger.Error("Journal rotation failed", "journal", w.name, "error", err.Error())
	} else if err := gzipFile(rotated); err != nil {
		w.logger.Error("Journal compression failed", "journal", w.name, "error", err.Error())
	}
	w.pruneLocked()
	if err := w.open(); err != nil {
		w.logger.Error("Journal reopen failed", "journal", w.name, "error", err.Error())
	}
}

// pruneLocked removes archives past the retention window. Archive age
// comes from the date embedded in the file name.
func (w *Writer) pruneLocked() {
	if w.retention <= 0 {
		return
	}
	cutoff := w.clock.Now().UTC().Add(-w.retention)
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	prefix := w.name + "-"
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		datePart := strings.TrimPrefix(name, prefix)
		datePart = strings.TrimSuffix(strings.TrimSuffix(datePart, ".gz"), ".jsonl")
		day, err := time.Parse(dayLayout, datePart)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := os.Remove(filepath.Join(w.dir, name)); err != nil {
				w.logger.Warn("Journal prune failed", "file", name, "error", err.Error())
			}
		}
	}
}

// Close flushes and closes the active file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
