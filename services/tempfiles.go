package services

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flac2mp3/logging"
	"flac2mp3/metrics"

	"github.com/google/uuid"
)

// TempFiles hands out unique paths in a scratch directory and removes them
// again. Names never contain user input.
type TempFiles struct {
	dir    string
	logger *slog.Logger
}

func NewTempFiles(dir string, logger *slog.Logger) *TempFiles {
	if logger == nil {
		logger = logging.Discard()
	}
	return &TempFiles{dir: dir, logger: logger.With("component", "tempfiles")}
}

func (t *TempFiles) Dir() string { return t.dir }

// EnsureDir creates the scratch directory if needed.
func (t *TempFiles) EnsureDir() error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create temp directory %s: %w", t.dir, err)
	}
	return nil
}

// NewPath returns a fresh path with the given extension. The file is not
// created.
func (t *TempFiles) NewPath(ext string) string {
	id := uuid.New()
	name := hex.EncodeToString(id[:])
	if ext = strings.TrimPrefix(ext, "."); ext != "" {
		name += "." + ext
	}
	return filepath.Join(t.dir, name)
}

// Cleanup removes every given path. Failures are swallowed, so it is safe on
// empty, missing or already removed paths and may be called repeatedly.
func (t *TempFiles) Cleanup(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		err := os.Remove(p)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		metrics.TempCleanupErrors.Inc()
		t.logger.Warn("failed to remove temp file", slog.String("path", p), logging.Error(err))
	}
}

// SweepStale removes regular files older than maxAge from the scratch
// directory. It is meant for startup, to reclaim leftovers of a crashed run.
func (t *TempFiles) SweepStale(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read temp directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(t.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			t.logger.Warn("failed to remove stale temp file", slog.String("path", path), logging.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		t.logger.Info("removed stale temp files", slog.Int("count", removed), slog.Duration("max_age", maxAge))
	}
	return removed, nil
}
