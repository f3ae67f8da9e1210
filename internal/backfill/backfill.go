// Package backfill replays locally persisted captures and reflection
// entries into the search index after the index was offline when they were
// first written. Document ids are deterministic (trace id, entry id), so
// replaying the same files is idempotent.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/skipperhq/skipper/internal/capture"
	"github.com/skipperhq/skipper/internal/reflection"
	"github.com/skipperhq/skipper/internal/search"
	"github.com/skipperhq/skipper/internal/telemetry"
	"github.com/skipperhq/skipper/internal/trace"
)

// CheckpointFile is the checkpoint's filename under captains_log/.
const CheckpointFile = "es_backfill_checkpoint.json"

// Cursor marks the last file replayed within one file group.
type Cursor struct {
	LastPath  string    `json:"last_path,omitempty"`
	LastMtime time.Time `json:"last_mtime,omitempty"`
}

// Checkpoint tracks backfill progress across passes.
type Checkpoint struct {
	LastScanStartedAt   time.Time `json:"last_scan_started_at,omitempty"`
	LastScanCompletedAt time.Time `json:"last_scan_completed_at,omitempty"`
	Captures            Cursor    `json:"captures"`
	Reflections         Cursor    `json:"reflections"`
}

// after reports whether a file at (path, mtime) is beyond the cursor.
// Ordering is (path, mtime) lexicographic so enumeration order and cursor
// order agree.
func (c Cursor) after(path string, mtime time.Time) bool {
	if c.LastPath == "" {
		return true
	}
	if path != c.LastPath {
		return path > c.LastPath
	}
	return mtime.After(c.LastMtime)
}

// Report summarizes one backfill pass.
type Report struct {
	FilesScanned int   `json:"files_scanned"`
	IndexedCount int   `json:"indexed_count"`
	FailedCount  int   `json:"failed_count"`
	SkippedCount int   `json:"skipped_count"`
	ElapsedMS    int64 `json:"elapsed_ms"`
}

// Worker replays persisted documents into the search index.
type Worker struct {
	telemetryDir string
	indexer      search.Indexer
	events       *telemetry.Logger
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures the worker.
type Option func(*Worker)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithNow overrides the clock (for tests).
func WithNow(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// New builds a backfill worker over the telemetry directory.
func New(telemetryDir string, indexer search.Indexer, events *telemetry.Logger, opts ...Option) *Worker {
	w := &Worker{
		telemetryDir: telemetryDir,
		indexer:      indexer,
		events:       events.WithComponent(telemetry.ComponentBackfill),
		logger:       slog.Default().With("component", "backfill"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) checkpointPath() string {
	return filepath.Join(w.telemetryDir, "captains_log", CheckpointFile)
}

// Run executes one backfill pass. It never returns an error; per-file and
// index failures are counted in the report and logged.
func (w *Worker) Run(ctx context.Context) Report {
	start := w.now()
	var report Report

	cp := w.loadCheckpoint()
	cp.LastScanStartedAt = start.UTC()

	w.replayCaptures(ctx, &cp, &report)
	w.replayReflections(ctx, &cp, &report)

	cp.LastScanCompletedAt = w.now().UTC()
	if err := w.saveCheckpoint(cp); err != nil {
		w.logger.Warn("checkpoint write failed", "error", err)
	}

	report.ElapsedMS = w.now().Sub(start).Milliseconds()
	w.events.Info("backfill_completed", trace.Context{}, map[string]any{
		"files_scanned": report.FilesScanned,
		"indexed_count": report.IndexedCount,
		"failed_count":  report.FailedCount,
		"skipped_count": report.SkippedCount,
		"elapsed_ms":    report.ElapsedMS,
	})
	return report
}

func (w *Worker) replayCaptures(ctx context.Context, cp *Checkpoint, report *Report) {
	root := filepath.Join(w.telemetryDir, "captains_log", "captures")
	files := enumerateCaptures(root)

	for _, f := range files {
		report.FilesScanned++
		rel, mtime, ok := w.fileKey(root, f)
		if !ok {
			report.FailedCount++
			continue
		}
		if !cp.Captures.after(rel, mtime) {
			report.SkippedCount++
			continue
		}

		c, err := capture.Load(f)
		if err != nil {
			w.logger.Warn("capture unreadable; skipping", "path", f, "error", err)
			report.FailedCount++
			continue
		}
		index := search.CaptureIndex(c.Timestamp)
		if err := w.indexer.Index(ctx, index, c.TraceID, c); err != nil {
			w.logger.Warn("capture replay failed", "path", f, "index", index, "error", err)
			report.FailedCount++
			continue
		}
		report.IndexedCount++
		cp.Captures = Cursor{LastPath: rel, LastMtime: mtime}
		if err := w.saveCheckpoint(*cp); err != nil {
			w.logger.Warn("checkpoint write failed", "error", err)
		}
	}
}

func (w *Worker) replayReflections(ctx context.Context, cp *Checkpoint, report *Report) {
	root := filepath.Join(w.telemetryDir, "captains_log")
	files := enumerateReflections(root)

	for _, f := range files {
		report.FilesScanned++
		rel, mtime, ok := w.fileKey(root, f)
		if !ok {
			report.FailedCount++
			continue
		}
		if !cp.Reflections.after(rel, mtime) {
			report.SkippedCount++
			continue
		}

		entry, err := loadEntry(f)
		if err != nil {
			w.logger.Warn("reflection entry unreadable; skipping", "path", f, "error", err)
			report.FailedCount++
			continue
		}
		index := search.ReflectionIndex(entry.Timestamp)
		if err := w.indexer.Index(ctx, index, entry.ID, entry); err != nil {
			w.logger.Warn("reflection replay failed", "path", f, "index", index, "error", err)
			report.FailedCount++
			continue
		}
		report.IndexedCount++
		cp.Reflections = Cursor{LastPath: rel, LastMtime: mtime}
		if err := w.saveCheckpoint(*cp); err != nil {
			w.logger.Warn("checkpoint write failed", "error", err)
		}
	}
}

func (w *Worker) fileKey(root, path string) (string, time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		w.logger.Warn("stat failed", "path", path, "error", err)
		return "", time.Time{}, false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", time.Time{}, false
	}
	return filepath.ToSlash(rel), info.ModTime().UTC(), true
}

// enumerateCaptures lists capture files in stable (day directory,
// filename) order.
func enumerateCaptures(root string) []string {
	days, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	dayNames := make([]string, 0, len(days))
	for _, d := range days {
		if d.IsDir() {
			dayNames = append(dayNames, d.Name())
		}
	}
	sort.Strings(dayNames)

	var out []string
	for _, day := range dayNames {
		files, err := os.ReadDir(filepath.Join(root, day))
		if err != nil {
			continue
		}
		names := make([]string, 0, len(files))
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".json") {
				names = append(names, f.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, filepath.Join(root, day, name))
		}
	}
	return out
}

// enumerateReflections lists CL-*.json entries in filename order.
func enumerateReflections(root string) []string {
	files, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var names []string
	for _, f := range files {
		if !f.IsDir() && strings.HasPrefix(f.Name(), "CL-") && strings.HasSuffix(f.Name(), ".json") {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	out := make([]string, len(names))
	for i, name := range names {
		out[i] = filepath.Join(root, name)
	}
	return out
}

func loadEntry(path string) (*reflection.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e reflection.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", path, err)
	}
	if e.ID == "" {
		e.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return &e, nil
}

func (w *Worker) loadCheckpoint() Checkpoint {
	var cp Checkpoint
	data, err := os.ReadFile(w.checkpointPath())
	if err != nil {
		return cp
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		w.logger.Warn("checkpoint unreadable; starting from scratch", "error", err)
		return Checkpoint{}
	}
	return cp
}

// saveCheckpoint writes via temp file and rename so a crash mid-write
// never corrupts the checkpoint.
func (w *Worker) saveCheckpoint(cp Checkpoint) error {
	path := w.checkpointPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
