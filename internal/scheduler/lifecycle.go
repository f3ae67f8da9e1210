package scheduler

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/skipperhq/skipper/internal/search"
	"github.com/skipperhq/skipper/internal/telemetry"
	"github.com/skipperhq/skipper/internal/trace"
)

// LifecycleConfig tunes the data lifecycle jobs.
type LifecycleConfig struct {
	// TelemetryDir is the telemetry root holding logs and captains_log.
	TelemetryDir string `yaml:"telemetry_dir"`

	// DiskPath is the mount checked by the hourly disk job (default "/").
	DiskPath string `yaml:"disk_path"`

	// DiskUsageAlertPercent triggers the disk alert (default 80).
	DiskUsageAlertPercent float64 `yaml:"disk_usage_alert_percent"`

	// HotDuration is how long files stay uncompressed (default 7 days).
	HotDuration time.Duration `yaml:"hot_duration"`

	// ColdDuration is how long archives are kept (default 90 days).
	ColdDuration time.Duration `yaml:"cold_duration"`

	// IndexRetentionDays bounds the age of date-suffixed search indices
	// (default 30).
	IndexRetentionDays int `yaml:"index_retention_days"`
}

func (c *LifecycleConfig) applyDefaults() {
	if c.DiskPath == "" {
		c.DiskPath = "/"
	}
	if c.DiskUsageAlertPercent <= 0 {
		c.DiskUsageAlertPercent = 80
	}
	if c.HotDuration <= 0 {
		c.HotDuration = 7 * 24 * time.Hour
	}
	if c.ColdDuration <= 0 {
		c.ColdDuration = 90 * 24 * time.Hour
	}
	if c.IndexRetentionDays <= 0 {
		c.IndexRetentionDays = 30
	}
}

// Lifecycle owns the disk check, archival, and purge jobs. Each job is
// idempotent per time window: a tracked last-run timestamp prevents
// re-execution inside the same hour, day, or week.
type Lifecycle struct {
	cfg     LifecycleConfig
	indexer search.Indexer
	events  *telemetry.Logger
	logger  *slog.Logger
	now     func() time.Time

	diskUsage func(ctx context.Context, path string) (float64, error)

	mu      sync.Mutex
	lastRun map[string]string // job -> window key
}

// LifecycleOption configures Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithLifecycleNow overrides the clock (for tests).
func WithLifecycleNow(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) {
		if now != nil {
			l.now = now
		}
	}
}

// WithDiskUsage overrides the disk probe (for tests).
func WithDiskUsage(probe func(ctx context.Context, path string) (float64, error)) LifecycleOption {
	return func(l *Lifecycle) {
		if probe != nil {
			l.diskUsage = probe
		}
	}
}

// WithLifecycleLogger sets the slog logger.
func WithLifecycleLogger(logger *slog.Logger) LifecycleOption {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLifecycle builds the lifecycle job runner. indexer may be nil; index
// cleanup is then skipped.
func NewLifecycle(cfg LifecycleConfig, indexer search.Indexer, events *telemetry.Logger, opts ...LifecycleOption) *Lifecycle {
	cfg.applyDefaults()
	l := &Lifecycle{
		cfg:     cfg,
		indexer: indexer,
		events:  events.WithComponent(telemetry.ComponentScheduler),
		logger:  slog.Default().With("component", "lifecycle"),
		now:     time.Now,
		lastRun: make(map[string]string),
		diskUsage: func(ctx context.Context, path string) (float64, error) {
			usage, err := disk.UsageWithContext(ctx, path)
			if err != nil {
				return 0, err
			}
			return usage.UsedPercent, nil
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// claimWindow returns false when the job already ran in this window.
func (l *Lifecycle) claimWindow(job, window string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastRun[job] == window {
		return false
	}
	l.lastRun[job] = window
	return true
}

// DiskCheck alerts when disk usage crosses the threshold. Hourly window.
func (l *Lifecycle) DiskCheck(ctx context.Context) {
	if !l.claimWindow("disk_check", l.now().UTC().Format("2006-01-02T15")) {
		return
	}
	used, err := l.diskUsage(ctx, l.cfg.DiskPath)
	if err != nil {
		l.logger.Warn("disk check failed", "path", l.cfg.DiskPath, "error", err)
		return
	}
	if used >= l.cfg.DiskUsageAlertPercent {
		l.events.Warn("disk_usage_alert", trace.Context{}, map[string]any{
			"path":         l.cfg.DiskPath,
			"used_percent": used,
			"threshold":    l.cfg.DiskUsageAlertPercent,
		})
	}
}

// fileGroup names one archivable data type and how to enumerate it.
type fileGroup struct {
	name string
	list func() []string
}

func (l *Lifecycle) groups() []fileGroup {
	dir := l.cfg.TelemetryDir
	return []fileGroup{
		{name: "logs", list: func() []string {
			return listFiles(filepath.Join(dir, "logs"), func(name string) bool {
				// The active segment is never archived.
				return strings.HasSuffix(name, ".jsonl") && name != "current.jsonl"
			})
		}},
		{name: "captures", list: func() []string {
			return listTree(filepath.Join(dir, "captains_log", "captures"), ".json")
		}},
		{name: "reflections", list: func() []string {
			return listFiles(filepath.Join(dir, "captains_log"), func(name string) bool {
				return strings.HasPrefix(name, "CL-") && strings.HasSuffix(name, ".json")
			})
		}},
	}
}

// Archive compresses files older than the hot duration into the archive
// tree and removes the originals. Daily window.
func (l *Lifecycle) Archive(ctx context.Context) {
	now := l.now()
	if !l.claimWindow("archive", now.UTC().Format("2006-01-02")) {
		return
	}
	cutoff := now.Add(-l.cfg.HotDuration)

	archived := 0
	for _, group := range l.groups() {
		for _, path := range group.list() {
			if ctx.Err() != nil {
				return
			}
			info, err := os.Stat(path)
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := l.archiveFile(group.name, path, info.ModTime()); err != nil {
				l.logger.Warn("archive failed", "path", path, "error", err)
				continue
			}
			archived++
		}
	}
	l.events.Info("archive_completed", trace.Context{}, map[string]any{"archived": archived})
}

// archiveFile gzips one file to archive/<group>/YYYY-MM/<name>.gz, then
// deletes the original.
func (l *Lifecycle) archiveFile(group, path string, mtime time.Time) error {
	destDir := filepath.Join(l.cfg.TelemetryDir, "archive", group, mtime.UTC().Format("2006-01"))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(destDir, filepath.Base(path)+".gz")

	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return err
	}
	return os.Remove(path)
}

// Purge deletes files and archives older than the cold duration and drops
// expired daily search indices. Weekly window.
func (l *Lifecycle) Purge(ctx context.Context) {
	now := l.now()
	year, week := now.UTC().ISOWeek()
	if !l.claimWindow("purge", fmt.Sprintf("%d-W%02d", year, week)) {
		return
	}
	cutoff := now.Add(-l.cfg.ColdDuration)

	removed := 0
	roots := []string{filepath.Join(l.cfg.TelemetryDir, "archive")}
	for _, group := range l.groups() {
		for _, path := range group.list() {
			if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
				if os.Remove(path) == nil {
					removed++
				}
			}
		}
	}
	for _, root := range roots {
		filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			if info.ModTime().Before(cutoff) {
				if os.Remove(path) == nil {
					removed++
				}
			}
			return nil
		})
	}

	deletedIndices := l.cleanupIndices(ctx, now)
	l.events.Info("purge_completed", trace.Context{}, map[string]any{
		"removed_files":   removed,
		"deleted_indices": deletedIndices,
	})
}

// cleanupIndices deletes date-suffixed indices past the retention bound.
// It walks back sixty days beyond the bound, which covers a missed weekly
// run comfortably.
func (l *Lifecycle) cleanupIndices(ctx context.Context, now time.Time) int {
	if l.indexer == nil {
		return 0
	}
	deleted := 0
	oldest := now.AddDate(0, 0, -(l.cfg.IndexRetentionDays + 60))
	bound := now.AddDate(0, 0, -l.cfg.IndexRetentionDays)
	for day := oldest; day.Before(bound); day = day.AddDate(0, 0, 1) {
		for _, index := range []string{
			search.EventIndex(day),
			search.CaptureIndex(day),
			search.ReflectionIndex(day),
		} {
			if err := l.indexer.DeleteIndex(ctx, index); err != nil {
				l.logger.Warn("index cleanup failed", "index", index, "error", err)
				continue
			}
			deleted++
		}
	}
	return deleted
}

func listFiles(dir string, keep func(name string) bool) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && keep(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

func listTree(root, ext string) []string {
	var out []string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if filepath.Ext(path) == ext {
			out = append(out, path)
		}
		return nil
	})
	return out
}
