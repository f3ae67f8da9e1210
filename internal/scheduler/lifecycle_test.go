package scheduler

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeIndexer struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeIndexer) Index(context.Context, string, string, any) error { return nil }
func (f *fakeIndexer) Ping(context.Context) error                       { return nil }
func (f *fakeIndexer) DeleteIndex(_ context.Context, index string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, index)
	return nil
}

func writeAged(t *testing.T, path string, age time.Duration, now time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := now.Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func newTestLifecycle(t *testing.T, dir string, usedPercent float64) *Lifecycle {
	t.Helper()
	return NewLifecycle(
		LifecycleConfig{TelemetryDir: dir},
		&fakeIndexer{},
		testEvents(t),
		WithLifecycleNow(func() time.Time { return base }),
		WithDiskUsage(func(context.Context, string) (float64, error) {
			return usedPercent, nil
		}),
	)
}

func TestArchiveCompressesOldFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "logs", "current-2026-02-01.jsonl")
	fresh := filepath.Join(dir, "logs", "current.jsonl")
	writeAged(t, old, 10*24*time.Hour, base)
	writeAged(t, fresh, 10*24*time.Hour, base) // active segment, exempt by name

	oldCapture := filepath.Join(dir, "captains_log", "captures", "2026-02-28", "t1.json")
	writeAged(t, oldCapture, 10*24*time.Hour, base)

	l := newTestLifecycle(t, dir, 10)
	l.Archive(context.Background())

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old log segment not removed after archive")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("active segment was archived")
	}

	gz := filepath.Join(dir, "archive", "logs", "2026-02", "current-2026-02-01.jsonl.gz")
	f, err := os.Open(gz)
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(zr)
	if err != nil || string(data) != "payload" {
		t.Errorf("archive content = %q, %v", data, err)
	}

	if _, err := os.Stat(filepath.Join(dir, "archive", "captures", "2026-02", "t1.json.gz")); err != nil {
		t.Errorf("capture archive missing: %v", err)
	}
}

func TestArchiveIdempotentPerDay(t *testing.T) {
	dir := t.TempDir()
	l := newTestLifecycle(t, dir, 10)

	l.Archive(context.Background())
	// Same day: second invocation must not re-run.
	old := filepath.Join(dir, "logs", "old.jsonl")
	writeAged(t, old, 10*24*time.Hour, base)
	l.Archive(context.Background())
	if _, err := os.Stat(old); err != nil {
		t.Error("archive re-ran inside the same daily window")
	}

	// Next day it runs again.
	l.now = func() time.Time { return base.AddDate(0, 0, 1) }
	l.Archive(context.Background())
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("archive did not run in a new window")
	}
}

func TestPurgeDeletesColdFilesAndIndices(t *testing.T) {
	dir := t.TempDir()
	cold := filepath.Join(dir, "captains_log", "CL-20251201-000000-001.json")
	warm := filepath.Join(dir, "captains_log", "CL-20260309-000000-001.json")
	writeAged(t, cold, 100*24*time.Hour, base)
	writeAged(t, warm, 24*time.Hour, base)

	coldArchive := filepath.Join(dir, "archive", "logs", "2025-11", "x.jsonl.gz")
	writeAged(t, coldArchive, 120*24*time.Hour, base)

	ix := &fakeIndexer{}
	l := NewLifecycle(LifecycleConfig{TelemetryDir: dir}, ix, testEvents(t),
		WithLifecycleNow(func() time.Time { return base }))
	l.Purge(context.Background())

	if _, err := os.Stat(cold); !os.IsNotExist(err) {
		t.Error("cold reflection survived purge")
	}
	if _, err := os.Stat(warm); err != nil {
		t.Error("warm reflection was purged")
	}
	if _, err := os.Stat(coldArchive); !os.IsNotExist(err) {
		t.Error("cold archive survived purge")
	}

	if len(ix.deleted) == 0 {
		t.Fatal("no indices deleted")
	}
	for _, name := range ix.deleted {
		if !strings.HasPrefix(name, "agent-") {
			t.Errorf("unexpected index %q", name)
		}
	}
	// Only dates past the retention bound are touched.
	bound := base.AddDate(0, 0, -30).Format("2006.01.02")
	for _, name := range ix.deleted {
		if strings.HasPrefix(name, "agent-logs-") && strings.TrimPrefix(name, "agent-logs-") >= bound {
			t.Errorf("index %q is inside the retention window", name)
		}
	}
}

func TestDiskCheckAlertsOnceAnHour(t *testing.T) {
	dir := t.TempDir()
	probes := 0
	l := NewLifecycle(LifecycleConfig{TelemetryDir: dir}, nil, testEvents(t),
		WithLifecycleNow(func() time.Time { return base }),
		WithDiskUsage(func(context.Context, string) (float64, error) {
			probes++
			return 92, nil
		}))

	l.DiskCheck(context.Background())
	l.DiskCheck(context.Background())
	if probes != 1 {
		t.Errorf("probes = %d, want 1 per hourly window", probes)
	}

	l.now = func() time.Time { return base.Add(time.Hour) }
	l.DiskCheck(context.Background())
	if probes != 2 {
		t.Errorf("probes = %d, want 2 after window change", probes)
	}
}
