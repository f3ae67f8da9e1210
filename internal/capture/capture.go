// Package capture persists the record of each completed request: what the
// user asked, what was replied, which tools ran, and how long it took.
// Captures are the raw material for memory consolidation and reflection.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/skipperhq/skipper/internal/search"
	"github.com/skipperhq/skipper/internal/telemetry"
	"github.com/skipperhq/skipper/internal/trace"
)

// ToolUse summarizes one tool execution inside a request.
type ToolUse struct {
	Name      string `json:"name"`
	Success   bool   `json:"success"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Capture is the persisted record of one request.
type Capture struct {
	TraceID      string    `json:"trace_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Mode         string    `json:"mode"`
	UserMessage  string    `json:"user_message"`
	FinalReply   string    `json:"final_reply"`
	SelectedRole string    `json:"selected_role"`
	RouteReason  string    `json:"route_reason,omitempty"`
	ToolsUsed    []ToolUse `json:"tools_used,omitempty"`
	Entities     []string  `json:"entities,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	Failed       bool      `json:"failed,omitempty"`

	// MonitorSummary holds the per-request resource summary, stored as
	// loose JSON so the file layout survives monitor changes.
	MonitorSummary map[string]any `json:"monitor_summary,omitempty"`
}

// Store writes captures to the local filesystem and mirrors them into the
// search index when one is configured.
type Store struct {
	dir     string // telemetry root
	indexer search.Indexer
	events  *telemetry.Logger
	logger  *slog.Logger
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithIndexer attaches the search index mirror.
func WithIndexer(ix search.Indexer) StoreOption {
	return func(s *Store) { s.indexer = ix }
}

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a capture store rooted at the telemetry directory.
func NewStore(telemetryDir string, events *telemetry.Logger, opts ...StoreOption) *Store {
	s := &Store{
		dir:    telemetryDir,
		events: events.WithComponent(telemetry.ComponentOrchestrator),
		logger: slog.Default().With("component", "capture"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CapturesDir is the root of the per-day capture directories.
func (s *Store) CapturesDir() string {
	return filepath.Join(s.dir, "captains_log", "captures")
}

// Path returns where a capture is persisted.
func (s *Store) Path(c Capture) string {
	day := c.Timestamp.UTC().Format("2006-01-02")
	return filepath.Join(s.CapturesDir(), day, c.TraceID+".json")
}

// Save persists the capture locally and mirrors it into the daily index
// with the trace id as document id so replays upsert. Index failures are
// logged, not returned; the local file is the source of truth.
func (s *Store) Save(ctx context.Context, c Capture) error {
	if c.TraceID == "" {
		return fmt.Errorf("capture has no trace id")
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}

	path := s.Path(c)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create capture directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode capture: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write capture: %w", err)
	}

	tc := trace.Context{TraceID: c.TraceID}
	s.events.Info("task_capture_saved", tc, map[string]any{
		"path":       path,
		"tools_used": len(c.ToolsUsed),
	})

	if s.indexer != nil {
		index := search.CaptureIndex(c.Timestamp)
		if err := s.indexer.Index(ctx, index, c.TraceID, c); err != nil {
			s.logger.Warn("capture index write failed; backfill will replay it",
				"trace_id", c.TraceID, "index", index, "error", err)
		}
	}
	return nil
}

// Load reads one capture file.
func Load(path string) (*Capture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Capture
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode capture %s: %w", path, err)
	}
	return &c, nil
}

// ListSince returns capture file paths with a day directory at or after
// since, in stable (day, filename) order.
func (s *Store) ListSince(since time.Time) ([]string, error) {
	root := s.CapturesDir()
	days, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cutoff := since.UTC().Format("2006-01-02")
	var out []string
	for _, day := range days {
		if !day.IsDir() || day.Name() < cutoff {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, day.Name()))
		if err != nil {
			continue
		}
		names := make([]string, 0, len(files))
		for _, f := range files {
			if !f.IsDir() && filepath.Ext(f.Name()) == ".json" {
				names = append(names, f.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, filepath.Join(root, day.Name(), name))
		}
	}
	return out, nil
}
