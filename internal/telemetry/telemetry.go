// Package telemetry implements the structured event log every subsystem
// writes to: one JSON object per line in telemetry/logs/current.jsonl,
// rotated by size, with qualifying events forwarded asynchronously to the
// search index behind a circuit breaker.
package telemetry

import (
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skipperhq/skipper/internal/trace"
)

// Level classifies event severity.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Component names used across the agent. The telemetry component itself is
// special: its events are never forwarded, which keeps the forwarder from
// recursing on its own failures.
const (
	ComponentTelemetry    = "telemetry"
	ComponentOrchestrator = "orchestrator"
	ComponentRouter       = "router"
	ComponentLLM          = "llm"
	ComponentTools        = "tools"
	ComponentGovernance   = "governance"
	ComponentMonitor      = "monitor"
	ComponentScheduler    = "scheduler"
	ComponentReflection   = "reflection"
	ComponentBackfill     = "backfill"
)

// Event is one telemetry record. Arbitrary fields are flattened into the
// serialized object alongside the fixed keys.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Event     string         `json:"event"`
	Component string         `json:"component"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
	Fields    map[string]any `json:"-"`
}

// MarshalJSON flattens Fields into the top-level object. Field keys never
// override the fixed keys.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+6)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	out["level"] = e.Level
	out["event"] = e.Event
	out["component"] = e.Component
	if e.TraceID != "" {
		out["trace_id"] = e.TraceID
	}
	if e.SpanID != "" {
		out["span_id"] = e.SpanID
	}
	return json.Marshal(out)
}

// Logger writes events to the local JSONL sink and hands qualifying events
// to the forwarder. Log never blocks on the network and never panics out of
// the caller's path.
type Logger struct {
	mu        sync.Mutex
	sink      io.WriteCloser
	parent    *Logger
	forwarder *Forwarder
	component string
	minLevel  Level
	now       func() time.Time
	oplog     *slog.Logger
	warnOnce  sync.Once
}

// Config configures the event logger.
type Config struct {
	// Dir is the telemetry root; the sink writes Dir/logs/current.jsonl.
	Dir string

	// MaxSizeMB rotates the sink after this many megabytes (default 100).
	MaxSizeMB int

	// MaxBackups is the number of rotated segments to keep (default 5).
	MaxBackups int

	// MinLevel drops events below this level (default debug: keep all).
	MinLevel Level
}

// Option configures optional logger behavior.
type Option func(*Logger)

// WithForwarder attaches the async search-index forwarder.
func WithForwarder(f *Forwarder) Option {
	return func(l *Logger) { l.forwarder = f }
}

// WithSink overrides the output writer (for tests).
func WithSink(w io.WriteCloser) Option {
	return func(l *Logger) { l.sink = w }
}

// WithNow overrides the clock (for tests).
func WithNow(now func() time.Time) Option {
	return func(l *Logger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithOpLogger sets the slog logger used for the logger's own operational
// warnings (sink write failures and the like).
func WithOpLogger(logger *slog.Logger) Option {
	return func(l *Logger) {
		if logger != nil {
			l.oplog = logger
		}
	}
}

// NewLogger creates an event logger rooted at cfg.Dir.
func NewLogger(cfg Config, opts ...Option) *Logger {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	l := &Logger{
		sink: &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, "logs", "current.jsonl"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   false,
		},
		minLevel: cfg.MinLevel,
		now:      time.Now,
		oplog:    slog.Default().With("component", ComponentTelemetry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithComponent returns a logger that stamps events with the component name.
// The underlying sink, forwarder, and rotation state are shared with the root.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		parent:    l.root(),
		forwarder: l.forwarder,
		component: component,
		minLevel:  l.minLevel,
		now:       l.now,
		oplog:     l.oplog,
	}
}

func (l *Logger) root() *Logger {
	if l.parent != nil {
		return l.parent
	}
	return l
}

// Log records one event. fields may be nil. The trace identity, when the
// caller has one, is passed explicitly so background goroutines without a
// context still correlate.
func (l *Logger) Log(level Level, event string, tc trace.Context, fields map[string]any) {
	if levelRank(level) < levelRank(l.minLevel) {
		return
	}
	e := Event{
		Timestamp: l.now(),
		Level:     level,
		Event:     event,
		Component: l.component,
		TraceID:   tc.TraceID,
		SpanID:    tc.SpanID,
		Fields:    fields,
	}
	l.write(e)

	if l.forwarder != nil && e.Component != ComponentTelemetry {
		l.forwarder.Enqueue(e)
	}
}

// Debug logs a debug-level event.
func (l *Logger) Debug(event string, tc trace.Context, fields map[string]any) {
	l.Log(LevelDebug, event, tc, fields)
}

// Info logs an info-level event.
func (l *Logger) Info(event string, tc trace.Context, fields map[string]any) {
	l.Log(LevelInfo, event, tc, fields)
}

// Warn logs a warning-level event.
func (l *Logger) Warn(event string, tc trace.Context, fields map[string]any) {
	l.Log(LevelWarning, event, tc, fields)
}

// Error logs an error-level event.
func (l *Logger) Error(event string, tc trace.Context, fields map[string]any) {
	l.Log(LevelError, event, tc, fields)
}

func (l *Logger) write(e Event) {
	root := l.root()
	data, err := json.Marshal(e)
	if err != nil {
		root.warnWriteError(err)
		return
	}
	data = append(data, '\n')

	root.mu.Lock()
	_, err = root.sink.Write(data)
	root.mu.Unlock()
	if err != nil {
		root.warnWriteError(err)
	}
}

// warnWriteError surfaces a local sink failure once; the caller is never
// blocked or failed by telemetry problems.
func (l *Logger) warnWriteError(err error) {
	l.warnOnce.Do(func() {
		l.oplog.Warn("telemetry sink write failed; further sink errors suppressed", "error", err)
	})
}

// Close flushes and closes the sink and drains the forwarder.
func (l *Logger) Close() error {
	root := l.root()
	if root.forwarder != nil {
		root.forwarder.Drain()
	}
	root.mu.Lock()
	defer root.mu.Unlock()
	return root.sink.Close()
}

func levelRank(lv Level) int {
	switch lv {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}
