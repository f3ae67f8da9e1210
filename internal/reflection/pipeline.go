package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/skipperhq/skipper/internal/llm"
	"github.com/skipperhq/skipper/internal/monitor"
	"github.com/skipperhq/skipper/internal/search"
	"github.com/skipperhq/skipper/internal/telemetry"
	"github.com/skipperhq/skipper/internal/trace"
)

// ProposedChange is a concrete improvement suggested by the model.
type ProposedChange struct {
	What string `json:"what"`
	Why  string `json:"why"`
	How  string `json:"how"`
}

// Entry types. An entry carrying a proposed change is a config proposal;
// everything else is a plain reflection.
const (
	TypeReflection     = "reflection"
	TypeConfigProposal = "config_proposal"
)

// Entry statuses. Entries are born awaiting approval; a human reviewer
// moves them to approved or rejected.
const (
	StatusAwaitingApproval = "awaiting_approval"
	StatusApproved         = "approved"
	StatusRejected         = "rejected"
)

// TelemetryRef points an entry at the telemetry that backs it.
type TelemetryRef struct {
	TraceID    string  `json:"trace_id,omitempty"`
	MetricName string  `json:"metric_name,omitempty"`
	Value      float64 `json:"value,omitempty"`
}

// Entry is one captain's log record.
type Entry struct {
	ID               string            `json:"entry_id"`
	Timestamp        time.Time         `json:"timestamp"`
	Type             string            `json:"type"`
	Title            string            `json:"title"`
	Status           string            `json:"status"`
	TraceID          string            `json:"trace_id,omitempty"`
	UserMessage      string            `json:"user_message"`
	Rationale        string            `json:"rationale"`
	ProposedChange   *ProposedChange   `json:"proposed_change,omitempty"`
	ImpactAssessment string            `json:"impact_assessment,omitempty"`
	MetricStrings    []string          `json:"supporting_metrics"`
	Metrics          []Metric          `json:"metrics_structured"`
	TelemetryRefs    []TelemetryRef    `json:"telemetry_refs"`
	Telemetry        *TelemetrySummary `json:"telemetry,omitempty"`
}

// Input carries everything the pipeline needs about a finished request.
type Input struct {
	TraceID     string
	UserMessage string
	FinalReply  string
	Summary     monitor.Summary
}

// Config tunes the pipeline.
type Config struct {
	// TelemetryDir is the telemetry root; entries land under
	// <dir>/captains_log/.
	TelemetryDir string

	// GitCommit commits each entry to the local repository when true.
	GitCommit bool
}

// Pipeline produces and persists captain's log entries.
type Pipeline struct {
	cfg     Config
	client  *llm.Client
	indexer search.Indexer
	events  *telemetry.Logger
	logger  *slog.Logger
	ids     *IDGenerator
	now     func() time.Time
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithIndexer mirrors entries into the search index.
func WithIndexer(ix search.Indexer) Option {
	return func(p *Pipeline) { p.indexer = ix }
}

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithNow overrides the clock (for tests).
func WithNow(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds a reflection pipeline. client may be nil; entries then carry
// the deterministic fallback rationale only.
func New(cfg Config, client *llm.Client, events *telemetry.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		client: client,
		events: events.WithComponent(telemetry.ComponentReflection),
		logger: slog.Default().With("component", "reflection"),
		ids:    NewIDGenerator(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EntriesDir is where CL-*.json files are written.
func (p *Pipeline) EntriesDir() string {
	return filepath.Join(p.cfg.TelemetryDir, "captains_log")
}

const reflectionSystemPrompt = `You review one completed request of a local AI agent and reflect on it.
Given the user message, a telemetry digest, and resource metrics, respond with a single JSON object:
{"title": "...", "rationale": "...", "proposed_change": {"what": "...", "why": "...", "how": "..."}, "impact_assessment": "..."}
title is a short one-line summary. proposed_change and impact_assessment are optional. Be specific and brief.`

type reflectionWire struct {
	Title            string          `json:"title"`
	Rationale        string          `json:"rationale"`
	ProposedChange   *ProposedChange `json:"proposed_change"`
	ImpactAssessment string          `json:"impact_assessment"`
}

// Run produces the entry for one finished request, persists it, and
// mirrors it into the search index. It never returns an error for model
// or index trouble; only a local persistence failure is reported.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Entry, error) {
	now := p.now()
	lines, metrics := ExtractMetrics(in.Summary)

	tsum, err := SummarizeTrace(p.cfg.TelemetryDir, in.TraceID)
	if err != nil {
		p.logger.Warn("telemetry summary failed", "trace_id", in.TraceID, "error", err)
		tsum = &TelemetrySummary{EventCounts: map[string]int{}}
	}

	entry := &Entry{
		ID:            p.ids.Next(now, in.TraceID),
		Timestamp:     now.UTC(),
		Type:          TypeReflection,
		Title:         fallbackTitle(in.UserMessage),
		Status:        StatusAwaitingApproval,
		TraceID:       in.TraceID,
		UserMessage:   in.UserMessage,
		MetricStrings: lines,
		Metrics:       metrics,
		TelemetryRefs: telemetryRefs(in.TraceID, metrics),
		Telemetry:     tsum,
	}
	p.reflect(ctx, in, tsum, lines, entry)
	if entry.ProposedChange != nil {
		entry.Type = TypeConfigProposal
	}

	if err := p.persist(entry); err != nil {
		return nil, err
	}

	tc := trace.Context{TraceID: in.TraceID}
	p.events.Info("captains_log_entry_created", tc, map[string]any{
		"entry_id": entry.ID,
		"metrics":  len(entry.Metrics),
	})

	if p.cfg.GitCommit {
		if err := p.commit(ctx, entry); err != nil {
			p.logger.Warn("captain's log commit failed", "entry_id", entry.ID, "error", err)
		} else {
			p.events.Info("captains_log_entry_committed", tc, map[string]any{"entry_id": entry.ID})
		}
	}

	if p.indexer != nil {
		index := search.ReflectionIndex(entry.Timestamp)
		if err := p.indexer.Index(ctx, index, entry.ID, entry); err != nil {
			p.logger.Warn("reflection index write failed; backfill will replay it",
				"entry_id", entry.ID, "index", index, "error", err)
		}
	}
	return entry, nil
}

// reflect fills the model-authored fields, falling back to a minimal
// deterministic rationale when the model is unavailable or unparsable.
func (p *Pipeline) reflect(ctx context.Context, in Input, tsum *TelemetrySummary, lines []string, entry *Entry) {
	fallback := func(reason string) {
		entry.Rationale = fmt.Sprintf("Request completed. %s", reason)
	}

	if p.client == nil || !p.client.HasRole(llm.RoleReasoning) {
		fallback("No reasoning model configured; metrics recorded without analysis.")
		return
	}

	prompt := fmt.Sprintf("User message:\n%s\n\nTelemetry:\n%s\nMetrics:\n%s\n",
		in.UserMessage, tsum.Text(), joinLines(lines))

	var wire reflectionWire
	_, err := p.client.RespondStructured(ctx, llm.RoleReasoning,
		[]llm.Message{{Role: "user", Content: prompt}},
		llm.Options{SystemPrompt: reflectionSystemPrompt},
		trace.Context{TraceID: in.TraceID}, &wire)
	if err != nil || wire.Rationale == "" {
		p.logger.Warn("reflection model unusable; writing fallback entry",
			"trace_id", in.TraceID, "error", err)
		fallback("Reflection model output was unavailable; metrics recorded without analysis.")
		return
	}

	if t := strings.TrimSpace(wire.Title); t != "" {
		entry.Title = t
	}
	entry.Rationale = wire.Rationale
	entry.ProposedChange = wire.ProposedChange
	entry.ImpactAssessment = wire.ImpactAssessment
}

// fallbackTitle derives a title from the user message for entries the
// model could not annotate.
func fallbackTitle(userMessage string) string {
	t := strings.TrimSpace(userMessage)
	if t == "" {
		return "Reflection on completed request"
	}
	if idx := strings.IndexByte(t, '\n'); idx >= 0 {
		t = t[:idx]
	}
	if len(t) > 60 {
		t = t[:60]
	}
	return "Reflection on: " + t
}

// telemetryRefs links the entry back to its trace and extracted metrics.
func telemetryRefs(traceID string, metrics []Metric) []TelemetryRef {
	refs := make([]TelemetryRef, 0, len(metrics)+1)
	if traceID != "" {
		refs = append(refs, TelemetryRef{TraceID: traceID})
	}
	for _, m := range metrics {
		refs = append(refs, TelemetryRef{MetricName: m.Name, Value: m.Value})
	}
	return refs
}

func (p *Pipeline) persist(entry *Entry) error {
	dir := p.EntriesDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create captains_log dir: %w", err)
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	path := filepath.Join(dir, entry.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

func (p *Pipeline) commit(ctx context.Context, entry *Entry) error {
	path := filepath.Join(p.EntriesDir(), entry.ID+".json")
	add := exec.CommandContext(ctx, "git", "add", path)
	add.Dir = p.cfg.TelemetryDir
	if out, err := add.CombinedOutput(); err != nil {
		return fmt.Errorf("git add: %v: %s", err, out)
	}
	commit := exec.CommandContext(ctx, "git", "commit", "-m",
		fmt.Sprintf("captains log: %s", entry.ID))
	commit.Dir = p.cfg.TelemetryDir
	if out, err := commit.CombinedOutput(); err != nil {
		return fmt.Errorf("git commit: %v: %s", err, out)
	}
	return nil
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}
