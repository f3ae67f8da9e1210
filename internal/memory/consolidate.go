package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skipperhq/skipper/internal/capture"
)

// Consolidator moves recent captures into the knowledge graph: each
// capture becomes a conversation node linked to its extracted entities.
// Runs from the scheduler during idle windows.
type Consolidator struct {
	captures *capture.Store
	graph    Graph
	logger   *slog.Logger
	now      func() time.Time

	// lookback bounds how far back each pass scans (default 2 days).
	lookback time.Duration
}

// ConsolidatorOption configures the consolidator.
type ConsolidatorOption func(*Consolidator)

// WithConsolidatorNow overrides the clock (for tests).
func WithConsolidatorNow(now func() time.Time) ConsolidatorOption {
	return func(c *Consolidator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLookback sets how far back a pass scans.
func WithLookback(d time.Duration) ConsolidatorOption {
	return func(c *Consolidator) {
		if d > 0 {
			c.lookback = d
		}
	}
}

// WithConsolidatorLogger sets the slog logger.
func WithConsolidatorLogger(logger *slog.Logger) ConsolidatorOption {
	return func(c *Consolidator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsolidator builds a consolidator over a capture store and graph.
func NewConsolidator(captures *capture.Store, graph Graph, opts ...ConsolidatorOption) *Consolidator {
	c := &Consolidator{
		captures: captures,
		graph:    graph,
		logger:   slog.Default().With("component", "consolidator"),
		now:      time.Now,
		lookback: 48 * time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consolidate upserts recent captures into the graph. Upserts are keyed by
// trace id, so re-processing a capture is harmless.
func (c *Consolidator) Consolidate(ctx context.Context) error {
	since := c.now().Add(-c.lookback)
	paths, err := c.captures.ListSince(since)
	if err != nil {
		return fmt.Errorf("list captures: %w", err)
	}

	var failed int
	for _, path := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, err := capture.Load(path)
		if err != nil {
			c.logger.Warn("capture unreadable during consolidation", "path", path, "error", err)
			failed++
			continue
		}
		if rec.Failed {
			continue
		}

		entities := rec.Entities
		if len(entities) == 0 {
			entities = ExtractEntities(rec.UserMessage)
		}
		node := ConversationNode{
			ConversationID: rec.TraceID,
			TraceID:        rec.TraceID,
			Summary:        summarizeCapture(rec),
			Entities:       entities,
			Timestamp:      rec.Timestamp,
		}
		if err := c.graph.CreateConversation(ctx, node); err != nil {
			c.logger.Warn("graph upsert failed", "trace_id", rec.TraceID, "error", err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("consolidation finished with %d failures over %d captures", failed, len(paths))
	}
	return nil
}

func summarizeCapture(c *capture.Capture) string {
	q, a := c.UserMessage, c.FinalReply
	if len(q) > 140 {
		q = q[:140]
	}
	if len(a) > 140 {
		a = a[:140]
	}
	return fmt.Sprintf("Q: %s A: %s", q, a)
}
