// Package trace provides the per-request identity used to correlate
// telemetry across the orchestrator, LLM client, and tool executor.
//
// A Context is created once at request entry and flows through the call
// chain as a value; child spans are derived per LLM or tool call and never
// mutate their parent.
package trace

import (
	"context"

	"github.com/google/uuid"
)

// Context carries the trace identity for one request.
//
// Context values are immutable. NewSpan returns a derived copy; the
// receiver is never modified.
type Context struct {
	// TraceID identifies the request. Stable for the request's lifetime.
	TraceID string `json:"trace_id"`

	// ParentSpanID is the span this context was derived from, if any.
	ParentSpanID string `json:"parent_span_id,omitempty"`

	// SpanID identifies the current operation within the trace.
	SpanID string `json:"span_id"`
}

// New creates a fresh trace context at request entry.
func New() Context {
	return Context{
		TraceID: uuid.NewString(),
		SpanID:  uuid.NewString(),
	}
}

// NewSpan derives a child context for a sub-operation (an LLM call, a tool
// call). The child shares the trace ID, records the caller's span as its
// parent, and gets a new span ID.
func (c Context) NewSpan() Context {
	return Context{
		TraceID:      c.TraceID,
		ParentSpanID: c.SpanID,
		SpanID:       uuid.NewString(),
	}
}

// IsZero reports whether the context carries no trace identity.
func (c Context) IsZero() bool {
	return c.TraceID == ""
}

type contextKey string

const traceContextKey contextKey = "skipper_trace"

// WithContext attaches the trace context to a context.Context for
// propagation through call chains that only carry ctx.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, traceContextKey, tc)
}

// FromContext retrieves the trace context, if present.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(traceContextKey).(Context)
	return tc, ok
}

// TraceID returns the trace ID from ctx, or "" when none is attached.
func TraceID(ctx context.Context) string {
	if tc, ok := FromContext(ctx); ok {
		return tc.TraceID
	}
	return ""
}

// SpanID returns the span ID from ctx, or "" when none is attached.
func SpanID(ctx context.Context) string {
	if tc, ok := FromContext(ctx); ok {
		return tc.SpanID
	}
	return ""
}
