package trace

import (
	"context"
	"testing"
)

func TestNewGeneratesDistinctIDs(t *testing.T) {
	a := New()
	b := New()

	if a.TraceID == "" || a.SpanID == "" {
		t.Fatal("expected non-empty ids")
	}
	if a.TraceID == b.TraceID {
		t.Error("two traces share a trace id")
	}
	if a.ParentSpanID != "" {
		t.Errorf("fresh trace has parent span %q", a.ParentSpanID)
	}
}

func TestNewSpanDoesNotMutateParent(t *testing.T) {
	parent := New()
	parentSpan := parent.SpanID

	child := parent.NewSpan()

	if parent.SpanID != parentSpan {
		t.Error("NewSpan mutated the parent context")
	}
	if child.TraceID != parent.TraceID {
		t.Errorf("child trace id %q != parent %q", child.TraceID, parent.TraceID)
	}
	if child.ParentSpanID != parent.SpanID {
		t.Errorf("child parent span %q != parent span %q", child.ParentSpanID, parent.SpanID)
	}
	if child.SpanID == parent.SpanID {
		t.Error("child reused the parent span id")
	}
}

func TestContextRoundTrip(t *testing.T) {
	tc := New()
	ctx := WithContext(context.Background(), tc)

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("trace context not found")
	}
	if got != tc {
		t.Errorf("got %+v, want %+v", got, tc)
	}
	if TraceID(ctx) != tc.TraceID {
		t.Errorf("TraceID = %q, want %q", TraceID(ctx), tc.TraceID)
	}
	if SpanID(ctx) != tc.SpanID {
		t.Errorf("SpanID = %q, want %q", SpanID(ctx), tc.SpanID)
	}
}

func TestFromContextMissing(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected no trace context on a bare context")
	}
	if TraceID(context.Background()) != "" {
		t.Error("expected empty trace id on a bare context")
	}
}
