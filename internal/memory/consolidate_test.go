package memory

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/skipperhq/skipper/internal/capture"
	"github.com/skipperhq/skipper/internal/telemetry"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func testEvents(t *testing.T) *telemetry.Logger {
	t.Helper()
	return telemetry.NewLogger(telemetry.Config{Dir: t.TempDir()},
		telemetry.WithSink(nopWriteCloser{io.Discard}))
}

func TestConsolidateMovesCapturesIntoGraph(t *testing.T) {
	ctx := context.Background()
	store := capture.NewStore(t.TempDir(), testEvents(t))

	caps := []capture.Capture{
		{TraceID: "t1", Timestamp: base.Add(-time.Hour), UserMessage: "fix Docker", FinalReply: "restarted", Entities: []string{"Docker"}},
		{TraceID: "t2", Timestamp: base.Add(-2 * time.Hour), UserMessage: "weather", FinalReply: "sunny"},
		{TraceID: "t3", Timestamp: base.Add(-time.Hour), UserMessage: "oops", Failed: true},
	}
	for _, c := range caps {
		if err := store.Save(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	graph := NewStore(WithNow(fixedClock(base)))
	cons := NewConsolidator(store, graph, WithConsolidatorNow(fixedClock(base)))
	if err := cons.Consolidate(ctx); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}

	res, err := graph.QueryMemory(ctx, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Conversations) != 2 {
		t.Fatalf("conversations = %v, want 2 (failed capture skipped)", ids(res))
	}

	e, ok := graph.EntityByName("Docker")
	if !ok || e.MentionCount != 1 {
		t.Errorf("entity = %+v, ok=%v", e, ok)
	}

	// Re-running upserts; nothing duplicates and mention counts hold.
	for i := 0; i < 2; i++ {
		if err := cons.Consolidate(ctx); err != nil {
			t.Fatal(err)
		}
	}
	res, err = graph.QueryMemory(ctx, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Conversations) != 2 {
		t.Errorf("conversations after replay = %v", ids(res))
	}
	e, _ = graph.EntityByName("Docker")
	if e.MentionCount != 1 {
		t.Errorf("mention count after replays = %d, want 1", e.MentionCount)
	}
}

func TestConsolidateLookbackBound(t *testing.T) {
	ctx := context.Background()
	store := capture.NewStore(t.TempDir(), testEvents(t))

	old := capture.Capture{TraceID: "old", Timestamp: base.AddDate(0, 0, -10), UserMessage: "x", FinalReply: "y"}
	if err := store.Save(ctx, old); err != nil {
		t.Fatal(err)
	}

	graph := NewStore(WithNow(fixedClock(base)))
	cons := NewConsolidator(store, graph, WithConsolidatorNow(fixedClock(base)))
	if err := cons.Consolidate(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := graph.QueryMemory(ctx, Query{RecencyDays: 365})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Conversations) != 0 {
		t.Errorf("stale capture consolidated: %v", ids(res))
	}
}
