package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skipperhq/skipper/internal/capture"
	"github.com/skipperhq/skipper/internal/governance"
	"github.com/skipperhq/skipper/internal/llm"
	"github.com/skipperhq/skipper/internal/memory"
	"github.com/skipperhq/skipper/internal/router"
	"github.com/skipperhq/skipper/internal/sensors"
	"github.com/skipperhq/skipper/internal/telemetry"
	"github.com/skipperhq/skipper/internal/tools"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func testEvents(t *testing.T) *telemetry.Logger {
	t.Helper()
	return telemetry.NewLogger(telemetry.Config{Dir: t.TempDir()},
		telemetry.WithSink(nopWriteCloser{io.Discard}))
}

type fakeSampler struct{}

func (fakeSampler) PollSnapshot(context.Context) sensors.Snapshot {
	return sensors.Snapshot{
		sensors.MetricCPULoad: 10.0,
		sensors.MetricMemUsed: 40.0,
	}
}

// scriptedModel replies with each body in turn; the last body repeats.
type scriptedModel struct {
	mu     sync.Mutex
	bodies []map[string]any
	calls  int
}

func (s *scriptedModel) handler(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	idx := s.calls
	if idx >= len(s.bodies) {
		idx = len(s.bodies) - 1
	}
	body := s.bodies[idx]
	s.calls++
	s.mu.Unlock()
	json.NewEncoder(w).Encode(body)
}

func textResponse(content string) map[string]any {
	return map[string]any{
		"id": "chatcmpl-1", "object": "chat.completion", "model": "m",
		"choices": []map[string]any{{
			"index":   0,
			"message": map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
}

func toolCallResponse(name, args string) map[string]any {
	return map[string]any{
		"id": "chatcmpl-2", "object": "chat.completion", "model": "m",
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role": "assistant", "content": "",
				"tool_calls": []map[string]any{{
					"id": "call_1", "type": "function",
					"function": map[string]any{"name": name, "arguments": args},
				}},
			},
		}},
	}
}

type harness struct {
	orch      *Orchestrator
	model     *scriptedModel
	toolCalls *atomic.Int32
	captures  *capture.Store
	capDir    string
}

func newHarness(t *testing.T, bodies []map[string]any, opts ...Option) *harness {
	t.Helper()

	model := &scriptedModel{bodies: bodies}
	srv := httptest.NewServer(http.HandlerFunc(model.handler))
	t.Cleanup(srv.Close)

	events := testEvents(t)
	client := llm.NewClient(map[llm.Role]llm.ModelConfig{
		llm.RoleStandard:  {ModelID: "m", Endpoint: srv.URL, SupportsTools: true},
		llm.RoleCoding:    {ModelID: "m", Endpoint: srv.URL, SupportsTools: true},
		llm.RoleReasoning: {ModelID: "m", Endpoint: srv.URL, SupportsTools: true},
	}, events)

	gov := &governance.Config{
		Modes: map[governance.Mode]governance.ModeConstraints{
			governance.ModeNormal: {
				AllowedToolCategories: []string{"filesystem"},
				MaxConcurrentTasks:    2,
			},
		},
		Tools: map[string]governance.ToolPolicy{
			"list_directory": {Category: "filesystem"},
		},
		Safety: governance.SafetyConfig{MaxToolIterations: 3, MaxRepeatedToolCalls: 1},
	}
	modes := governance.NewModeManager(nil, events)

	reg := tools.NewRegistry(gov, modes.Current, events)
	var toolCalls atomic.Int32
	reg.Register(tools.Definition{
		Name:        "list_directory",
		Category:    "filesystem",
		Description: "List a directory.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Required: true},
		},
		TimeoutSeconds: 5,
	}, func(context.Context, map[string]any) (string, error) {
		toolCalls.Add(1)
		return `{"entries":["a.txt","b.txt"]}`, nil
	})

	rt := router.New(router.Config{Strategy: router.StrategyHeuristicOnly}, nil, events)

	h := &harness{model: model, toolCalls: &toolCalls}
	h.capDir = t.TempDir()
	h.captures = capture.NewStore(h.capDir, events)

	base := []Option{WithCaptureStore(h.captures)}
	h.orch = New(client, rt, reg, gov, modes, fakeSampler{}, events, append(base, opts...)...)
	return h
}

func TestHandleRequestSimpleReply(t *testing.T) {
	h := newHarness(t, []map[string]any{textResponse("4")})

	reply, err := h.orch.HandleRequest(context.Background(), Request{Message: "What is 2+2?"})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if reply.Failed || !strings.Contains(reply.Text, "4") {
		t.Errorf("reply = %+v", reply)
	}
	if reply.Role != llm.RoleStandard {
		t.Errorf("role = %q", reply.Role)
	}
	if h.model.calls != 1 {
		t.Errorf("model calls = %d, want 1", h.model.calls)
	}
	if h.toolCalls.Load() != 0 {
		t.Error("tool ran for a plain question")
	}
}

func TestHandleRequestToolLoop(t *testing.T) {
	h := newHarness(t, []map[string]any{
		toolCallResponse("list_directory", `{"path":"/tmp"}`),
		textResponse("There are two files: a.txt and b.txt."),
	})

	reply, err := h.orch.HandleRequest(context.Background(), Request{Message: "List files in /tmp"})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if reply.Failed || reply.Text == "" {
		t.Errorf("reply = %+v", reply)
	}
	if h.toolCalls.Load() != 1 {
		t.Errorf("tool executions = %d, want 1", h.toolCalls.Load())
	}
	if h.model.calls != 2 {
		t.Errorf("model calls = %d, want 2", h.model.calls)
	}

	h.orch.Wait()
	paths, err := h.captures.ListSince(time.Time{})
	if err != nil || len(paths) != 1 {
		t.Fatalf("captures = %v, %v", paths, err)
	}
	c, err := capture.Load(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(c.ToolsUsed) != 1 || c.ToolsUsed[0].Name != "list_directory" {
		t.Errorf("capture tools = %+v", c.ToolsUsed)
	}
	if c.TraceID != reply.TraceID {
		t.Errorf("capture trace = %q, reply trace = %q", c.TraceID, reply.TraceID)
	}
}

func TestRepeatedToolCallIsCapped(t *testing.T) {
	// The model insists on the same call forever.
	h := newHarness(t, []map[string]any{
		toolCallResponse("list_directory", `{"path":"/tmp"}`),
	})

	reply, err := h.orch.HandleRequest(context.Background(), Request{Message: "List files"})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if reply.Text == "" {
		t.Error("no reply despite tool results")
	}
	if got := h.toolCalls.Load(); got != 1 {
		t.Errorf("tool executions = %d, want 1 (repeat cap)", got)
	}
}

func TestIterationCapWithDistinctCalls(t *testing.T) {
	h := newHarness(t, []map[string]any{
		toolCallResponse("list_directory", `{"path":"/a"}`),
		toolCallResponse("list_directory", `{"path":"/b"}`),
		toolCallResponse("list_directory", `{"path":"/c"}`),
		toolCallResponse("list_directory", `{"path":"/d"}`),
		toolCallResponse("list_directory", `{"path":"/e"}`),
	})

	reply, err := h.orch.HandleRequest(context.Background(), Request{Message: "Explore"})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if got := h.toolCalls.Load(); got > 3 {
		t.Errorf("tool executions = %d, want <= max_tool_iterations", got)
	}
	if reply.Text == "" {
		t.Error("empty reply")
	}
}

func TestSynthesisFallbackFromToolResults(t *testing.T) {
	h := newHarness(t, []map[string]any{
		toolCallResponse("list_directory", `{"path":"/tmp"}`),
		textResponse(""), // model goes silent after the tool pass
	})

	reply, err := h.orch.HandleRequest(context.Background(), Request{Message: "List files"})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if !strings.Contains(reply.Text, "list_directory") {
		t.Errorf("fallback reply = %q, want tool summary", reply.Text)
	}
}

func TestHandleRequestModelFailure(t *testing.T) {
	h := newHarness(t, nil)
	// Replace bodies with an empty-choice envelope: invalid response.
	h.model.bodies = []map[string]any{{
		"id": "x", "object": "chat.completion", "choices": []any{},
	}}

	reply, err := h.orch.HandleRequest(context.Background(), Request{Message: "hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	if reply == nil || !reply.Failed || reply.Text == "" {
		t.Errorf("reply = %+v, want failed reply with text", reply)
	}
}

func TestConcurrencyCapFailsFast(t *testing.T) {
	h := newHarness(t, []map[string]any{textResponse("ok")})

	// Occupy both slots allowed in NORMAL.
	r1, err := h.orch.admit()
	if err != nil {
		t.Fatal(err)
	}
	defer r1()
	r2, err := h.orch.admit()
	if err != nil {
		t.Fatal(err)
	}
	defer r2()

	reply, err := h.orch.HandleRequest(context.Background(), Request{Message: "hello"})
	if err == nil {
		t.Fatal("expected concurrency rejection")
	}
	if !reply.Failed || reply.Text == "" {
		t.Errorf("reply = %+v", reply)
	}
	if h.model.calls != 0 {
		t.Error("model was called for a rejected request")
	}
}

func TestMemoryEnrichmentAndWriteback(t *testing.T) {
	store := memory.NewStore()
	if err := store.CreateConversation(context.Background(), memory.ConversationNode{
		ConversationID: "prior",
		Summary:        "Q: Docker setup A: use compose",
		Entities:       []string{"Docker"},
	}); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, []map[string]any{textResponse("try docker compose up")}, WithMemory(store))

	reply, err := h.orch.HandleRequest(context.Background(), Request{Message: "Docker is broken again"})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	h.orch.Wait()

	res, err := store.QueryMemory(context.Background(), memory.Query{TraceIDs: []string{reply.TraceID}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Conversations) != 1 {
		t.Errorf("conversation not written back: %+v", res)
	}
}

func TestNormalizeMessages(t *testing.T) {
	msgs := []llm.Message{
		{Role: "user", Content: "first"},
		{Role: "user", Content: "second"},
		{Role: "assistant", Content: "reply"},
		{Role: "system", Content: "rules"},
		{Role: "assistant", Content: "more"},
		{Role: "tool", Content: "{}", ToolCallID: "c1"},
		{Role: "user", Content: "next"},
	}
	got := NormalizeMessages(msgs)

	if got[0].Role != "system" || got[0].Content != "rules" {
		t.Fatalf("system not first: %+v", got[0])
	}
	if got[1].Role != "user" || got[1].Content != "first\n\nsecond" {
		t.Errorf("users not merged: %+v", got[1])
	}
	if got[2].Role != "assistant" || got[2].Content != "reply\n\nmore" {
		t.Errorf("assistants not merged: %+v", got[2])
	}

	// No two adjacent user/assistant messages share a role.
	prev := ""
	for _, m := range got {
		if m.Role == "tool" || m.Role == "system" {
			prev = ""
			continue
		}
		if m.Role == prev {
			t.Errorf("adjacent same-role messages after normalization: %v", got)
		}
		prev = m.Role
	}
}

func TestNormalizeKeepsToolCallsAttached(t *testing.T) {
	msgs := []llm.Message{
		{Role: "user", Content: "list"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "list_directory"}}},
		{Role: "tool", Content: "{}", ToolCallID: "c1"},
		{Role: "assistant", Content: "done"},
	}
	got := NormalizeMessages(msgs)
	if len(got) != 4 {
		t.Fatalf("messages = %+v", got)
	}
	if len(got[1].ToolCalls) != 1 || got[2].Role != "tool" {
		t.Errorf("tool call flow disturbed: %+v", got)
	}
}

