package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skipperhq/skipper/internal/telemetry"
	"github.com/skipperhq/skipper/internal/trace"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func testEvents(t *testing.T) *telemetry.Logger {
	t.Helper()
	return telemetry.NewLogger(telemetry.Config{Dir: t.TempDir()},
		telemetry.WithSink(nopWriteCloser{io.Discard}))
}

func noSleep(context.Context, time.Duration) error { return nil }

// completionResponse builds a minimal OpenAI-style chat completion body.
func completionResponse(content string, toolCalls []map[string]any) map[string]any {
	msg := map[string]any{"role": "assistant", "content": content}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"model":   "test-model",
		"choices": []map[string]any{{"index": 0, "message": msg, "finish_reason": "stop"}},
		"usage":   map[string]any{"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19},
	}
}

func newTestClient(t *testing.T, endpoint string, cfg ModelConfig) *Client {
	t.Helper()
	cfg.Endpoint = endpoint
	if cfg.ModelID == "" {
		cfg.ModelID = "test-model"
	}
	return NewClient(map[Role]ModelConfig{RoleStandard: cfg}, testEvents(t), WithSleep(noSleep))
}

func TestRespondParsesContentAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse("hello there", nil))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, ModelConfig{SupportsTools: true})
	resp, err := c.Respond(context.Background(), RoleStandard, []Message{{Role: "user", Content: "hi"}}, Options{}, trace.New())
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Content != "hello there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 19 {
		t.Errorf("total tokens = %d, want 19", resp.Usage.TotalTokens)
	}
	if resp.Role != RoleStandard {
		t.Errorf("role = %q", resp.Role)
	}
}

func TestRespondParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse("", []map[string]any{{
			"id":   "call_1",
			"type": "function",
			"function": map[string]any{
				"name":      "read_file",
				"arguments": `{"path":"/tmp/x"}`,
			},
		}}))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, ModelConfig{SupportsTools: true})
	resp, err := c.Respond(context.Background(), RoleStandard, []Message{{Role: "user", Content: "read it"}}, Options{
		Tools: []ToolSpec{{Name: "read_file", Schema: map[string]any{"type": "object"}}},
	}, trace.New())
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "read_file" || tc.ID != "call_1" {
		t.Errorf("tool call = %+v", tc)
	}
	args, err := tc.ParsedArguments()
	if err != nil {
		t.Fatalf("ParsedArguments: %v", err)
	}
	if args["path"] != "/tmp/x" {
		t.Errorf("args = %v", args)
	}
}

func TestRespondRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(completionResponse("recovered", nil))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, ModelConfig{})
	resp, err := c.Respond(context.Background(), RoleStandard, []Message{{Role: "user", Content: "hi"}}, Options{}, trace.New())
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("content = %q", resp.Content)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("backend calls = %d, want 3", got)
	}
}

func TestRespondDoesNotRetryInvalidRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, ModelConfig{})
	_, err := c.Respond(context.Background(), RoleStandard, []Message{{Role: "user", Content: "hi"}}, Options{}, trace.New())
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindInvalidRequest {
		t.Errorf("kind = %q, want invalid_request", KindOf(err))
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

func TestRespondRateLimitExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"slow down"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, ModelConfig{})
	_, err := c.Respond(context.Background(), RoleStandard, []Message{{Role: "user", Content: "hi"}}, Options{MaxRetries: 2}, trace.New())
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindRateLimited {
		t.Errorf("kind = %q, want rate_limited", KindOf(err))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("backend calls = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestRespondNoChoicesIsInvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// HTTP 200 with an error envelope and no choices.
		json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-err", "object": "chat.completion", "choices": []any{},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, ModelConfig{})
	_, err := c.Respond(context.Background(), RoleStandard, []Message{{Role: "user", Content: "hi"}}, Options{}, trace.New())
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindInvalidResponse {
		t.Errorf("kind = %q, want invalid_response", KindOf(err))
	}
}

func TestRespondDropsToolsWhenUnsupported(t *testing.T) {
	var sawTools atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["tools"]; ok {
			sawTools.Store(true)
		}
		json.NewEncoder(w).Encode(completionResponse("ok", nil))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, ModelConfig{SupportsTools: false})
	_, err := c.Respond(context.Background(), RoleStandard, []Message{{Role: "user", Content: "hi"}}, Options{
		Tools: []ToolSpec{{Name: "read_file"}},
	}, trace.New())
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if sawTools.Load() {
		t.Error("tools were sent to a model that does not support function calling")
	}
}

func TestRespondUnknownRoleIsConfigError(t *testing.T) {
	c := NewClient(map[Role]ModelConfig{}, testEvents(t), WithSleep(noSleep))
	_, err := c.Respond(context.Background(), RoleCoding, nil, Options{}, trace.New())
	if KindOf(err) != KindConfig {
		t.Errorf("kind = %q, want config", KindOf(err))
	}
}

func TestRespondPicksUpTextToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse(
			"Let me check.\nTOOL_CALL: list_directory {\"path\": \"/tmp\"}", nil))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, ModelConfig{})
	resp, err := c.Respond(context.Background(), RoleStandard, []Message{{Role: "user", Content: "ls"}}, Options{}, trace.New())
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "list_directory" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Content != "Let me check." {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestRespondSystemPromptInjectedFirst(t *testing.T) {
	var first map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []map[string]any `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Messages) > 0 {
			first = body.Messages[0]
		}
		json.NewEncoder(w).Encode(completionResponse("ok", nil))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, ModelConfig{})
	_, err := c.Respond(context.Background(), RoleStandard, []Message{{Role: "user", Content: "hi"}}, Options{
		SystemPrompt: "be brief",
	}, trace.New())
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if first["role"] != "system" || first["content"] != "be brief" {
		t.Errorf("first message = %v, want system prompt", first)
	}
}

func TestRespondMergesHistorySystemMessage(t *testing.T) {
	var messages []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []map[string]any `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		messages = body.Messages
		json.NewEncoder(w).Encode(completionResponse("ok", nil))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, ModelConfig{})
	_, err := c.Respond(context.Background(), RoleStandard, []Message{
		{Role: "system", Content: "answer in French"},
		{Role: "user", Content: "hi"},
	}, Options{SystemPrompt: "be brief"}, trace.New())
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	systems := 0
	for _, m := range messages {
		if m["role"] == "system" {
			systems++
		}
	}
	if systems != 1 {
		t.Fatalf("system messages = %d, want 1", systems)
	}
	content, _ := messages[0]["content"].(string)
	if !strings.Contains(content, "be brief") || !strings.Contains(content, "answer in French") {
		t.Errorf("merged system content = %q", content)
	}
}

func TestUsageFuncReceivesTokenCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse("done", nil))
	}))
	defer srv.Close()

	var gotUsage Usage
	var gotTrace string
	cfg := ModelConfig{
		Endpoint:         srv.URL,
		ModelID:          "test-model",
		CostPerMTokenIn:  3,
		CostPerMTokenOut: 15,
	}
	c := NewClient(map[Role]ModelConfig{RoleStandard: cfg}, testEvents(t),
		WithSleep(noSleep),
		WithUsageFunc(func(_ context.Context, role Role, mc ModelConfig, usage Usage, traceID string) {
			gotUsage = usage
			gotTrace = traceID
		}))

	tc := trace.New()
	if _, err := c.Respond(context.Background(), RoleStandard, []Message{{Role: "user", Content: "hi"}}, Options{}, tc); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if gotUsage.PromptTokens != 12 || gotUsage.CompletionTokens != 7 {
		t.Errorf("usage = %+v", gotUsage)
	}
	if gotTrace != tc.TraceID {
		t.Errorf("trace id = %q, want %q", gotTrace, tc.TraceID)
	}

	want := 12*3.0/1e6 + 7*15.0/1e6
	if got := cfg.CallCost(gotUsage); got != want {
		t.Errorf("CallCost = %v, want %v", got, want)
	}
}
