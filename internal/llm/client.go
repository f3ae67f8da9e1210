// Package llm is the role-keyed client over OpenAI-compatible
// chat-completions endpoints. Roles (ROUTER, STANDARD, REASONING, CODING)
// map to model configurations; calls carry retries with exponential
// backoff, tool-call normalization, and full telemetry.
package llm

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/skipperhq/skipper/internal/telemetry"
	"github.com/skipperhq/skipper/internal/trace"
)

// Role selects which model configuration serves a call.
type Role string

const (
	RoleRouter    Role = "ROUTER"
	RoleStandard  Role = "STANDARD"
	RoleReasoning Role = "REASONING"
	RoleCoding    Role = "CODING"
)

// Message is one turn of a conversation in the wire-neutral form the
// orchestrator builds.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object
}

// ParsedArguments decodes the call's argument JSON.
func (tc ToolCall) ParsedArguments() (map[string]any, error) {
	if strings.TrimSpace(tc.Arguments) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
		return nil, fmt.Errorf("parse tool arguments for %s: %w", tc.Name, err)
	}
	return args, nil
}

// ToolSpec advertises a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the result of one model call.
type Response struct {
	Role           Role       `json:"role"`
	ModelID        string     `json:"model_id"`
	Content        string     `json:"content"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	ReasoningTrace string     `json:"reasoning_trace,omitempty"`
	Usage          Usage      `json:"usage"`
	ResponseID     string     `json:"response_id,omitempty"`
	Raw            string     `json:"-"`
}

// ModelConfig binds a role to a backend.
type ModelConfig struct {
	ModelID        string  `yaml:"model_id" json:"model_id"`
	Endpoint       string  `yaml:"endpoint" json:"endpoint"`
	TimeoutSeconds int     `yaml:"timeout_seconds" json:"timeout_seconds"`
	SupportsTools  bool    `yaml:"supports_tools" json:"supports_tools"`
	MaxTokens      int     `yaml:"max_tokens" json:"max_tokens"`
	Temperature    float32 `yaml:"temperature" json:"temperature"`
	APIKey         string  `yaml:"api_key" json:"-"`

	// Per-million-token prices in USD. Zero for local backends.
	CostPerMTokenIn  float64 `yaml:"cost_per_mtoken_in" json:"cost_per_mtoken_in"`
	CostPerMTokenOut float64 `yaml:"cost_per_mtoken_out" json:"cost_per_mtoken_out"`
}

// CallCost prices one call's token usage against this model's rates.
func (m ModelConfig) CallCost(u Usage) float64 {
	return float64(u.PromptTokens)*m.CostPerMTokenIn/1e6 +
		float64(u.CompletionTokens)*m.CostPerMTokenOut/1e6
}

// Options tune a single Respond call. Zero values fall back to the role's
// model configuration.
type Options struct {
	Tools          []ToolSpec
	ToolChoice     string
	SystemPrompt   string
	MaxTokens      int
	Temperature    float32
	HasTemperature bool
	Timeout        time.Duration
	MaxRetries     int
	JSONResponse   bool
}

// UsageFunc observes token usage after each successful model call.
// Called inline on the request path; implementations must be fast and
// must not block.
type UsageFunc func(ctx context.Context, role Role, cfg ModelConfig, usage Usage, traceID string)

// Client issues chat completions per role.
type Client struct {
	configs map[Role]ModelConfig
	clients map[Role]*openai.Client
	events  *telemetry.Logger
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	usageFn UsageFunc
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithSleep overrides the backoff sleeper (for tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithNow overrides the clock (for tests).
func WithNow(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithUsageFunc registers a hook observing per-call token usage, used for
// cost accounting.
func WithUsageFunc(f UsageFunc) ClientOption {
	return func(c *Client) {
		c.usageFn = f
	}
}

// NewClient builds a client from per-role model configs.
func NewClient(configs map[Role]ModelConfig, events *telemetry.Logger, opts ...ClientOption) *Client {
	c := &Client{
		configs: configs,
		clients: make(map[Role]*openai.Client, len(configs)),
		events:  events.WithComponent(telemetry.ComponentLLM),
		logger:  slog.Default().With("component", "llm"),
		sleep:   sleepCtx,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	for role, cfg := range configs {
		c.clients[role] = newBackendClient(cfg)
	}
	return c
}

// newBackendClient builds the go-openai client for one role. TLS
// verification is disabled only for loopback endpoints, where self-signed
// local model servers are the norm.
func newBackendClient(cfg ModelConfig) *openai.Client {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "unused" // local backends ignore the key but the SDK requires one
	}
	oc := openai.DefaultConfig(apiKey)
	oc.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/") + "/v1"

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if isLoopback(cfg.Endpoint) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	oc.HTTPClient = &http.Client{Transport: transport}
	return openai.NewClientWithConfig(oc)
}

func isLoopback(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

// HasRole reports whether a role is configured.
func (c *Client) HasRole(role Role) bool {
	_, ok := c.configs[role]
	return ok
}

// ConfigFor returns the model config for a role.
func (c *Client) ConfigFor(role Role) (ModelConfig, bool) {
	cfg, ok := c.configs[role]
	return cfg, ok
}

// Respond sends the conversation to the role's model and returns the
// parsed response. Timeouts and HTTP 429/5xx are retried with exponential
// backoff (2^attempt seconds); other failures return immediately.
func (c *Client) Respond(ctx context.Context, role Role, messages []Message, opts Options, tc trace.Context) (*Response, error) {
	cfg, ok := c.configs[role]
	if !ok {
		return nil, &Error{Kind: KindConfig, Role: role, Err: fmt.Errorf("no model configured for role %s", role)}
	}

	req := c.buildRequest(role, cfg, messages, &opts)

	timeout := cfg.timeout()
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	span := tc.NewSpan()
	c.events.Info("model_call_started", span, map[string]any{
		"role":     string(role),
		"model_id": cfg.ModelID,
		"endpoint": cfg.Endpoint,
	})

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// 2^attempt seconds between tries.
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, &Error{Kind: KindTimeout, Role: role, Err: err}
			}
		}

		start := c.now()
		resp, err := c.doCall(ctx, role, req, timeout)
		latency := c.now().Sub(start).Milliseconds()

		if err == nil {
			c.events.Info("model_call_completed", span, map[string]any{
				"role":              string(role),
				"model_id":          cfg.ModelID,
				"endpoint":          cfg.Endpoint,
				"latency_ms":        latency,
				"prompt_tokens":     resp.Usage.PromptTokens,
				"completion_tokens": resp.Usage.CompletionTokens,
				"total_tokens":      resp.Usage.TotalTokens,
			})
			if c.usageFn != nil {
				c.usageFn(ctx, role, cfg, resp.Usage, span.TraceID)
			}
			return resp, nil
		}

		lastErr = err
		c.events.Error("model_call_error", span, map[string]any{
			"role":       string(role),
			"model_id":   cfg.ModelID,
			"endpoint":   cfg.Endpoint,
			"latency_ms": latency,
			"error":      err.Error(),
			"error_kind": string(KindOf(err)),
			"attempt":    attempt,
		})
		if !Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (cfg ModelConfig) timeout() time.Duration {
	if cfg.TimeoutSeconds > 0 {
		return time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return 120 * time.Second
}

func (c *Client) buildRequest(role Role, cfg ModelConfig, messages []Message, opts *Options) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    cfg.ModelID,
		Messages: toWireMessages(messages, opts.SystemPrompt),
	}

	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	} else if cfg.MaxTokens > 0 {
		req.MaxTokens = cfg.MaxTokens
	}
	if opts.HasTemperature {
		req.Temperature = opts.Temperature
	} else if cfg.Temperature > 0 {
		req.Temperature = cfg.Temperature
	}
	if opts.JSONResponse {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	if len(opts.Tools) > 0 {
		if !cfg.SupportsTools {
			c.logger.Warn("model does not support function calling; dropping tools",
				"role", string(role), "model_id", cfg.ModelID, "tools", len(opts.Tools))
		} else {
			req.Tools = toWireTools(opts.Tools)
			if opts.ToolChoice != "" {
				req.ToolChoice = opts.ToolChoice
			}
		}
	}
	return req
}

func (c *Client) doCall(ctx context.Context, role Role, req openai.ChatCompletionRequest, timeout time.Duration) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.clients[role].CreateChatCompletion(callCtx, req)
	if err != nil {
		return nil, c.classify(role, err)
	}
	if len(resp.Choices) == 0 {
		// Some backends return HTTP 200 with an error envelope; go-openai
		// surfaces that as a response with no choices.
		return nil, &Error{Kind: KindInvalidResponse, Role: role, Err: errors.New("response contains no choices")}
	}

	msg := resp.Choices[0].Message
	out := &Response{
		Role:           role,
		ModelID:        resp.Model,
		Content:        msg.Content,
		ReasoningTrace: msg.ReasoningContent,
		ResponseID:     resp.ID,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	// Models without structured tool output sometimes embed calls in text.
	if len(out.ToolCalls) == 0 && msg.Content != "" {
		if calls, rest := ParseTextToolCalls(msg.Content); len(calls) > 0 {
			out.ToolCalls = calls
			out.Content = rest
		}
	}
	return out, nil
}

// classify maps transport and API errors onto the failure taxonomy.
func (c *Client) classify(role Role, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &Error{Kind: KindRateLimited, Role: role, Err: err}
		case apiErr.HTTPStatusCode >= 500:
			return &Error{Kind: KindServer, Role: role, Err: err}
		case apiErr.HTTPStatusCode >= 400:
			return &Error{Kind: KindInvalidRequest, Role: role, Err: err}
		default:
			return &Error{Kind: KindInvalidResponse, Role: role, Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Role: role, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Role: role, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Role: role, Err: err}
	}
	return &Error{Kind: KindConnection, Role: role, Err: err}
}

// toWireMessages converts to the SDK's message type, injecting the system
// prompt first and normalizing assistant tool calls with an index field —
// some backends reject tool-call history without one. A system message
// already leading the history is merged with the injected prompt so the
// payload never carries two system messages.
func toWireMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if len(messages) > 0 && messages[0].Role == openai.ChatMessageRoleSystem {
		merged := messages[0].Content
		if system != "" && system != merged {
			merged = system + "\n\n" + merged
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: merged,
		})
		messages = messages[1:]
	} else if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range messages {
		wire := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for i, tc := range m.ToolCalls {
			idx := i
			wire.ToolCalls = append(wire.ToolCalls, openai.ToolCall{
				Index: &idx,
				ID:    tc.ID,
				Type:  openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, wire)
	}
	return out
}

func toWireTools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
