// Package orchestrator drives one user request end to end: routing, the
// model/tool loop with hard iteration caps, synthesis, and the completion
// side effects (capture, reflection, monitoring summary).
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skipperhq/skipper/internal/capture"
	"github.com/skipperhq/skipper/internal/governance"
	"github.com/skipperhq/skipper/internal/llm"
	"github.com/skipperhq/skipper/internal/memory"
	"github.com/skipperhq/skipper/internal/metrics"
	"github.com/skipperhq/skipper/internal/monitor"
	"github.com/skipperhq/skipper/internal/reflection"
	"github.com/skipperhq/skipper/internal/router"
	"github.com/skipperhq/skipper/internal/telemetry"
	"github.com/skipperhq/skipper/internal/tools"
	"github.com/skipperhq/skipper/internal/trace"
)

// State is one orchestrator state for a request.
type State string

const (
	StateInit          State = "INIT"
	StatePlanning      State = "PLANNING"
	StateLLMCall       State = "LLM_CALL"
	StateToolExecution State = "TOOL_EXECUTION"
	StateSynthesis     State = "SYNTHESIS"
	StateCompleted     State = "COMPLETED"
	StateFailed        State = "FAILED"
)

// Request is one incoming user message.
type Request struct {
	SessionID string
	Message   string
	History   []llm.Message // prior turns of the session, if any
}

// Reply is the user-facing outcome. Failed requests still carry a reply.
type Reply struct {
	TraceID string
	Text    string
	Role    llm.Role
	Failed  bool
}

// ExecutionContext tracks one request through the state machine.
type ExecutionContext struct {
	TraceID            string
	SessionID          string
	State              State
	Messages           []llm.Message
	SelectedRole       llm.Role
	RoutingHistory     []router.Decision
	ToolIterationCount int
	ToolResults        []tools.Result
	FinalReply         string
	StartedAt          time.Time
	MonitorSummary     monitor.Summary

	signatures map[string]int
}

// Orchestrator handles requests. Construct with New; all collaborators
// except client, registry, governance, and modes are optional.
type Orchestrator struct {
	client  *llm.Client
	router  *router.Router
	reg     *tools.Registry
	gov     *governance.Config
	modes   *governance.ModeManager
	sampler monitor.Sampler
	events  *telemetry.Logger
	logger  *slog.Logger
	metrics *metrics.Metrics

	graph       memory.Graph
	captures    *capture.Store
	reflections *reflection.Pipeline

	monitorInterval time.Duration
	now             func() time.Time

	mu       sync.Mutex
	inflight int

	background sync.WaitGroup
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithMemory enables memory-graph prompt enrichment.
func WithMemory(g memory.Graph) Option {
	return func(o *Orchestrator) { o.graph = g }
}

// WithCaptureStore persists a capture per completed request.
func WithCaptureStore(s *capture.Store) Option {
	return func(o *Orchestrator) { o.captures = s }
}

// WithReflection enqueues a background reflection per completed request.
func WithReflection(p *reflection.Pipeline) Option {
	return func(o *Orchestrator) { o.reflections = p }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithMonitorInterval sets the per-request sampling interval.
func WithMonitorInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.monitorInterval = d
		}
	}
}

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithNow overrides the clock (for tests).
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds an orchestrator.
func New(client *llm.Client, rt *router.Router, reg *tools.Registry, gov *governance.Config,
	modes *governance.ModeManager, sampler monitor.Sampler, events *telemetry.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:          client,
		router:          rt,
		reg:             reg,
		gov:             gov,
		modes:           modes,
		sampler:         sampler,
		events:          events.WithComponent(telemetry.ComponentOrchestrator),
		logger:          slog.Default().With("component", "orchestrator"),
		metrics:         metrics.NewUnregistered(),
		monitorInterval: 5 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Wait blocks until queued background work (capture, reflection) drains.
// Call on shutdown or in tests.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// errConcurrencyLimit marks a fail-fast rejection at admission.
type errConcurrencyLimit struct {
	mode governance.Mode
	cap  int
}

func (e errConcurrencyLimit) Error() string {
	return fmt.Sprintf("concurrency limit reached in mode %s (%d tasks)", e.mode, e.cap)
}

// admit enforces the per-mode concurrency cap.
func (o *Orchestrator) admit() (func(), error) {
	mode := o.modes.Current()
	maxTasks := 0
	if constraints, ok := o.gov.ModeConstraintsFor(mode); ok {
		maxTasks = constraints.MaxConcurrentTasks
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if maxTasks > 0 && o.inflight >= maxTasks {
		return nil, errConcurrencyLimit{mode: mode, cap: maxTasks}
	}
	o.inflight++
	return func() {
		o.mu.Lock()
		o.inflight--
		o.mu.Unlock()
	}, nil
}

// HandleRequest runs one request to completion. A failed request still
// returns a usable Reply; the error mirrors Reply.Failed for callers that
// branch on it.
func (o *Orchestrator) HandleRequest(ctx context.Context, req Request) (*Reply, error) {
	release, err := o.admit()
	if err != nil {
		tc := trace.New()
		o.events.Warn("policy_violation", tc, map[string]any{"reason": err.Error()})
		return &Reply{
			TraceID: tc.TraceID,
			Text:    "The agent is at capacity right now. Please try again shortly.",
			Failed:  true,
		}, err
	}
	defer release()

	tc := trace.New()
	ec := &ExecutionContext{
		TraceID:    tc.TraceID,
		SessionID:  req.SessionID,
		State:      StateInit,
		StartedAt:  o.now(),
		signatures: make(map[string]int),
	}
	ctx = trace.WithContext(ctx, tc)

	o.events.Info("request_received", tc, map[string]any{
		"session_id": req.SessionID,
		"mode":       string(o.modes.Current()),
	})
	o.events.Info("task_started", tc, nil)

	mon := monitor.New(tc, o.monitorInterval, true, o.sampler, o.events)
	if err := mon.Start(ctx); err != nil {
		o.logger.Warn("request monitor failed to start", "error", err)
		mon = nil
	}

	reply, runErr := o.run(ctx, req, ec, tc)

	if mon != nil {
		if summary, err := mon.Stop(); err == nil {
			ec.MonitorSummary = summary
		}
	}

	duration := o.now().Sub(ec.StartedAt)
	status := "completed"
	if runErr != nil {
		status = "failed"
	}
	o.metrics.RequestsTotal.WithLabelValues(string(ec.SelectedRole), status).Inc()
	o.metrics.RequestDuration.WithLabelValues(string(ec.SelectedRole)).Observe(duration.Seconds())

	if runErr != nil {
		o.transition(ec, StateFailed, tc)
		sanitized := sanitizeError(runErr)
		o.events.Error("task_failed", tc, map[string]any{
			"error":       sanitized,
			"duration_ms": duration.Milliseconds(),
		})
		ec.FinalReply = fmt.Sprintf("Something went wrong handling your request (%s).", sanitized)
		o.finish(ec, req, true)
		return &Reply{TraceID: tc.TraceID, Text: ec.FinalReply, Role: ec.SelectedRole, Failed: true}, runErr
	}

	o.transition(ec, StateCompleted, tc)
	ec.FinalReply = reply
	o.events.Info("task_completed", tc, map[string]any{
		"duration_ms":     duration.Milliseconds(),
		"tool_iterations": ec.ToolIterationCount,
		"selected_role":   string(ec.SelectedRole),
	})
	o.finish(ec, req, false)
	o.events.Info("reply_ready", tc, map[string]any{"length": len(ec.FinalReply)})

	return &Reply{TraceID: tc.TraceID, Text: ec.FinalReply, Role: ec.SelectedRole}, nil
}

// run executes PLANNING through SYNTHESIS and returns the reply text.
func (o *Orchestrator) run(ctx context.Context, req Request, ec *ExecutionContext, tc trace.Context) (string, error) {
	o.transition(ec, StatePlanning, tc)

	decision := o.router.Route(ctx, req.Message, tc)
	ec.RoutingHistory = append(ec.RoutingHistory, decision)
	ec.SelectedRole = o.constrainRole(decision.TargetRole, tc)

	ec.Messages = append([]llm.Message{}, req.History...)
	ec.Messages = append(ec.Messages, llm.Message{Role: "user", Content: req.Message})

	systemPrompt := o.buildSystemPrompt(ctx, req.Message)

	maxIterations := o.gov.Safety.MaxToolIterations
	toolSpecs := o.toolSpecs()

	// The model gets one extra pass after the iteration cap to compose its
	// answer; past that, synthesis falls back to the tool results.
	maxLLMCalls := maxIterations + 2

	for llmCalls := 0; ; llmCalls++ {
		if llmCalls >= maxLLMCalls {
			o.transition(ec, StateSynthesis, tc)
			return o.synthesize("", ec), nil
		}
		o.transition(ec, StateLLMCall, tc)

		opts := llm.Options{SystemPrompt: systemPrompt}
		if len(toolSpecs) > 0 {
			opts.Tools = toolSpecs
		}
		if constraints, ok := o.gov.ModelConstraintsFor(o.modes.Current()); ok {
			if t := constraints.TimeoutFor(string(ec.SelectedRole)); t > 0 {
				opts.Timeout = t
			}
			if mt, ok := constraints.MaxTokensByRole[string(ec.SelectedRole)]; ok {
				opts.MaxTokens = mt
			}
		}

		start := o.now()
		resp, err := o.client.Respond(ctx, ec.SelectedRole, NormalizeMessages(ec.Messages), opts, tc)
		o.metrics.ModelLatency.WithLabelValues(string(ec.SelectedRole)).Observe(o.now().Sub(start).Seconds())
		if err != nil {
			o.metrics.ModelCallsTotal.WithLabelValues(string(ec.SelectedRole), "error").Inc()
			return "", err
		}
		o.metrics.ModelCallsTotal.WithLabelValues(string(ec.SelectedRole), "ok").Inc()

		if len(resp.ToolCalls) == 0 {
			o.transition(ec, StateSynthesis, tc)
			return o.synthesize(resp.Content, ec), nil
		}

		o.transition(ec, StateToolExecution, tc)
		ec.Messages = append(ec.Messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			o.executeToolCall(ctx, ec, call, maxIterations, tc)
		}

		// Nudge the model to wrap up; appended last so user/assistant
		// alternation is preserved.
		ec.Messages = append(ec.Messages, llm.Message{
			Role:    "user",
			Content: "Use the tool results above to answer directly. Only call another tool if the results are insufficient.",
		})
	}
}

// executeToolCall runs one tool call, or appends a synthetic result when a
// cap is hit. Every call gets a role=tool message so the model sees an
// answer for each id.
func (o *Orchestrator) executeToolCall(ctx context.Context, ec *ExecutionContext, call llm.ToolCall, maxIterations int, tc trace.Context) {
	appendResult := func(res tools.Result) {
		payload, err := json.Marshal(res)
		if err != nil {
			payload = []byte(fmt.Sprintf(`{"tool_name":%q,"success":false,"error":"unencodable result"}`, res.ToolName))
		}
		ec.ToolResults = append(ec.ToolResults, res)
		ec.Messages = append(ec.Messages, llm.Message{
			Role:       "tool",
			Content:    string(payload),
			ToolCallID: call.ID,
		})
	}

	args, err := call.ParsedArguments()
	if err != nil {
		appendResult(tools.Result{ToolName: call.Name, Success: false, Error: err.Error()})
		return
	}

	sig := callSignature(call.Name, args)
	maxRepeats := o.gov.Safety.MaxRepeatedToolCalls

	if ec.ToolIterationCount >= maxIterations {
		appendResult(tools.Result{
			ToolName: call.Name,
			Success:  false,
			Error: fmt.Sprintf("tool iteration limit reached (%d); answer with the results you already have",
				maxIterations),
		})
		return
	}
	if ec.signatures[sig] >= maxRepeats {
		appendResult(tools.Result{
			ToolName: call.Name,
			Success:  false,
			Error:    fmt.Sprintf("tool %s was already called with these arguments; reuse its earlier result", call.Name),
		})
		return
	}

	ec.signatures[sig]++
	ec.ToolIterationCount++

	res := o.reg.Execute(ctx, call.Name, args, tc)
	status := "ok"
	if !res.Success {
		status = "error"
	}
	o.metrics.ToolCallsTotal.WithLabelValues(call.Name, status).Inc()
	appendResult(res)
}

// synthesize extracts the reply text, falling back to a deterministic
// summary of the last tool results when the model returned nothing.
func (o *Orchestrator) synthesize(content string, ec *ExecutionContext) string {
	text := strings.TrimSpace(content)
	if text != "" {
		return text
	}
	if len(ec.ToolResults) == 0 {
		return "I could not produce a response for that request."
	}

	results := ec.ToolResults
	if len(results) > 3 {
		results = results[len(results)-3:]
	}
	var b strings.Builder
	b.WriteString("Here is what the tools reported:\n")
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(&b, "- %s: %s\n", r.ToolName, strings.TrimSpace(r.Output))
		} else {
			fmt.Fprintf(&b, "- %s failed: %s\n", r.ToolName, r.Error)
		}
	}
	return strings.TrimSpace(b.String())
}

// constrainRole enforces the mode's model constraints on the routed role.
func (o *Orchestrator) constrainRole(role llm.Role, tc trace.Context) llm.Role {
	mode := o.modes.Current()
	constraints, ok := o.gov.ModelConstraintsFor(mode)
	if !ok || constraints.RoleAllowed(string(role)) {
		return role
	}

	o.events.Warn("policy_violation", tc, map[string]any{
		"reason": fmt.Sprintf("role %s is not allowed in mode %s", role, mode),
	})
	if constraints.RoleAllowed(string(llm.RoleStandard)) {
		return llm.RoleStandard
	}
	if len(constraints.AllowedRoles) > 0 {
		return llm.Role(constraints.AllowedRoles[0])
	}
	return role
}

// buildSystemPrompt assembles the base prompt plus memory snippets. Memory
// is never consulted for the router call.
func (o *Orchestrator) buildSystemPrompt(ctx context.Context, userMessage string) string {
	prompt := "You are a capable local assistant with access to tools. Be direct and concise."
	if o.graph == nil {
		return prompt
	}

	entities := memory.ExtractEntities(userMessage)
	if len(entities) == 0 {
		return prompt
	}
	res, err := o.graph.QueryMemory(ctx, memory.Query{EntityNames: entities, Limit: 3})
	if err != nil {
		o.logger.Warn("memory query failed", "error", err)
		return prompt
	}
	if len(res.Conversations) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nRelevant context from earlier conversations:\n")
	for _, c := range res.Conversations {
		fmt.Fprintf(&b, "- %s\n", c.Summary)
	}
	return b.String()
}

func (o *Orchestrator) toolSpecs() []llm.ToolSpec {
	defs := o.reg.AllowedDefinitions()
	specs := make([]llm.ToolSpec, len(defs))
	for i, d := range defs {
		specs[i] = llm.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			Schema:      d.JSONSchema(),
		}
	}
	return specs
}

// finish persists the capture and enqueues reflection in the background.
func (o *Orchestrator) finish(ec *ExecutionContext, req Request, failed bool) {
	if o.captures == nil && o.reflections == nil && o.graph == nil {
		return
	}

	snapshot := *ec
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		entities := memory.ExtractEntities(req.Message)

		if o.captures != nil {
			var toolUses []capture.ToolUse
			for _, r := range snapshot.ToolResults {
				toolUses = append(toolUses, capture.ToolUse{
					Name: r.ToolName, Success: r.Success, LatencyMS: r.LatencyMS, Error: r.Error,
				})
			}
			var route string
			if len(snapshot.RoutingHistory) > 0 {
				route = snapshot.RoutingHistory[len(snapshot.RoutingHistory)-1].Reason
			}
			err := o.captures.Save(ctx, capture.Capture{
				TraceID:      snapshot.TraceID,
				SessionID:    snapshot.SessionID,
				Timestamp:    snapshot.StartedAt.UTC(),
				Mode:         string(o.modes.Current()),
				UserMessage:  req.Message,
				FinalReply:   snapshot.FinalReply,
				SelectedRole: string(snapshot.SelectedRole),
				RouteReason:  route,
				ToolsUsed:    toolUses,
				Entities:     entities,
				DurationMS:   o.now().Sub(snapshot.StartedAt).Milliseconds(),
				Failed:       failed,
			})
			if err != nil {
				o.logger.Warn("capture persistence failed", "trace_id", snapshot.TraceID, "error", err)
			}
		}

		if o.graph != nil && !failed {
			err := o.graph.CreateConversation(ctx, memory.ConversationNode{
				ConversationID: snapshot.TraceID,
				TraceID:        snapshot.TraceID,
				Summary:        summarizeExchange(req.Message, snapshot.FinalReply),
				Entities:       entities,
				Timestamp:      snapshot.StartedAt.UTC(),
			})
			if err != nil {
				o.logger.Warn("memory write failed", "trace_id", snapshot.TraceID, "error", err)
			}
		}

		if o.reflections != nil {
			_, err := o.reflections.Run(ctx, reflection.Input{
				TraceID:     snapshot.TraceID,
				UserMessage: req.Message,
				FinalReply:  snapshot.FinalReply,
				Summary:     snapshot.MonitorSummary,
			})
			if err != nil {
				o.logger.Warn("reflection failed", "trace_id", snapshot.TraceID, "error", err)
			}
		}
	}()
}

func (o *Orchestrator) transition(ec *ExecutionContext, to State, tc trace.Context) {
	from := ec.State
	ec.State = to
	o.events.Info("state_transition", tc, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

// callSignature canonicalizes a tool call for repeat detection: the tool
// name plus its arguments with keys sorted.
func callSignature(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(name))
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%v", k, args[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// sanitizeError strips anything that should not reach the user.
func sanitizeError(err error) string {
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func summarizeExchange(question, answer string) string {
	q := strings.TrimSpace(question)
	if len(q) > 140 {
		q = q[:140]
	}
	a := strings.TrimSpace(answer)
	if len(a) > 140 {
		a = a[:140]
	}
	return fmt.Sprintf("Q: %s A: %s", q, a)
}
