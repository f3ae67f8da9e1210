// Package router picks the model role that should handle a user message.
//
// Routing runs deterministic heuristics first and only consults the router
// model when the heuristics are not confident, so the common cases never
// pay an extra model round trip.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/skipperhq/skipper/internal/llm"
	"github.com/skipperhq/skipper/internal/telemetry"
	"github.com/skipperhq/skipper/internal/trace"
)

// Strategy selects how routing decisions are made.
type Strategy string

const (
	// StrategyHeuristicThenLLM runs heuristics first and falls through to
	// the router model when confidence is below the threshold.
	StrategyHeuristicThenLLM Strategy = "heuristic_then_llm"

	// StrategyLLMOnly always calls the router model.
	StrategyLLMOnly Strategy = "llm_only"

	// StrategyHeuristicOnly never calls the router model.
	StrategyHeuristicOnly Strategy = "heuristic_only"
)

// Routing outcomes. The router may answer a trivial message itself
// (HANDLE) or hand it to the target model (DELEGATE). Heuristics always
// delegate; only the router model may claim a message.
const (
	DecisionHandle   = "HANDLE"
	DecisionDelegate = "DELEGATE"
)

// Decision is the routing outcome for one user message.
type Decision struct {
	Decision          string         `json:"decision"`
	TargetRole        llm.Role       `json:"target_model"`
	Confidence        float64        `json:"confidence"`
	ReasoningDepth    int            `json:"reasoning_depth"`
	Reason            string         `json:"reason"`
	DetectedFormat    string         `json:"detected_format,omitempty"`
	RecommendedParams map[string]any `json:"recommended_params,omitempty"`

	// Source records whether the decision came from "heuristic" or "llm".
	Source string `json:"source"`
}

// routableRoles are the roles a decision may target. The router role itself
// is never a target.
var routableRoles = map[llm.Role]bool{
	llm.RoleStandard:  true,
	llm.RoleReasoning: true,
	llm.RoleCoding:    true,
}

// Config tunes the router.
type Config struct {
	Strategy Strategy `yaml:"strategy"`

	// ConfidenceThreshold is the heuristic confidence at or above which
	// the router model is skipped (default 0.8).
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

func (c *Config) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyHeuristicThenLLM
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.8
	}
}

// Router decides which role serves a request.
type Router struct {
	cfg    Config
	client *llm.Client
	events *telemetry.Logger
	logger *slog.Logger
}

// Option configures the router.
type Option func(*Router)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New builds a router. client may be nil only with StrategyHeuristicOnly.
func New(cfg Config, client *llm.Client, events *telemetry.Logger, opts ...Option) *Router {
	cfg.applyDefaults()
	r := &Router{
		cfg:    cfg,
		client: client,
		events: events.WithComponent(telemetry.ComponentRouter),
		logger: slog.Default().With("component", "router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route picks the target role for userMessage. The message is sent to the
// router model alone, with no memory or history attached.
func (r *Router) Route(ctx context.Context, userMessage string, tc trace.Context) Decision {
	heuristic := Heuristic(userMessage)

	var decision Decision
	switch r.cfg.Strategy {
	case StrategyHeuristicOnly:
		decision = heuristic
	case StrategyLLMOnly:
		decision = r.routeLLM(ctx, userMessage, heuristic, tc)
	default:
		if heuristic.Confidence >= r.cfg.ConfidenceThreshold {
			decision = heuristic
		} else {
			decision = r.routeLLM(ctx, userMessage, heuristic, tc)
		}
	}

	r.events.Info("routing_decision", tc, map[string]any{
		"decision":        decision.Decision,
		"target_model":    string(decision.TargetRole),
		"confidence":      decision.Confidence,
		"reasoning_depth": decision.ReasoningDepth,
		"reason":          decision.Reason,
		"source":          decision.Source,
		"strategy":        string(r.cfg.Strategy),
	})
	return decision
}

const routerSystemPrompt = `You route user messages to the model best suited to answer.
Allowed targets:
- STANDARD: general conversation, summaries, simple questions, web lookups.
- REASONING: multi-step logic, math, proofs, planning, careful analysis.
- CODING: writing or debugging code, stack traces, build errors, APIs.

Respond with a single JSON object:
{"decision": "HANDLE|DELEGATE", "target_model": "STANDARD|REASONING|CODING", "confidence": 0.0-1.0, "reasoning_depth": 1-10, "reason": "...", "detected_format": "...", "recommended_params": {}}
Use DELEGATE unless the message is trivial. reasoning_depth estimates how many
reasoning steps the answer needs (1 = recall, 10 = long derivation).
Always set target_model.`

// routerDecisionWire is the strict schema the router model must satisfy.
type routerDecisionWire struct {
	Decision          string         `json:"decision"`
	TargetModel       string         `json:"target_model"`
	Confidence        float64        `json:"confidence"`
	ReasoningDepth    int            `json:"reasoning_depth"`
	Reason            string         `json:"reason"`
	DetectedFormat    string         `json:"detected_format"`
	RecommendedParams map[string]any `json:"recommended_params"`
}

// routeLLM asks the router model and validates the answer. Any failure
// falls back to the heuristic plan.
func (r *Router) routeLLM(ctx context.Context, userMessage string, fallback Decision, tc trace.Context) Decision {
	if r.client == nil || !r.client.HasRole(llm.RoleRouter) {
		r.logger.Warn("router model not configured; using heuristic decision")
		return fallback
	}

	var wire routerDecisionWire
	_, err := r.client.RespondStructured(ctx, llm.RoleRouter,
		[]llm.Message{{Role: "user", Content: userMessage}},
		llm.Options{SystemPrompt: routerSystemPrompt},
		tc, &wire)
	if err != nil {
		r.logger.Warn("router model call failed; using heuristic decision", "error", err)
		return fallback
	}

	decision, err := validate(wire)
	if err != nil {
		r.logger.Warn("router model returned invalid decision; using heuristic",
			"error", err, "target_model", wire.TargetModel)
		return fallback
	}
	return decision
}

func validate(wire routerDecisionWire) (Decision, error) {
	kind := strings.ToUpper(strings.TrimSpace(wire.Decision))
	switch kind {
	case "":
		kind = DecisionDelegate
	case DecisionHandle, DecisionDelegate:
	default:
		return Decision{}, fmt.Errorf("decision %q is not HANDLE or DELEGATE", wire.Decision)
	}
	role := llm.Role(strings.ToUpper(strings.TrimSpace(wire.TargetModel)))
	if !routableRoles[role] {
		return Decision{}, fmt.Errorf("target_model %q is not routable", wire.TargetModel)
	}
	if wire.Confidence < 0 || wire.Confidence > 1 {
		return Decision{}, fmt.Errorf("confidence %v out of range", wire.Confidence)
	}
	depth := wire.ReasoningDepth
	if depth < 1 {
		depth = 1
	} else if depth > 10 {
		depth = 10
	}
	return Decision{
		Decision:          kind,
		TargetRole:        role,
		Confidence:        wire.Confidence,
		ReasoningDepth:    depth,
		Reason:            wire.Reason,
		DetectedFormat:    wire.DetectedFormat,
		RecommendedParams: wire.RecommendedParams,
		Source:            "llm",
	}, nil
}

var (
	stackTraceRe = regexp.MustCompile(
		`(?m)(Traceback \(most recent call last\)|^\s+at .+\(.+:\d+\)|^goroutine \d+ \[|panic: |segmentation fault|NullPointerException|^\s*File ".+", line \d+)`)
	codeMarkerRe = regexp.MustCompile(
		"(```|\\bfunc \\w+\\(|\\bdef \\w+\\(|\\bclass \\w+|#include\\s*<|\\bimport \\w+|SELECT .+ FROM |\\bgit (rebase|bisect|cherry-pick)\\b)")
	codeIntentRe = regexp.MustCompile(
		`(?i)\b(debug|refactor|compile|unit test|stack trace|segfault|regex|implement (a|the|this) (function|class|method|parser)|write (a |some )?(code|script|program|function))\b`)
	proofCueRe = regexp.MustCompile(
		`(?i)\b(prove|theorem|lemma|corollary|by induction|contradiction|derive the|formal proof|step[- ]by[- ]step reasoning)\b`)
	webIntentRe = regexp.MustCompile(
		`(?i)\b(search the web|look up online|latest news|current (price|weather|score)|what happened (today|yesterday)|recent headlines)\b`)
)

// Heuristic classifies a message with deterministic rules. It always
// returns a decision; confidence reflects how specific the match was.
func Heuristic(userMessage string) Decision {
	switch {
	case stackTraceRe.MatchString(userMessage):
		return Decision{
			Decision: DecisionDelegate, TargetRole: llm.RoleCoding,
			Confidence: 0.95, ReasoningDepth: 5,
			Reason: "message contains a stack trace or runtime error",
			Source: "heuristic", DetectedFormat: "stack_trace",
		}
	case codeMarkerRe.MatchString(userMessage):
		return Decision{
			Decision: DecisionDelegate, TargetRole: llm.RoleCoding,
			Confidence: 0.9, ReasoningDepth: 5,
			Reason: "message contains code",
			Source: "heuristic", DetectedFormat: "code",
		}
	case codeIntentRe.MatchString(userMessage):
		return Decision{
			Decision: DecisionDelegate, TargetRole: llm.RoleCoding,
			Confidence: 0.85, ReasoningDepth: 5,
			Reason: "message asks for programming work",
			Source: "heuristic",
		}
	case proofCueRe.MatchString(userMessage):
		return Decision{
			Decision: DecisionDelegate, TargetRole: llm.RoleReasoning,
			Confidence: 0.85, ReasoningDepth: 7,
			Reason: "message asks for formal or multi-step reasoning",
			Source: "heuristic",
		}
	case webIntentRe.MatchString(userMessage):
		return Decision{
			Decision: DecisionDelegate, TargetRole: llm.RoleStandard,
			Confidence: 0.85, ReasoningDepth: 2,
			Reason: "message asks about current external information",
			Source: "heuristic", DetectedFormat: "web_intent",
		}
	default:
		return Decision{
			Decision: DecisionDelegate, TargetRole: llm.RoleStandard,
			Confidence: 0.4, ReasoningDepth: 2,
			Reason: "no strong signal; defaulting to general conversation",
			Source: "heuristic",
		}
	}
}
