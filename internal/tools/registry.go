// Package tools implements the tool registry and executor: named tool
// definitions with explicit parameter schemas, per-call governance checks,
// and timeout semantics. Execute never panics out and a denial produces no
// side effects.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/skipperhq/skipper/internal/governance"
	"github.com/skipperhq/skipper/internal/telemetry"
	"github.com/skipperhq/skipper/internal/trace"
)

// Parameter declares one tool argument. Unknown arguments are dropped at
// call time; missing required arguments fail the call before execution.
type Parameter struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Required    bool   `yaml:"required" json:"required"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Definition describes a registered tool.
type Definition struct {
	Name             string            `json:"name"`
	Category         string            `json:"category"`
	Description      string            `json:"description"`
	Parameters       []Parameter       `json:"parameters"`
	RiskLevel        string            `json:"risk_level"`
	AllowedModes     []governance.Mode `json:"allowed_modes"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	RateLimitPerHour int               `json:"rate_limit_per_hour,omitempty"`
}

// JSONSchema renders the parameter list as a JSON-schema object for LLM
// function calling.
func (d Definition) JSONSchema() map[string]any {
	props := make(map[string]any, len(d.Parameters))
	var required []string
	for _, p := range d.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Result is the outcome of one tool call.
type Result struct {
	ToolName  string `json:"tool_name"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Runner executes a tool with filtered, validated arguments.
type Runner func(ctx context.Context, args map[string]any) (string, error)

type entry struct {
	def Definition
	run Runner
}

// Registry maps tool names to definitions and executors, and enforces the
// governance policy on every call. The registry itself is stateless apart
// from rate-limit bookkeeping; tools own any internal state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	calls   map[string][]time.Time // rate-limit windows per tool

	gov     *governance.Config
	mode    func() governance.Mode
	events  *telemetry.Logger
	logger  *slog.Logger
	now     func() time.Time
	homeDir string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithNow overrides the clock (for tests).
func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithHomeDir overrides the home directory used for ~ expansion in path
// policies (for tests).
func WithHomeDir(dir string) RegistryOption {
	return func(r *Registry) { r.homeDir = dir }
}

// NewRegistry creates a registry bound to the governance config and a mode
// accessor (usually ModeManager.Current).
func NewRegistry(gov *governance.Config, mode func() governance.Mode, events *telemetry.Logger, opts ...RegistryOption) *Registry {
	home, _ := os.UserHomeDir()
	r := &Registry{
		entries: make(map[string]entry),
		calls:   make(map[string][]time.Time),
		gov:     gov,
		mode:    mode,
		events:  events.WithComponent(telemetry.ComponentTools),
		logger:  slog.Default().With("component", "tools"),
		now:     time.Now,
		homeDir: home,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Registering the same name twice replaces the entry.
func (r *Registry) Register(def Definition, run Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = entry{def: def, run: run}
}

// Definitions returns the registered definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// AllowedDefinitions returns the definitions permitted in the current mode,
// for advertising to the LLM.
func (r *Registry) AllowedDefinitions() []Definition {
	mode := r.mode()
	var out []Definition
	for _, def := range r.Definitions() {
		if r.gov.IsToolAllowed(def.Name, mode) {
			out = append(out, def)
		}
	}
	return out
}

// Execute runs the named tool. The returned Result is always usable; no
// error or panic escapes to the caller.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, tc trace.Context) Result {
	start := r.now()

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Result{
			ToolName: name,
			Success:  false,
			Error:    fmt.Sprintf("tool not found: %s", name),
		}
	}

	if denied := r.checkPermission(e.def, args); denied != "" {
		r.events.Warn("policy_violation", tc, map[string]any{
			"tool_name": name,
			"reason":    denied,
		})
		return Result{ToolName: name, Success: false, Error: denied}
	}

	filtered, err := r.filterArgs(e.def, args, tc)
	if err != nil {
		return Result{ToolName: name, Success: false, Error: err.Error()}
	}

	r.recordCall(name)
	r.events.Info("tool_call_started", tc, map[string]any{
		"tool_name": name,
		"category":  e.def.Category,
	})

	output, runErr := r.runWithTimeout(ctx, e, filtered)
	latency := r.now().Sub(start).Milliseconds()

	if runErr != nil {
		r.events.Error("tool_call_failed", tc, map[string]any{
			"tool_name":  name,
			"error":      runErr.Error(),
			"latency_ms": latency,
		})
		return Result{ToolName: name, Success: false, Error: runErr.Error(), LatencyMS: latency}
	}

	r.events.Info("tool_call_completed", tc, map[string]any{
		"tool_name":  name,
		"latency_ms": latency,
	})
	return Result{ToolName: name, Success: true, Output: output, LatencyMS: latency}
}

// runWithTimeout invokes the runner off the caller's goroutine so that a
// wedged tool cannot outlive its deadline.
func (r *Registry) runWithTimeout(ctx context.Context, e entry, args map[string]any) (output string, err error) {
	timeout := 30 * time.Second
	if e.def.TimeoutSeconds > 0 {
		timeout = time.Duration(e.def.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		out, runErr := e.run(ctx, args)
		done <- outcome{output: out, err: runErr}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("tool %s timed out after %s", e.def.Name, timeout)
	case res := <-done:
		return res.output, res.err
	}
}

// checkPermission returns a denial reason, or "" when the call may proceed.
// Runs before any side effect.
func (r *Registry) checkPermission(def Definition, args map[string]any) string {
	mode := r.mode()

	if len(def.AllowedModes) > 0 && !modeIn(mode, def.AllowedModes) {
		return fmt.Sprintf("Permission denied: tool %s is not allowed in mode %s", def.Name, mode)
	}
	if !r.gov.IsToolAllowed(def.Name, mode) {
		return fmt.Sprintf("Permission denied: tool %s is not allowed in mode %s", def.Name, mode)
	}

	// The definition's own rate limit applies even without a policy; a
	// policy limit overrides it.
	rateLimit := def.RateLimitPerHour

	policy, hasPolicy := r.gov.ToolPolicyFor(def.Name)
	if hasPolicy {
		if policy.RequiresApproval {
			// Execution is autonomous; there is no interactive approval
			// channel, so approval-gated tools fail closed.
			return fmt.Sprintf("Permission denied: tool %s requires manual approval", def.Name)
		}
		if path, ok := args["path"].(string); ok && path != "" {
			if reason := r.checkPathPolicy(def.Name, policy, path); reason != "" {
				return reason
			}
		}
		if policy.RateLimitPerHour > 0 {
			rateLimit = policy.RateLimitPerHour
		}
	}

	if rateLimit > 0 && r.callsInLastHour(def.Name) >= rateLimit {
		return fmt.Sprintf("Permission denied: tool %s exceeded %d calls per hour", def.Name, rateLimit)
	}
	return ""
}

// checkPathPolicy validates a path argument against the policy globs.
// Forbidden patterns are checked first, then the allowlist, then file size.
func (r *Registry) checkPathPolicy(tool string, policy governance.ToolPolicy, path string) string {
	clean := filepath.Clean(path)

	for _, pattern := range policy.ForbiddenPaths {
		if r.pathMatches(pattern, clean) {
			return fmt.Sprintf("Permission denied: path %s is forbidden for tool %s", path, tool)
		}
	}
	if len(policy.AllowedPaths) > 0 {
		allowed := false
		for _, pattern := range policy.AllowedPaths {
			if r.pathMatches(pattern, clean) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Sprintf("Permission denied: path %s is outside the allowed paths for tool %s", path, tool)
		}
	}
	if policy.MaxFileSizeMB > 0 {
		if info, err := os.Stat(clean); err == nil && !info.IsDir() {
			if float64(info.Size()) > policy.MaxFileSizeMB*(1<<20) {
				return fmt.Sprintf("Permission denied: %s exceeds the %.0f MB limit for tool %s", path, policy.MaxFileSizeMB, tool)
			}
		}
	}
	return ""
}

func (r *Registry) pathMatches(pattern, path string) bool {
	pattern = r.expandHome(pattern)
	ok, err := doublestar.Match(pattern, path)
	if err != nil {
		r.logger.Warn("invalid path pattern in tool policy", "pattern", pattern, "error", err)
		return false
	}
	if ok {
		return true
	}
	// A directory pattern like /etc/ssh/** also covers the directory itself.
	if strings.HasSuffix(pattern, "/**") {
		base := strings.TrimSuffix(pattern, "/**")
		if path == base {
			return true
		}
	}
	return false
}

func (r *Registry) expandHome(pattern string) string {
	if strings.HasPrefix(pattern, "~/") && r.homeDir != "" {
		return filepath.Join(r.homeDir, pattern[2:])
	}
	return pattern
}

// filterArgs drops unknown arguments with a warning, applies defaults, and
// fails on missing required arguments.
func (r *Registry) filterArgs(def Definition, args map[string]any, tc trace.Context) (map[string]any, error) {
	known := make(map[string]Parameter, len(def.Parameters))
	for _, p := range def.Parameters {
		known[p.Name] = p
	}

	filtered := make(map[string]any, len(args))
	for k, v := range args {
		if _, ok := known[k]; !ok {
			r.logger.Warn("dropping unknown tool argument", "tool", def.Name, "argument", k)
			r.events.Warn("tool_argument_dropped", tc, map[string]any{
				"tool_name": def.Name,
				"argument":  k,
			})
			continue
		}
		filtered[k] = v
	}

	for _, p := range def.Parameters {
		if _, ok := filtered[p.Name]; ok {
			continue
		}
		if p.Default != nil {
			filtered[p.Name] = p.Default
			continue
		}
		if p.Required {
			return nil, fmt.Errorf("missing required argument %q for tool %s", p.Name, def.Name)
		}
	}
	return filtered, nil
}

func (r *Registry) recordCall(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-time.Hour)
	window := r.calls[name]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.calls[name] = append(kept, r.now())
}

func (r *Registry) callsInLastHour(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now().Add(-time.Hour)
	n := 0
	for _, t := range r.calls[name] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func modeIn(mode governance.Mode, modes []governance.Mode) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}
