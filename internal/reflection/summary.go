package reflection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/skipperhq/skipper/internal/telemetry"
)

// TelemetrySummary digests the event timeline of one trace.
type TelemetrySummary struct {
	EventCounts      map[string]int `json:"event_counts"`
	AvgLLMLatencyMS  float64        `json:"avg_llm_latency_ms,omitempty"`
	AvgToolLatencyMS float64        `json:"avg_tool_latency_ms,omitempty"`
	ToolFailures     int            `json:"tool_failures"`
	FailedTools      []string       `json:"failed_tools,omitempty"`
	Errors           []string       `json:"errors,omitempty"`
}

const maxSummaryErrors = 3

// SummarizeTrace reads the local event log for a trace and digests it.
func SummarizeTrace(telemetryDir, traceID string) (*TelemetrySummary, error) {
	records, err := telemetry.Trace(telemetryDir, traceID)
	if err != nil {
		return nil, fmt.Errorf("load trace events: %w", err)
	}
	return Summarize(records), nil
}

// Summarize digests an already-loaded event timeline.
func Summarize(records []telemetry.Record) *TelemetrySummary {
	sum := &TelemetrySummary{EventCounts: make(map[string]int)}

	var llmTotal, llmCount, toolTotal, toolCount float64
	failedTools := make(map[string]bool)
	for _, r := range records {
		sum.EventCounts[r.Event]++

		switch r.Event {
		case "model_call_completed":
			if ms, ok := asFloat(r.Fields["latency_ms"]); ok {
				llmTotal += ms
				llmCount++
			}
		case "tool_call_completed":
			if ms, ok := asFloat(r.Fields["latency_ms"]); ok {
				toolTotal += ms
				toolCount++
			}
		case "tool_call_failed":
			sum.ToolFailures++
			if name, ok := r.Fields["tool_name"].(string); ok {
				failedTools[name] = true
			}
		}

		if r.Level == "error" && len(sum.Errors) < maxSummaryErrors {
			if msg, ok := r.Fields["error"].(string); ok {
				sum.Errors = append(sum.Errors, msg)
			}
		}
	}

	if llmCount > 0 {
		sum.AvgLLMLatencyMS = llmTotal / llmCount
	}
	if toolCount > 0 {
		sum.AvgToolLatencyMS = toolTotal / toolCount
	}
	for name := range failedTools {
		sum.FailedTools = append(sum.FailedTools, name)
	}
	sort.Strings(sum.FailedTools)
	return sum
}

// Text renders the summary for a model prompt.
func (s *TelemetrySummary) Text() string {
	var b strings.Builder

	events := make([]string, 0, len(s.EventCounts))
	for e := range s.EventCounts {
		events = append(events, e)
	}
	sort.Strings(events)
	b.WriteString("events:")
	for _, e := range events {
		fmt.Fprintf(&b, " %s=%d", e, s.EventCounts[e])
	}
	b.WriteString("\n")

	if s.AvgLLMLatencyMS > 0 {
		fmt.Fprintf(&b, "avg llm latency: %.0fms\n", s.AvgLLMLatencyMS)
	}
	if s.AvgToolLatencyMS > 0 {
		fmt.Fprintf(&b, "avg tool latency: %.0fms\n", s.AvgToolLatencyMS)
	}
	if s.ToolFailures > 0 {
		fmt.Fprintf(&b, "tool failures: %d (%s)\n", s.ToolFailures, strings.Join(s.FailedTools, ", "))
	}
	for _, e := range s.Errors {
		fmt.Fprintf(&b, "error: %s\n", e)
	}
	return b.String()
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
