// Package metrics exposes Prometheus instruments for the agent's hot
// paths: requests, model calls, tool calls, and mode transitions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the instruments. Construct once and share.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ModelCallsTotal *prometheus.CounterVec
	ModelLatency    *prometheus.HistogramVec
	ToolCallsTotal  *prometheus.CounterVec
	ModeTransitions *prometheus.CounterVec
}

// New registers the instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skipper",
			Name:      "requests_total",
			Help:      "Completed requests by selected role and outcome.",
		}, []string{"role", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skipper",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"role"}),
		ModelCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skipper",
			Name:      "model_calls_total",
			Help:      "Model calls by role and outcome.",
		}, []string{"role", "status"}),
		ModelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skipper",
			Name:      "model_call_duration_seconds",
			Help:      "Model call latency by role.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"role"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skipper",
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool and outcome.",
		}, []string{"tool", "status"}),
		ModeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skipper",
			Name:      "mode_transitions_total",
			Help:      "Governance mode transitions.",
		}, []string{"from", "to"}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration,
		m.ModelCallsTotal, m.ModelLatency,
		m.ToolCallsTotal, m.ModeTransitions,
	)
	return m
}

// NewUnregistered builds instruments on a private registry (for tests and
// for callers that do not scrape).
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
