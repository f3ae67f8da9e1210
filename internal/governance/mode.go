// Package governance owns the process-wide operational mode and the
// declarative rules describing what tools, models, and parameters each mode
// permits. The mode manager is the single writer of the current mode;
// everything else takes read snapshots.
package governance

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skipperhq/skipper/internal/metrics"
	"github.com/skipperhq/skipper/internal/sensors"
	"github.com/skipperhq/skipper/internal/telemetry"
	"github.com/skipperhq/skipper/internal/trace"
)

// Mode is the operational state gating what the agent may do.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeAlert    Mode = "ALERT"
	ModeDegraded Mode = "DEGRADED"
	ModeLockdown Mode = "LOCKDOWN"
	ModeRecovery Mode = "RECOVERY"
)

// allowedTransitions is the complete transition table. Absent pairs are
// rejected; same-mode transitions are a no-op handled before this table.
var allowedTransitions = map[Mode][]Mode{
	ModeNormal:   {ModeAlert, ModeDegraded},
	ModeAlert:    {ModeNormal, ModeDegraded, ModeLockdown},
	ModeDegraded: {ModeLockdown},
	ModeLockdown: {ModeRecovery},
	ModeRecovery: {ModeNormal},
}

// ValidMode reports whether m names a known mode.
func ValidMode(m Mode) bool {
	_, ok := allowedTransitions[m]
	return ok
}

// TransitionAllowed reports whether from → to is in the transition table.
func TransitionAllowed(from, to Mode) bool {
	for _, m := range allowedTransitions[from] {
		if m == to {
			return true
		}
	}
	return false
}

// TransitionRecord is one entry in the append-only mode history.
type TransitionRecord struct {
	Timestamp time.Time        `json:"timestamp"`
	FromMode  Mode             `json:"from_mode"`
	ToMode    Mode             `json:"to_mode"`
	Reason    string           `json:"reason"`
	Snapshot  sensors.Snapshot `json:"sensor_snapshot,omitempty"`
}

// ModeManager holds the current mode and its transition history.
// Safe for concurrent use; transitions are serialized.
type ModeManager struct {
	mu      sync.RWMutex
	current Mode
	history []TransitionRecord

	rules   []TransitionRule
	events  *telemetry.Logger
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// ManagerOption configures a ModeManager.
type ManagerOption func(*ModeManager)

// WithManagerNow overrides the clock (for tests).
func WithManagerNow(now func() time.Time) ManagerOption {
	return func(m *ModeManager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithManagerLogger sets the slog logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *ModeManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerMetrics counts transitions on the shared instruments.
func WithManagerMetrics(ms *metrics.Metrics) ManagerOption {
	return func(m *ModeManager) { m.metrics = ms }
}

// NewModeManager creates a manager starting in NORMAL with the given
// transition rules, evaluated in declaration order.
func NewModeManager(rules []TransitionRule, events *telemetry.Logger, opts ...ManagerOption) *ModeManager {
	m := &ModeManager{
		current: ModeNormal,
		rules:   rules,
		events:  events.WithComponent(telemetry.ComponentGovernance),
		logger:  slog.Default().With("component", "governance"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the current mode.
func (m *ModeManager) Current() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// History returns a copy of the transition history, oldest first.
func (m *ModeManager) History() []TransitionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// TransitionTo moves to target when the transition table allows it.
// Same-mode is a no-op returning true. A disallowed transition is logged
// and leaves the state unchanged.
func (m *ModeManager) TransitionTo(target Mode, reason string, snapshot sensors.Snapshot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(target, reason, snapshot)
}

func (m *ModeManager) transitionLocked(target Mode, reason string, snapshot sensors.Snapshot) bool {
	if target == m.current {
		return true
	}
	if !ValidMode(target) || !TransitionAllowed(m.current, target) {
		m.logger.Warn("mode transition rejected",
			"from", string(m.current), "to", string(target), "reason", reason)
		m.events.Warn("mode_transition_rejected", trace.Context{}, map[string]any{
			"from_mode": string(m.current),
			"to_mode":   string(target),
			"reason":    reason,
		})
		return false
	}

	record := TransitionRecord{
		Timestamp: m.now(),
		FromMode:  m.current,
		ToMode:    target,
		Reason:    reason,
	}
	if snapshot != nil {
		record.Snapshot = snapshot.Clone()
	}
	m.history = append(m.history, record)
	m.current = target
	if m.metrics != nil {
		m.metrics.ModeTransitions.WithLabelValues(string(record.FromMode), string(record.ToMode)).Inc()
	}

	m.logger.Info("mode transition",
		"from", string(record.FromMode), "to", string(record.ToMode), "reason", reason)
	m.events.Info("mode_transition", trace.Context{}, map[string]any{
		"from_mode": string(record.FromMode),
		"to_mode":   string(record.ToMode),
		"reason":    reason,
	})
	return true
}

// EvaluateTransitions scans the rules whose source matches the current mode
// and takes the first one satisfied by the snapshot. At most one transition
// happens per evaluation. Returns the target mode and true when a
// transition occurred.
func (m *ModeManager) EvaluateTransitions(snapshot sensors.Snapshot) (Mode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rule := range m.rules {
		if rule.From != m.current {
			continue
		}
		if !m.ruleSatisfied(rule, snapshot) {
			continue
		}
		reason := fmt.Sprintf("rule %s matched", rule.Name())
		if m.transitionLocked(rule.To, reason, snapshot) {
			return rule.To, true
		}
		// The rule names an invalid transition; config validation should
		// have caught it. Do not keep scanning: one evaluation, one attempt.
		return m.current, false
	}
	return m.current, false
}

// ruleSatisfied evaluates a rule's conditions against the snapshot.
// Missing metrics evaluate to false; unknown operators or logic values log
// a warning and fail closed.
func (m *ModeManager) ruleSatisfied(rule TransitionRule, snapshot sensors.Snapshot) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	switch rule.Logic {
	case LogicAny, "":
		for _, cond := range rule.Conditions {
			if m.conditionHolds(cond, snapshot) {
				return true
			}
		}
		return false
	case LogicAll:
		for _, cond := range rule.Conditions {
			if !m.conditionHolds(cond, snapshot) {
				return false
			}
		}
		return true
	default:
		m.logger.Warn("unknown transition rule logic; failing closed",
			"rule", rule.Name(), "logic", string(rule.Logic))
		return false
	}
}

func (m *ModeManager) conditionHolds(cond Condition, snapshot sensors.Snapshot) bool {
	value, ok := snapshot[cond.Metric]
	if !ok {
		return false
	}
	switch cond.Operator {
	case ">":
		return value > cond.Value
	case "<":
		return value < cond.Value
	case ">=":
		return value >= cond.Value
	case "<=":
		return value <= cond.Value
	case "==":
		return value == cond.Value
	default:
		m.logger.Warn("unknown condition operator; failing closed",
			"metric", cond.Metric, "operator", cond.Operator)
		return false
	}
}
