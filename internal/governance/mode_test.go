package governance

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skipperhq/skipper/internal/metrics"
	"github.com/skipperhq/skipper/internal/sensors"
	"github.com/skipperhq/skipper/internal/telemetry"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func testEvents() *telemetry.Logger {
	return telemetry.NewLogger(telemetry.Config{}, telemetry.WithSink(nopCloser{&bytes.Buffer{}}))
}

func newManager(rules []TransitionRule) *ModeManager {
	return NewModeManager(rules, testEvents())
}

func TestTransitionTableExhaustive(t *testing.T) {
	all := []Mode{ModeNormal, ModeAlert, ModeDegraded, ModeLockdown, ModeRecovery}
	allowed := map[Mode]map[Mode]bool{
		ModeNormal:   {ModeAlert: true, ModeDegraded: true},
		ModeAlert:    {ModeNormal: true, ModeDegraded: true, ModeLockdown: true},
		ModeDegraded: {ModeLockdown: true},
		ModeLockdown: {ModeRecovery: true},
		ModeRecovery: {ModeNormal: true},
	}

	for _, from := range all {
		for _, to := range all {
			if from == to {
				continue
			}
			m := newManager(nil)
			m.current = from

			ok := m.TransitionTo(to, "test", nil)
			want := allowed[from][to]
			if ok != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, ok, want)
			}
			if want {
				if m.Current() != to {
					t.Errorf("%s -> %s: mode is %s after allowed transition", from, to, m.Current())
				}
				if len(m.History()) != 1 {
					t.Errorf("%s -> %s: history length %d, want 1", from, to, len(m.History()))
				}
			} else {
				if m.Current() != from {
					t.Errorf("%s -> %s: rejected transition changed mode to %s", from, to, m.Current())
				}
				if len(m.History()) != 0 {
					t.Errorf("%s -> %s: rejected transition appended a record", from, to)
				}
			}
		}
	}
}

func TestSameModeTransitionIsNoOp(t *testing.T) {
	m := newManager(nil)
	if !m.TransitionTo(ModeNormal, "noop", nil) {
		t.Error("same-mode transition should report success")
	}
	if len(m.History()) != 0 {
		t.Error("same-mode transition appended a record")
	}
}

func TestTransitionRecordsSnapshot(t *testing.T) {
	ts := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	m := NewModeManager(nil, testEvents(), WithManagerNow(func() time.Time { return ts }))

	snap := sensors.Snapshot{sensors.MetricCPULoad: 90}
	if !m.TransitionTo(ModeAlert, "cpu pressure", snap) {
		t.Fatal("transition rejected")
	}
	snap[sensors.MetricCPULoad] = 1 // must not leak into the record

	hist := m.History()
	if len(hist) != 1 {
		t.Fatalf("history length %d", len(hist))
	}
	rec := hist[0]
	if rec.FromMode != ModeNormal || rec.ToMode != ModeAlert || rec.Reason != "cpu pressure" {
		t.Errorf("record = %+v", rec)
	}
	if !rec.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v", rec.Timestamp)
	}
	if rec.Snapshot[sensors.MetricCPULoad] != 90 {
		t.Error("record snapshot not defensively copied")
	}
}

func TestEvaluateTakesFirstMatchingRuleOnly(t *testing.T) {
	rules := []TransitionRule{
		{From: ModeNormal, To: ModeAlert, Logic: LogicAny, Conditions: []Condition{
			{Metric: sensors.MetricCPULoad, Operator: ">", Value: 85},
		}},
		{From: ModeNormal, To: ModeDegraded, Logic: LogicAny, Conditions: []Condition{
			{Metric: sensors.MetricCPULoad, Operator: ">", Value: 80},
		}},
	}
	m := newManager(rules)

	// Snapshot satisfies both rules; only the first may fire.
	mode, transitioned := m.EvaluateTransitions(sensors.Snapshot{sensors.MetricCPULoad: 90})
	if !transitioned || mode != ModeAlert {
		t.Fatalf("got (%s, %v), want (ALERT, true)", mode, transitioned)
	}
	if len(m.History()) != 1 {
		t.Errorf("history length %d, want exactly one transition per evaluation", len(m.History()))
	}
}

func TestEvaluateRoundTrip(t *testing.T) {
	rules := []TransitionRule{
		{From: ModeNormal, To: ModeAlert, Logic: LogicAny, Conditions: []Condition{
			{Metric: sensors.MetricCPULoad, Operator: ">", Value: 85},
		}},
		{From: ModeAlert, To: ModeNormal, Logic: LogicAny, Conditions: []Condition{
			{Metric: sensors.MetricCPULoad, Operator: "<", Value: 50},
		}},
	}
	m := newManager(rules)

	if mode, ok := m.EvaluateTransitions(sensors.Snapshot{sensors.MetricCPULoad: 90}); !ok || mode != ModeAlert {
		t.Fatalf("escalation: got (%s, %v)", mode, ok)
	}
	if mode, ok := m.EvaluateTransitions(sensors.Snapshot{sensors.MetricCPULoad: 30}); !ok || mode != ModeNormal {
		t.Fatalf("recovery: got (%s, %v)", mode, ok)
	}
}

func TestEvaluateAllLogic(t *testing.T) {
	rules := []TransitionRule{
		{From: ModeNormal, To: ModeDegraded, Logic: LogicAll, Conditions: []Condition{
			{Metric: sensors.MetricCPULoad, Operator: ">=", Value: 90},
			{Metric: sensors.MetricMemUsed, Operator: ">=", Value: 90},
		}},
	}
	m := newManager(rules)

	if _, ok := m.EvaluateTransitions(sensors.Snapshot{
		sensors.MetricCPULoad: 95, sensors.MetricMemUsed: 50,
	}); ok {
		t.Error("all-logic rule fired with one condition unmet")
	}
	if _, ok := m.EvaluateTransitions(sensors.Snapshot{
		sensors.MetricCPULoad: 95, sensors.MetricMemUsed: 95,
	}); !ok {
		t.Error("all-logic rule did not fire with both conditions met")
	}
}

func TestMissingMetricEvaluatesFalse(t *testing.T) {
	rules := []TransitionRule{
		{From: ModeNormal, To: ModeAlert, Logic: LogicAny, Conditions: []Condition{
			{Metric: "perf_system_gpu_load", Operator: ">", Value: 10},
		}},
	}
	m := newManager(rules)
	if _, ok := m.EvaluateTransitions(sensors.Snapshot{sensors.MetricCPULoad: 99}); ok {
		t.Error("rule fired on a metric absent from the snapshot")
	}
}

func TestUnknownOperatorAndLogicFailClosed(t *testing.T) {
	rules := []TransitionRule{
		{From: ModeNormal, To: ModeAlert, Logic: LogicAny, Conditions: []Condition{
			{Metric: sensors.MetricCPULoad, Operator: "~", Value: 1},
		}},
		{From: ModeNormal, To: ModeAlert, Logic: Logic("most"), Conditions: []Condition{
			{Metric: sensors.MetricCPULoad, Operator: ">", Value: 1},
		}},
	}
	m := newManager(rules)
	if _, ok := m.EvaluateTransitions(sensors.Snapshot{sensors.MetricCPULoad: 99}); ok {
		t.Error("malformed rules should fail closed")
	}
}

func TestOperators(t *testing.T) {
	cases := []struct {
		op    string
		value float64
		metric float64
		want  bool
	}{
		{">", 10, 11, true},
		{">", 10, 10, false},
		{"<", 10, 9, true},
		{"<", 10, 10, false},
		{">=", 10, 10, true},
		{"<=", 10, 10, true},
		{"==", 10, 10, true},
		{"==", 10, 10.5, false},
	}
	for _, tc := range cases {
		m := newManager(nil)
		got := m.conditionHolds(
			Condition{Metric: "m", Operator: tc.op, Value: tc.value},
			sensors.Snapshot{"m": tc.metric},
		)
		if got != tc.want {
			t.Errorf("%v %s %v: got %v, want %v", tc.metric, tc.op, tc.value, got, tc.want)
		}
	}
}

func TestTransitionCountsOnInstruments(t *testing.T) {
	ms := metrics.NewUnregistered()
	m := NewModeManager(nil, testEvents(), WithManagerMetrics(ms))

	if !m.TransitionTo(ModeAlert, "load spike", nil) {
		t.Fatal("transition rejected")
	}
	got := testutil.ToFloat64(ms.ModeTransitions.WithLabelValues("NORMAL", "ALERT"))
	if got != 1 {
		t.Errorf("mode_transitions_total{NORMAL,ALERT} = %v, want 1", got)
	}

	// Rejected and same-mode transitions do not count.
	m.TransitionTo(ModeRecovery, "invalid", nil)
	m.TransitionTo(ModeAlert, "no-op", nil)
	got = testutil.ToFloat64(ms.ModeTransitions.WithLabelValues("NORMAL", "ALERT"))
	if got != 1 {
		t.Errorf("counter moved on rejected transition: %v", got)
	}
}
