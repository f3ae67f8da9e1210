// Package monitor samples system metrics in the background for the duration
// of one request and reduces them to a summary with threshold violations.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skipperhq/skipper/internal/sensors"
	"github.com/skipperhq/skipper/internal/telemetry"
	"github.com/skipperhq/skipper/internal/trace"
)

// Fixed thresholds evaluated on every sample.
const (
	CPUAlertPercent    = 85.0
	CPUCriticalPercent = 95.0
	MemAlertPercent    = 90.0
	MemCriticalPercent = 95.0
)

var (
	// ErrAlreadyStarted is returned by Start when the monitor is running.
	ErrAlreadyStarted = errors.New("monitor already started")

	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("monitor not started")
)

// Sampler is the slice of the sensor poller the monitor needs.
type Sampler interface {
	PollSnapshot(ctx context.Context) sensors.Snapshot
}

// Stat summarizes one metric across all samples.
type Stat struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

// Summary is the result of one monitored request.
type Summary struct {
	CPU              Stat     `json:"cpu"`
	Memory           Stat     `json:"memory"`
	GPU              *Stat    `json:"gpu,omitempty"`
	SamplesCollected int      `json:"samples_collected"`
	DurationSeconds  float64  `json:"duration_seconds"`
	Violations       []string `json:"violations,omitempty"`
}

// Monitor samples snapshots every interval until stopped.
// Start and Stop must be called exactly once, in that order.
type Monitor struct {
	tc         trace.Context
	interval   time.Duration
	includeGPU bool
	sampler    Sampler
	events     *telemetry.Logger
	now        func() time.Time

	mu         sync.Mutex
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	done       chan struct{}
	startedAt  time.Time
	samples    []sensors.Snapshot
	violations []string
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithNow overrides the clock (for tests).
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a monitor for one request.
func New(tc trace.Context, interval time.Duration, includeGPU bool, sampler Sampler, events *telemetry.Logger, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &Monitor{
		tc:         tc,
		interval:   interval,
		includeGPU: includeGPU,
		sampler:    sampler,
		events:     events.WithComponent(telemetry.ComponentMonitor),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the background sampler. Double starts fail loudly.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	m.startedAt = m.now()

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx)
	return nil
}

// Stop cancels the sampler, waits for it to observe the cancellation, and
// returns the summary. Samples recorded before the cancellation are kept.
func (m *Monitor) Stop() (Summary, error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return Summary{}, ErrNotStarted
	}
	if m.stopped {
		m.mu.Unlock()
		return Summary{}, ErrNotStarted
	}
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summarize(), nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	snap := m.sampler.PollSnapshot(ctx)
	if ctx.Err() != nil {
		// Cancelled mid-sample: drop this reading, keep everything recorded.
		return
	}

	fields := make(map[string]any, len(snap)+1)
	for k, v := range snap {
		fields[k] = v
	}
	fields["sampled_at"] = m.now().UTC().Format(time.RFC3339Nano)
	m.events.Info("system_metrics_snapshot", m.tc, fields)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, snap)
	m.checkThresholds(snap)
}

// checkThresholds is called with m.mu held.
func (m *Monitor) checkThresholds(snap sensors.Snapshot) {
	if cpu, ok := snap[sensors.MetricCPULoad]; ok {
		switch {
		case cpu >= CPUCriticalPercent:
			m.violations = append(m.violations,
				fmt.Sprintf("CPU usage critical: %.1f%% >= %.0f%%", cpu, CPUCriticalPercent))
		case cpu >= CPUAlertPercent:
			m.violations = append(m.violations,
				fmt.Sprintf("CPU usage high: %.1f%% >= %.0f%%", cpu, CPUAlertPercent))
		}
	}
	if memUsed, ok := snap[sensors.MetricMemUsed]; ok {
		switch {
		case memUsed >= MemCriticalPercent:
			m.violations = append(m.violations,
				fmt.Sprintf("Memory usage critical: %.1f%% >= %.0f%%", memUsed, MemCriticalPercent))
		case memUsed >= MemAlertPercent:
			m.violations = append(m.violations,
				fmt.Sprintf("Memory usage high: %.1f%% >= %.0f%%", memUsed, MemAlertPercent))
		}
	}
}

// summarize is called with m.mu held.
func (m *Monitor) summarize() Summary {
	s := Summary{
		SamplesCollected: len(m.samples),
		DurationSeconds:  m.now().Sub(m.startedAt).Seconds(),
		Violations:       dedupe(m.violations),
	}
	s.CPU = reduce(m.samples, sensors.MetricCPULoad)
	s.Memory = reduce(m.samples, sensors.MetricMemUsed)
	if m.includeGPU {
		if gpu, ok := reduceOptional(m.samples, sensors.MetricGPULoad); ok {
			s.GPU = &gpu
		}
	}
	return s
}

func reduce(samples []sensors.Snapshot, metric string) Stat {
	stat, _ := reduceOptional(samples, metric)
	return stat
}

func reduceOptional(samples []sensors.Snapshot, metric string) (Stat, bool) {
	var stat Stat
	var sum float64
	n := 0
	for _, snap := range samples {
		v, ok := snap[metric]
		if !ok {
			continue
		}
		if n == 0 || v < stat.Min {
			stat.Min = v
		}
		if n == 0 || v > stat.Max {
			stat.Max = v
		}
		sum += v
		n++
	}
	if n == 0 {
		return Stat{}, false
	}
	stat.Avg = sum / float64(n)
	return stat, true
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
