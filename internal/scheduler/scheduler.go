// Package scheduler runs the agent's background work: idle-time memory
// consolidation, governance mode evaluation, and the data lifecycle
// (disk checks, archival, purge). Every job swallows its own failures;
// the scheduler never crashes the process.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skipperhq/skipper/internal/governance"
	"github.com/skipperhq/skipper/internal/sensors"
	"github.com/skipperhq/skipper/internal/telemetry"
	"github.com/skipperhq/skipper/internal/trace"
)

// Consolidator moves recent captures into the knowledge graph.
type Consolidator interface {
	Consolidate(ctx context.Context) error
}

// ConsolidateFunc adapts a function to Consolidator.
type ConsolidateFunc func(ctx context.Context) error

// Consolidate implements Consolidator.
func (f ConsolidateFunc) Consolidate(ctx context.Context) error { return f(ctx) }

// Config tunes the scheduler.
type Config struct {
	// SecondBrainEnabled gates consolidation entirely.
	SecondBrainEnabled bool `yaml:"second_brain_enabled"`

	// CheckInterval is the monitoring loop period (default 60s).
	CheckInterval time.Duration `yaml:"check_interval"`

	// MinInterval is the least time between consolidations (default 1h).
	MinInterval time.Duration `yaml:"min_interval"`

	// IdleTime is how long the agent must be idle before consolidating
	// (default 5m).
	IdleTime time.Duration `yaml:"idle_time"`

	// CPUThreshold and MemoryThreshold block consolidation while the host
	// is busy (defaults 50 and 70 percent).
	CPUThreshold    float64 `yaml:"cpu_threshold"`
	MemoryThreshold float64 `yaml:"memory_threshold"`

	Lifecycle LifecycleConfig `yaml:"lifecycle"`
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.MinInterval <= 0 {
		c.MinInterval = time.Hour
	}
	if c.IdleTime <= 0 {
		c.IdleTime = 5 * time.Minute
	}
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = 50
	}
	if c.MemoryThreshold <= 0 {
		c.MemoryThreshold = 70
	}
	c.Lifecycle.applyDefaults()
}

// Scheduler owns the background loops. Start once; Stop is observed
// within one tick.
type Scheduler struct {
	cfg          Config
	poller       *sensors.Poller
	modes        *governance.ModeManager
	consolidator Consolidator
	lifecycle    *Lifecycle
	events       *telemetry.Logger
	logger       *slog.Logger
	now          func() time.Time

	mu                sync.Mutex
	running           bool
	cancel            context.CancelFunc
	done              chan struct{}
	lastRequest       time.Time
	lastConsolidation time.Time

	cron *cron.Cron
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock (for tests).
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a scheduler. consolidator and lifecycle may be nil to disable
// those duties.
func New(cfg Config, poller *sensors.Poller, modes *governance.ModeManager,
	consolidator Consolidator, lifecycle *Lifecycle, events *telemetry.Logger, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:          cfg,
		poller:       poller,
		modes:        modes,
		consolidator: consolidator,
		lifecycle:    lifecycle,
		events:       events.WithComponent(telemetry.ComponentScheduler),
		logger:       slog.Default().With("component", "scheduler"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the monitoring loop and the cron-driven lifecycle jobs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.monitorLoop(loopCtx)

	if s.lifecycle != nil {
		s.cron = cron.New(cron.WithLocation(time.UTC))
		s.addJob("disk_check", "0 * * * *", func() { s.lifecycle.DiskCheck(loopCtx) })
		s.addJob("archive", "0 2 * * *", func() { s.lifecycle.Archive(loopCtx) })
		s.addJob("purge", "0 3 * * 0", func() { s.lifecycle.Purge(loopCtx) })
		s.cron.Start()
	}

	s.events.Info("scheduler_started", trace.Context{}, map[string]any{
		"check_interval_s":     s.cfg.CheckInterval.Seconds(),
		"second_brain_enabled": s.cfg.SecondBrainEnabled,
	})
}

// Stop halts the loops. Blocks until the monitoring loop observes the
// cancellation.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done, cr := s.cancel, s.done, s.cron
	s.cron = nil
	s.mu.Unlock()

	if cr != nil {
		cr.Stop()
	}
	cancel()
	<-done
	s.events.Info("scheduler_stopped", trace.Context{}, nil)
}

// RecordRequest notes that a request just arrived. Non-blocking; called on
// the request path.
func (s *Scheduler) RecordRequest() {
	now := s.now()
	s.mu.Lock()
	s.lastRequest = now
	s.mu.Unlock()
}

func (s *Scheduler) monitorLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.guard("monitor_tick", func() { s.tick(ctx) })
		}
	}
}

// tick runs one monitoring pass: governance evaluation, then the
// consolidation predicate.
func (s *Scheduler) tick(ctx context.Context) {
	snapshot := s.poller.PollSystemMetrics(ctx)

	if s.modes != nil {
		s.modes.EvaluateTransitions(snapshot)
	}

	if !s.cfg.SecondBrainEnabled || s.consolidator == nil {
		return
	}
	if ok, reason := s.shouldConsolidate(snapshot); !ok {
		s.logger.Debug("consolidation skipped", "reason", reason)
		return
	}

	s.events.Info("consolidation_started", trace.Context{}, nil)
	if err := s.consolidator.Consolidate(ctx); err != nil {
		s.logger.Warn("consolidation failed", "error", err)
		s.events.Error("consolidation_failed", trace.Context{}, map[string]any{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.lastConsolidation = s.now()
	s.mu.Unlock()
	s.events.Info("consolidation_completed", trace.Context{}, nil)
}

// shouldConsolidate applies the idle/health predicate.
func (s *Scheduler) shouldConsolidate(snapshot sensors.Snapshot) (bool, string) {
	now := s.now()

	s.mu.Lock()
	lastRequest, lastConsolidation := s.lastRequest, s.lastConsolidation
	s.mu.Unlock()

	if !lastConsolidation.IsZero() && now.Sub(lastConsolidation) < s.cfg.MinInterval {
		return false, "too soon after last consolidation"
	}
	// A host that has never served a request is idle by definition.
	if !lastRequest.IsZero() && now.Sub(lastRequest) < s.cfg.IdleTime {
		return false, "agent recently active"
	}
	if cpu, ok := snapshot[sensors.MetricCPULoad]; ok && cpu >= s.cfg.CPUThreshold {
		return false, "cpu busy"
	}
	if mem, ok := snapshot[sensors.MetricMemUsed]; ok && mem >= s.cfg.MemoryThreshold {
		return false, "memory pressure"
	}
	return true, ""
}

// addJob registers a guarded cron job. A spec that fails to parse is
// logged and skipped; the remaining jobs still run.
func (s *Scheduler) addJob(name, spec string, fn func()) {
	if _, err := s.cron.AddFunc(spec, func() { s.guard(name, fn) }); err != nil {
		s.logger.Error("lifecycle job registration failed", "job", name, "spec", spec, "error", err)
	}
}

// guard runs a job and turns panics into logs.
func (s *Scheduler) guard(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("background job panicked", "job", name, "panic", rec)
		}
	}()
	fn()
}
