// Package sensors polls host health metrics (CPU, memory, disk, GPU) and
// memoizes them behind a short TTL so that the request monitor and the mode
// manager can sample aggressively without hammering the platform probes.
package sensors

import (
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Metric identifiers shared with governance transition rules and the
// request monitor. Values are percentages unless the name says otherwise.
const (
	MetricCPULoad    = "perf_system_cpu_load"
	MetricMemUsed    = "perf_system_mem_used"
	MetricDiskUsed   = "perf_system_disk_used"
	MetricGPULoad    = "perf_system_gpu_load"
	MetricGPUMemUsed = "perf_system_gpu_mem_used"

	// Detail metrics only present on the snapshot path.
	MetricMemTotalGB = "perf_system_mem_total_gb"
	MetricDiskFreeGB = "perf_system_disk_free_gb"
	MetricSwapUsed   = "perf_system_swap_used"
	MetricCPUCoreTop = "perf_system_cpu_core_peak"
)

// Snapshot is one consistent metric reading.
type Snapshot map[string]float64

// Clone returns a defensive copy.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Cache keys for the two polling entry points. The "system" key serves the
// scheduler's coarse health checks; "snapshot" additionally carries the
// detail metrics sampled by the request monitor.
const (
	cacheKeySystem   = "system"
	cacheKeySnapshot = "snapshot"
)

// DefaultTTL is roughly twice the request monitor's polling period, so a
// monitor tick either reuses a fresh reading or triggers exactly one probe.
const DefaultTTL = 10 * time.Second

// Poller polls base and platform metrics with per-key TTL caching.
// Safe for concurrent use; cache reads return copies.
type Poller struct {
	ttl      time.Duration
	now      func() time.Time
	base     func(ctx context.Context) Snapshot
	platform func(ctx context.Context) (Snapshot, error)
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	snap    Snapshot
	expires time.Time
}

// Option configures a Poller.
type Option func(*Poller)

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(p *Poller) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithNow overrides the clock (for tests).
func WithNow(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// WithBaseProbe overrides the cross-platform probe (for tests).
func WithBaseProbe(probe func(ctx context.Context) Snapshot) Option {
	return func(p *Poller) {
		if probe != nil {
			p.base = probe
		}
	}
}

// WithPlatformProbe overrides the platform-specific probe (for tests).
func WithPlatformProbe(probe func(ctx context.Context) (Snapshot, error)) Option {
	return func(p *Poller) {
		if probe != nil {
			p.platform = probe
		}
	}
}

// WithLogger sets the poller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPoller creates a sensor poller with the default probes.
func NewPoller(opts ...Option) *Poller {
	p := &Poller{
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default().With("component", "sensors"),
		cache:  make(map[string]cacheEntry),
	}
	p.base = p.pollBaseMetrics
	p.platform = pollGPUMetrics
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PollBase returns cross-platform CPU/memory/disk metrics. Fast: no probe
// here should take more than a few milliseconds.
func (p *Poller) PollBase(ctx context.Context) Snapshot {
	return p.base(ctx)
}

// PollPlatform returns platform-specific metrics (GPU). May take seconds.
func (p *Poller) PollPlatform(ctx context.Context) (Snapshot, error) {
	return p.platform(ctx)
}

// PollSystemMetrics returns the merged base+platform reading under the
// "system" cache key. When the platform probe fails its fields are dropped
// and the base metrics are still returned.
func (p *Poller) PollSystemMetrics(ctx context.Context) Snapshot {
	return p.cached(cacheKeySystem, func() Snapshot {
		return p.merge(ctx, false)
	})
}

// PollSnapshot returns the detailed reading under the "snapshot" cache key,
// including the detail metrics the coarse system path omits.
func (p *Poller) PollSnapshot(ctx context.Context) Snapshot {
	return p.cached(cacheKeySnapshot, func() Snapshot {
		return p.merge(ctx, true)
	})
}

func (p *Poller) cached(key string, probe func() Snapshot) Snapshot {
	p.mu.Lock()
	if entry, ok := p.cache[key]; ok && p.now().Before(entry.expires) {
		snap := entry.snap.Clone()
		p.mu.Unlock()
		return snap
	}
	p.mu.Unlock()

	// Probe outside the lock; platform probes may be slow.
	snap := probe()

	p.mu.Lock()
	p.cache[key] = cacheEntry{snap: snap, expires: p.now().Add(p.ttl)}
	p.mu.Unlock()
	return snap.Clone()
}

func (p *Poller) merge(ctx context.Context, detail bool) Snapshot {
	snap := p.base(ctx)
	if !detail {
		// The coarse path drops the detail metrics the base probe produced.
		for _, k := range []string{MetricMemTotalGB, MetricDiskFreeGB, MetricSwapUsed, MetricCPUCoreTop} {
			delete(snap, k)
		}
	}
	platform, err := p.platform(ctx)
	if err != nil {
		p.logger.Debug("platform probe failed; returning base metrics only", "error", err)
		return snap
	}
	for k, v := range platform {
		snap[k] = v
	}
	return snap
}

func (p *Poller) pollBaseMetrics(ctx context.Context) Snapshot {
	snap := make(Snapshot, 8)

	if percents, err := cpu.PercentWithContext(ctx, 0, true); err == nil && len(percents) > 0 {
		var total, peak float64
		for _, pc := range percents {
			total += pc
			if pc > peak {
				peak = pc
			}
		}
		snap[MetricCPULoad] = total / float64(len(percents))
		snap[MetricCPUCoreTop] = peak
	} else if err != nil {
		p.logger.Debug("cpu probe failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap[MetricMemUsed] = vm.UsedPercent
		snap[MetricMemTotalGB] = float64(vm.Total) / (1 << 30)
	} else {
		p.logger.Debug("memory probe failed", "error", err)
	}

	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		snap[MetricSwapUsed] = sw.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snap[MetricDiskUsed] = du.UsedPercent
		snap[MetricDiskFreeGB] = float64(du.Free) / (1 << 30)
	} else {
		p.logger.Debug("disk probe failed", "error", err)
	}

	return snap
}

// pollGPUMetrics shells out to nvidia-smi. Hosts without an NVIDIA GPU
// return an error, which the merge path treats as "no platform fields".
func pollGPUMetrics(ctx context.Context) (Snapshot, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu,utilization.memory",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, err
	}

	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return nil, errInvalidGPUOutput
	}
	gpuLoad, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, errInvalidGPUOutput
	}
	gpuMem, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, errInvalidGPUOutput
	}
	return Snapshot{
		MetricGPULoad:    gpuLoad,
		MetricGPUMemUsed: gpuMem,
	}, nil
}

var errInvalidGPUOutput = &parseError{"unexpected nvidia-smi output"}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }
