package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skipperhq/skipper/internal/capture"
	"github.com/skipperhq/skipper/internal/config"
	"github.com/skipperhq/skipper/internal/costs"
	"github.com/skipperhq/skipper/internal/governance"
	"github.com/skipperhq/skipper/internal/llm"
	"github.com/skipperhq/skipper/internal/memory"
	"github.com/skipperhq/skipper/internal/metrics"
	"github.com/skipperhq/skipper/internal/orchestrator"
	"github.com/skipperhq/skipper/internal/reflection"
	"github.com/skipperhq/skipper/internal/router"
	"github.com/skipperhq/skipper/internal/scheduler"
	"github.com/skipperhq/skipper/internal/search"
	"github.com/skipperhq/skipper/internal/sensors"
	"github.com/skipperhq/skipper/internal/telemetry"
	"github.com/skipperhq/skipper/internal/tools"
)

// app holds the wired runtime. Construction order matters: config first,
// then telemetry, then governance, then everything that logs through them.
type app struct {
	cfg     *config.Config
	events  *telemetry.Logger
	indexer search.Indexer
	modes   *governance.ModeManager
	orch    *orchestrator.Orchestrator
	sched   *scheduler.Scheduler
	spend   *costs.Store
}

// newApp loads configuration from dir and wires the full agent runtime.
func newApp(dir string) (*app, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	configureLogging(cfg.LogLevel)

	if err := os.MkdirAll(cfg.TelemetryDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}

	var indexer search.Indexer
	var loggerOpts []telemetry.Option
	if cfg.Search.Enabled {
		sc := search.NewClient(cfg.Search.BaseURL)
		indexer = sc
		loggerOpts = append(loggerOpts,
			telemetry.WithForwarder(telemetry.NewForwarder(sc, telemetry.ForwarderConfig{})))
	}
	events := telemetry.NewLogger(telemetry.Config{Dir: cfg.TelemetryDir()}, loggerOpts...)

	gov, err := governance.LoadDir(cfg.GovernanceDir)
	if err != nil {
		events.Close()
		return nil, err
	}
	instruments := metrics.New(prometheus.DefaultRegisterer)
	modes := governance.NewModeManager(gov.Transitions, events,
		governance.WithManagerMetrics(instruments))
	poller := sensors.NewPoller()

	reg := tools.NewRegistry(gov, modes.Current, events)
	tools.RegisterBuiltins(reg, poller)

	var spend *costs.Store
	var clientOpts []llm.ClientOption
	if cfg.Costs.Enabled {
		spend, err = costs.Open(cfg.Costs.Path)
		if err != nil {
			events.Close()
			return nil, err
		}
		clientOpts = append(clientOpts, llm.WithUsageFunc(
			func(ctx context.Context, role llm.Role, mc llm.ModelConfig, usage llm.Usage, traceID string) {
				err := spend.Add(ctx, costs.Record{
					Provider:     mc.Endpoint,
					Model:        mc.ModelID,
					InputTokens:  usage.PromptTokens,
					OutputTokens: usage.CompletionTokens,
					CostUSD:      mc.CallCost(usage),
					TraceID:      traceID,
					Purpose:      string(role),
				})
				if err != nil {
					slog.Warn("cost record failed", "error", err)
				}
			}))
	}

	client := llm.NewClient(cfg.Models.ByRole(), events, clientOpts...)
	rt := router.New(cfg.Router, client, events)

	var captureOpts []capture.StoreOption
	if indexer != nil {
		captureOpts = append(captureOpts, capture.WithIndexer(indexer))
	}
	captures := capture.NewStore(cfg.TelemetryDir(), events, captureOpts...)

	graph := memory.NewStore()
	consolidator := memory.NewConsolidator(captures, graph)

	var pipeline *reflection.Pipeline
	if cfg.Reflection.Enabled {
		var reflOpts []reflection.Option
		if indexer != nil {
			reflOpts = append(reflOpts, reflection.WithIndexer(indexer))
		}
		pipeline = reflection.New(reflection.Config{
			TelemetryDir: cfg.TelemetryDir(),
			GitCommit:    cfg.Reflection.GitCommit,
		}, client, events, reflOpts...)
	}

	lifecycle := scheduler.NewLifecycle(scheduler.LifecycleConfig{
		TelemetryDir:          cfg.TelemetryDir(),
		DiskUsageAlertPercent: gov.Safety.DiskUsageAlertPercent,
	}, indexer, events)

	sched := scheduler.New(scheduler.Config{
		SecondBrainEnabled: cfg.SecondBrain.Enabled,
		CheckInterval:      cfg.SecondBrain.CheckInterval,
		MinInterval:        cfg.SecondBrain.MinInterval,
		IdleTime:           cfg.SecondBrain.IdleTime,
	}, poller, modes, consolidator, lifecycle, events)

	orch := orchestrator.New(client, rt, reg, gov, modes, poller, events,
		orchestrator.WithMemory(graph),
		orchestrator.WithCaptureStore(captures),
		orchestrator.WithReflection(pipeline),
		orchestrator.WithMetrics(instruments),
	)

	return &app{
		cfg:     cfg,
		events:  events,
		indexer: indexer,
		modes:   modes,
		orch:    orch,
		sched:   sched,
		spend:   spend,
	}, nil
}

// close drains background work and flushes the telemetry sink.
func (a *app) close() {
	a.orch.Wait()
	a.sched.Stop()
	if a.spend != nil {
		if err := a.spend.Close(); err != nil {
			slog.Warn("cost store close failed", "error", err)
		}
	}
	if err := a.events.Close(); err != nil {
		slog.Warn("telemetry close failed", "error", err)
	}
}

func configureLogging(level string) {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}
