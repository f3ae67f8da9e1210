package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skipperhq/skipper/internal/backfill"
	"github.com/skipperhq/skipper/internal/config"
	"github.com/skipperhq/skipper/internal/costs"
	"github.com/skipperhq/skipper/internal/orchestrator"
	"github.com/skipperhq/skipper/internal/search"
	"github.com/skipperhq/skipper/internal/telemetry"
)

// buildChatCmd creates the "chat" command: one request through the full
// orchestrator pipeline.
func buildChatCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one message through the agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(configDir)
			if err != nil {
				return err
			}
			defer a.close()
			a.sched.Start(ctx)
			a.sched.RecordRequest()

			reply, err := a.orch.HandleRequest(ctx, orchestrator.Request{
				SessionID: sessionID,
				Message:   strings.Join(args, " "),
			})
			if reply != nil {
				fmt.Fprintln(cmd.OutOrStdout(), reply.Text)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session identifier for multi-turn context")
	return cmd
}

// buildTelemetryCmd creates the "telemetry" command group for querying the
// local event log.
func buildTelemetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Query the local telemetry trail",
	}
	cmd.AddCommand(buildTelemetryQueryCmd(), buildTelemetryTraceCmd())
	return cmd
}

func buildTelemetryQueryCmd() *cobra.Command {
	var (
		event     string
		component string
		traceID   string
		since     time.Duration
		limit     int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Search local telemetry events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			filter := telemetry.Filter{
				Event:     event,
				Component: component,
				TraceID:   traceID,
				Limit:     limit,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			records, err := telemetry.Query(cfg.TelemetryDir(), filter)
			if err != nil {
				return err
			}
			return printRecords(cmd, records, asJSON)
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "Filter by event name (e.g. task_completed)")
	cmd.Flags().StringVar(&component, "component", "", "Filter by emitting component")
	cmd.Flags().StringVar(&traceID, "trace", "", "Filter by trace id")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this age (e.g. 2h, 30m)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum events to return (most recent kept)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit raw JSON instead of a table")
	return cmd
}

func buildTelemetryTraceCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "trace <trace_id>",
		Short: "Show the full event timeline for one trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			records, err := telemetry.Trace(cfg.TelemetryDir(), args[0])
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("no events found for trace %s", args[0])
			}
			return printRecords(cmd, records, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit raw JSON instead of a table")
	return cmd
}

func printRecords(cmd *cobra.Command, records []telemetry.Record, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		for _, r := range records {
			if err := enc.Encode(r.Fields); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tLEVEL\tCOMPONENT\tEVENT\tTRACE")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Format(time.RFC3339), r.Level, r.Component, r.Event, shortID(r.TraceID))
	}
	return w.Flush()
}

// shortID truncates a trace id for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// buildCostsCmd creates the "costs" command: aggregate model spend from
// the local cost database.
func buildCostsCmd() *cobra.Command {
	var (
		period string
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Show aggregated model spend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			store, err := costs.Open(cfg.Costs.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			aggs, err := store.AggregateBy(cmd.Context(), costs.Period(period), time.Now().Add(-since))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BUCKET\tCALLS\tTOKENS IN\tTOKENS OUT\tUSD")
			for _, a := range aggs {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.4f\n",
					a.Bucket, a.Calls, a.InputTokens, a.OutputTokens, a.CostUSD)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&period, "period", "day", "Aggregation bucket: day, week, or month")
	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "Only spend newer than this age")
	return cmd
}

// buildBackfillCmd creates the "backfill" command: replay persisted
// captures and reflections into the search index.
func buildBackfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Replay persisted documents into the search index",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			if !cfg.Search.Enabled {
				return fmt.Errorf("search is disabled; set AGENT_SEARCH_URL or search.enabled")
			}

			indexer := search.NewClient(cfg.Search.BaseURL)
			if err := indexer.Ping(ctx); err != nil {
				return fmt.Errorf("search index unreachable: %w", err)
			}

			events := telemetry.NewLogger(telemetry.Config{Dir: cfg.TelemetryDir()})
			defer events.Close()

			report := backfill.New(cfg.TelemetryDir(), indexer, events).Run(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	return cmd
}
