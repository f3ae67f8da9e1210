// Package main provides the CLI entry point for the Skipper local agent.
//
// Skipper routes user requests to local LLM backends, executes governed
// tools, and keeps a local telemetry trail (JSONL event log, task
// captures, captain's log reflections) that can be queried offline or
// replayed into a search index.
//
// # Basic Usage
//
// Handle one request:
//
//	skipper chat "why is disk usage growing on this box?"
//
// Inspect the local event log:
//
//	skipper telemetry query --event task_completed --limit 20
//	skipper telemetry trace 4f6b1c0e-8d2a-4d0f-9c37-5a1d2b3c4d5e
//
// Replay persisted documents into the search index:
//
//	skipper backfill
//
// # Environment Variables
//
//   - APP_ENV: Configuration environment (development, staging, production, test)
//   - AGENT_HOME: Agent home directory (default: ~/.skipper)
//   - AGENT_LOG_LEVEL: Operational log level (debug, info, warn, error)
//   - AGENT_LLM_BASE_URL: Fallback base URL for model endpoints left blank
//   - AGENT_SEARCH_URL: Search index base URL (also enables forwarding)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// configDir is the directory holding config.yaml and governance/. Shared
// by every subcommand through the persistent flag.
var configDir string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skipper",
		Short: "Skipper - Local personal AI agent",
		Long: `Skipper is a local-first personal agent: requests are routed to a
local model backend by role (standard, reasoning, coding), tools run
under governance mode constraints, and every step is recorded in a
local telemetry trail.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(),
		"Directory holding config.yaml and governance files")

	rootCmd.AddCommand(
		buildChatCmd(),
		buildTelemetryCmd(),
		buildBackfillCmd(),
		buildCostsCmd(),
	)
	return rootCmd
}

func defaultConfigDir() string {
	if v := os.Getenv("AGENT_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".skipper")
}
