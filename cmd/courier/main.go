// Package main provides the CLI entry point for Courier, the
// message-intake gateway that routes chat and email triggers to backend
// AI-agent runs.
//
// # Basic Usage
//
// Start the server:
//
//	courier serve --config courier.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Default structured logging until the config-driven logger takes
	// over in serve.
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
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Courier - chat and email intake for AI agent runs",
		Long: `Courier authenticates inbound chat and email triggers, routes them to
the right agent binding, keeps thread-to-session continuity, and
coordinates the asynchronous run lifecycle back to the channel.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
	)
	return rootCmd
}
