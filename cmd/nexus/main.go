// Package main provides the CLI entry point for the local-first agent
// runtime's reference terminal channel.
//
// # Basic Usage
//
// Start the server:
//
//	nexus serve --config nexus.yaml
//
// Check system status:
//
//	nexus status
//
// Manage database migrations:
//
//	nexus migrate up
//	nexus migrate status
//
// # Environment Variables
//
//   - NEXUS_CONFIG: Path to configuration file (default: nexus.yaml)
//   - NEXUS_PROFILE: Named profile under ~/.nexus/profiles/
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"os"

	"github.com/spf13/cobra"
	"log/slog"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version     = "dev"     // Semantic version (e.g., "v1.0.0")
	commit      = "none"    // Git commit SHA
	date        = "unknown" // Build timestamp
	profileName string
)

// main is the entry point for the CLI.
// It sets up the root command and all subcommands, then executes based on CLI args.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
//
// Channel-specific (channels), tool-marketplace (plugins), and
// external-protocol-bridge (mcp) subcommands are dropped here: neither
// specific channel transports, a plugin marketplace, nor an MCP bridge
// is part of this runtime's core components. Their backing internal
// packages are removed alongside — see DESIGN.md.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nexus",
		Short: "A local-first conversational agent runtime",
		Long: `nexus ingests natural-language messages, classifies them, decides whether
to answer directly or decompose the task across cooperating sub-agents,
executes tools on the host, and streams progress back to the caller.

Documentation: https://github.com/osacore/osa`,
		Version: version + " (commit: " + commit + ", built: " + date + ")",
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "Profile name (uses ~/.nexus/profiles/<name>.yaml; or set NEXUS_PROFILE)")

	// Attach all subcommands.
	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildAgentsCmd(),
		buildStatusCmd(),
		buildProfileCmd(),
		buildSkillsCmd(),
		buildSessionsCmd(),
		buildTraceCmd(),
	)

	return rootCmd
}

