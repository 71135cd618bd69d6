// Package main provides the CLI entry point for braind, the Pinnokio
// brain service.
//
// braind orchestrates LLM conversations for Pinnokio clients: it
// terminates client WebSockets, drives the agentic workflow against the
// configured provider, persists transcripts to the realtime database,
// follows backend worker job channels, and fires scheduled task
// executions.
//
// # Basic Usage
//
// Start the service:
//
//	braind serve --config braind.yaml
//
// # Environment Variables
//
// The configuration file may reference environment variables
// (os.ExpandEnv runs before parsing), conventionally:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - GROQ_API_KEY: Groq API key
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

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

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "braind",
		Short: "Pinnokio brain service",
		Long: `braind is the conversation orchestrator between Pinnokio chat clients,
backend worker jobs, and the realtime database.

It owns per-user sessions and per-thread conversation state, streams
assistant output over WebSockets, suspends tool calls on human approval
cards, relays worker follow-up channels, and executes scheduled tasks.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "braind %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
		},
	}
}
