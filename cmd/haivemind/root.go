package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "haivemind",
	Short: "Orchestration engine for parallel coding agents",
	Long: `Haivemind decomposes a request into a task DAG and drives external
coding agents through it in parallel: dynamic concurrency, speculative
execution, stall-driven DAG rewriting, retry escalation, and adaptive
task splitting.

Run 'haivemind serve' to start the engine with its HTTP and WebSocket
control plane. Observers connect to /ws for the live message stream.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
