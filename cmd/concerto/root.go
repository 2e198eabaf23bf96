package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "concerto",
	Short: "Piece orchestration engine for agent workflows",
	Long: `Concerto runs pieces: declarative multi-movement workflows executed
by AI agent personas. Each movement sends a rendered instruction to a
persona, and ordered rules decide which movement runs next until the
piece completes.

Core capabilities:
- Declarative YAML pieces with per-movement rules and personas
- Staged rule resolution with structured output, tags, and AI judging
- Parallel and team-leader fan-out through a bounded worker pool
- Iteration budgets with pause and resume via a durable task queue
- Loop detection on consecutive movement repeats`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
