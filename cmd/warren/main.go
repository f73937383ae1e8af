package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "warren",
	Short: "Warren runs chat-agent sandboxes, one per group",
	Long: `Warren hosts chat agents in per-group Docker sandboxes.

Each chat group owns at most one running sandbox at a time; incoming
messages are coalesced and executions serialized per group. The serve
command starts the HTTP API, the websocket event stream, and the
background maintenance loop.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
