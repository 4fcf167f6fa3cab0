package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "solo-unicorn",
		Short: "Solo Unicorn - AI coding agent task orchestrator",
		Long: `Solo Unicorn dispatches tasks to AI coding agents working in local
repositories. Tasks move through refine, plan and execute stages; agents
connect over WebSocket or report progress through the MCP tool surface,
and a web API serves the kanban frontend.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	// A .env next to the binary can carry AGENT_AUTH_TOKEN.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
