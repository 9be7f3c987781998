package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/metrics"
	"github.com/aima-platform/corral/pkg/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the orchestrator process: the job store, provider loops,
scheduler, dispatcher, reaper, and the HTTP API.

Configuration comes from a YAML file; with no file the built-in defaults
apply, which enable only the local provider. SIGTERM drains gracefully:
intake stops, in-flight ticks finish, the final cost accrual is flushed,
and running instances are left alive for the next process to adopt.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to the configuration file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	metrics.SetVersion(Version)

	orch, err := orchestrator.New(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}
	if err := orch.Start(); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	fmt.Printf("Corral is running on %s. Press Ctrl+C to stop.\n", orch.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}
