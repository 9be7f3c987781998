package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "corral",
	Short: "Corral - GPU job orchestrator",
	Long: `Corral schedules analysis jobs onto GPU capacity rented from cloud
providers (RunPod, Vast, AWS, GCP, Azure) or served from a local pool,
manages the instance lifecycles, and accounts for every rented minute.

Run 'corral serve' to start the orchestrator; the other verbs talk to a
running one over its HTTP API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Corral version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "Orchestrator address")
	rootCmd.PersistentFlags().String("token", "", "Bearer token (or CORRAL_TOKEN)")
	rootCmd.PersistentFlags().String("owner", "", "Owner to act as when the server runs with auth disabled")
}
