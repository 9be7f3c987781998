package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")
		state, _ := cmd.Flags().GetString("state")
		instances, err := apiClient(cmd).ListInstances(cmd.Context(), provider, state)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROVIDER\tGPU\tSTATE\tADDRESS\tRATE/H\tACCRUED")
		for _, inst := range instances {
			fmt.Fprintf(w, "%s\t%s\t%s x%d\t%s\t%s\t%s\t%s\n",
				inst.ID, inst.Provider, inst.Resources.GPUModel, inst.Resources.GPUCount,
				inst.State, inst.Address, centsString(inst.RateCents), centsString(inst.AccruedCents))
		}
		w.Flush()
		return nil
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers [TAG]",
	Short: "Show provider health, circuit state, and quota usage",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		if len(args) == 1 {
			status, err := c.ProviderStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			snap := status.Provider
			fmt.Printf("Provider:  %s (enabled=%v)\n", snap.Tag, snap.Enabled)
			fmt.Printf("Circuit:   %s\n", snap.CircuitState)
			fmt.Printf("Healthy:   %v\n", snap.Healthy)
			fmt.Printf("Instances: %d / %d soft quota\n", snap.HeldInstances, snap.SoftQuota)
			if status.Probe != nil {
				fmt.Printf("Probe:     healthy=%v latency=%dms failures=%d\n",
					status.Probe.Healthy, status.Probe.LastLatencyMS, status.Probe.ConsecutiveFailures)
				if status.Probe.LastError != "" {
					fmt.Printf("Last err:  %s\n", status.Probe.LastError)
				}
			}
			return nil
		}

		snaps, err := c.ListProviders(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TAG\tENABLED\tCIRCUIT\tHEALTHY\tHELD\tQUOTA")
		for _, snap := range snaps {
			fmt.Fprintf(w, "%s\t%v\t%s\t%v\t%d\t%d\n",
				snap.Tag, snap.Enabled, snap.CircuitState, snap.Healthy, snap.HeldInstances, snap.SoftQuota)
		}
		w.Flush()
		return nil
	},
}

func init() {
	instancesCmd.Flags().String("provider", "", "Filter by provider tag")
	instancesCmd.Flags().String("state", "", "Filter by state")
	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(providersCmd)
}
