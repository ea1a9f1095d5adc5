package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	debug      bool
	output     string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "fleetreaper",
		Short: "Reap long-running EC2 instances",
		Long: `Fleetreaper - scheduled cleanup for long-lived EC2 fleets

Fleetreaper finds on-demand instances that have been up longer than the
configured number of days, stops them as one batch, deletes their EBS
volumes and terminates them. Spot instances and instances carrying the
exempt tag are never touched. Every action is written to a CloudWatch Logs
audit stream before it is taken.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate(`Fleetreaper {{.Version}}
`)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "fleetreaper.toml", "Config file path (.toml, .yaml)")
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	pf.StringVarP(&flags.output, "output", "o", "table", "Output format (table, json)")

	rootCmd.AddCommand(
		newRunCmd(flags),
		newPlanCmd(flags),
		newDecommissionCmd(flags),
		newDaemonCmd(flags),
		newHistoryCmd(flags),
	)
	return rootCmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
