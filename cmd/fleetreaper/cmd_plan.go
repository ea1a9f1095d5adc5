package main

import (
	"github.com/spf13/cobra"
)

func newPlanCmd(global *globalFlags) *cobra.Command {
	var regions []string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show which instances the next run would reap",
		Long: `Show every instance in each configured region with the verdict the
selector reaches for it. Nothing is stopped and no audit stream is created.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCleanup(cmd, global, &runFlags{dryRun: true, regions: regions})
		},
	}

	cmd.Flags().StringSliceVar(&regions, "region", nil, "Limit the plan to these configured regions")
	return cmd
}
