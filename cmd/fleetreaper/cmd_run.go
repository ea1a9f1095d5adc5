package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type runFlags struct {
	dryRun  bool
	yes     bool
	regions []string
}

func newRunCmd(global *globalFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one cleanup pass over every configured region",
		Long: `Run one cleanup pass over every configured region.

For each region this will:
1. Select running on-demand instances older than the uptime threshold
2. Stop them as one batch
3. Detach and delete every attached EBS volume
4. Terminate the batch once every volume is gone

A failure anywhere leaves the batch stopped rather than terminated.`,
		Example: `  # Preview what would be reaped
  fleetreaper run --dry-run

  # Reap without prompting
  fleetreaper run --yes

  # Only one region
  fleetreaper run --region eu-west-1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCleanup(cmd, global, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Select and report without changing anything")
	cmd.Flags().BoolVarP(&flags.yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().StringSliceVar(&flags.regions, "region", nil, "Limit the run to these configured regions")
	return cmd
}

func runCleanup(cmd *cobra.Command, global *globalFlags, flags *runFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx, cmd, global, appOptions{openHistory: !flags.dryRun})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	opts := a.reaperOptions()
	opts.DryRun = opts.DryRun || flags.dryRun
	if opts.Regions, err = onlyRegions(opts.Regions, flags.regions); err != nil {
		return err
	}

	r := a.newReaper(opts)
	if !flags.yes && !opts.DryRun {
		r = r.WithConfirmer(newPromptConfirmer(cmd.InOrStdin(), cmd.ErrOrStderr()))
	}

	results, runErr := r.Run(ctx)

	if opts.DryRun {
		if err := a.printer.Plan(results); err != nil {
			return err
		}
	} else if err := a.printer.Results(results); err != nil {
		return err
	}

	if runErr != nil {
		failed := 0
		for _, res := range results {
			if res.Err != nil {
				failed++
			}
		}
		return fmt.Errorf("%d of %d regions failed: %w", failed, len(results), runErr)
	}
	return nil
}
