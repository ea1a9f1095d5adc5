package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type decommissionFlags struct {
	region string
	yes    bool
	dryRun bool
}

func newDecommissionCmd(global *globalFlags) *cobra.Command {
	flags := &decommissionFlags{}

	cmd := &cobra.Command{
		Use:   "decommission <name>",
		Short: "Terminate every instance with the given Name tag",
		Long: `Terminate every instance in a region whose Name tag matches exactly.

Each instance is confirmed on its own unless --yes is given. Instances that
are already shutting down or terminated are skipped. The uptime threshold
and exempt tag do not apply.`,
		Example: `  fleetreaper decommission solr-7 --region us-east-1`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecommission(cmd, global, flags, args[0])
		},
	}

	cmd.Flags().StringVarP(&flags.region, "region", "r", "", "Region to search (defaults to the only configured region)")
	cmd.Flags().BoolVarP(&flags.yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "List matches without terminating")
	return cmd
}

func runDecommission(cmd *cobra.Command, global *globalFlags, flags *decommissionFlags, name string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx, cmd, global, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	region := flags.region
	if region == "" {
		if len(a.cfg.AWS.Regions) != 1 {
			return fmt.Errorf("--region is required when %d regions are configured", len(a.cfg.AWS.Regions))
		}
		region = a.cfg.AWS.Regions[0]
	}
	if _, err := onlyRegions(a.cfg.AWS.Regions, []string{region}); err != nil {
		return err
	}

	opts := a.reaperOptions()
	opts.DryRun = opts.DryRun || flags.dryRun
	r := a.newReaper(opts)
	if !flags.yes && !opts.DryRun {
		r = r.WithConfirmer(newPromptConfirmer(cmd.InOrStdin(), cmd.ErrOrStderr()))
	}

	res, err := r.Decommission(ctx, region, name)
	if len(res.Matched) > 0 {
		if perr := a.printer.Decommission(res); perr != nil {
			return perr
		}
	}
	return err
}
