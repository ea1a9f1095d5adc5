package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/fleetreaper/internal/history"
)

type historyFlags struct {
	region string
	limit  int
	unlock string
}

func newHistoryCmd(global *globalFlags) *cobra.Command {
	flags := &historyFlags{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past runs from the local state file",
		Long: `Show the latest run of every region, or the recent runs of one region
with --region. Region locks left behind by an interrupted run are listed
and can be cleared with --unlock.`,
		Example: `  fleetreaper history
  fleetreaper history --region us-east-1 --limit 20
  fleetreaper history --unlock us-east-1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistory(cmd, global, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.region, "region", "r", "", "List runs of one region")
	cmd.Flags().IntVarP(&flags.limit, "limit", "n", 10, "Maximum runs to list with --region")
	cmd.Flags().StringVar(&flags.unlock, "unlock", "", "Release the lock on a region")
	return cmd
}

func runHistory(cmd *cobra.Command, global *globalFlags, flags *historyFlags) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, cmd, global, appOptions{openHistory: true})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	if a.history == nil {
		return errors.New("no state file configured (state.path)")
	}

	if flags.unlock != "" {
		if err := a.history.Unlock(flags.unlock); err != nil {
			return fmt.Errorf("failed to unlock %s: %w", flags.unlock, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "🔓 Released lock on %s\n", flags.unlock)
		return nil
	}

	var records []history.RunRecord
	if flags.region != "" {
		records, err = a.history.List(flags.region, flags.limit)
		if err != nil {
			return err
		}
	} else {
		records = a.history.Latest()
	}

	locks, err := a.history.Locks()
	if err != nil {
		return err
	}
	return a.printer.History(records, locks)
}
