package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/fleetreaper/internal/daemon"
)

type daemonFlags struct {
	interval    time.Duration
	metricsAddr string
}

func newDaemonCmd(global *globalFlags) *cobra.Command {
	flags := &daemonFlags{}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run cleanup passes on an interval",
		Long: `Run Fleetreaper in daemon mode.

A cleanup pass runs at start-up and then once per interval, without
confirmation prompts. Failed regions are retried on the next pass.

Endpoints:
- Prometheus metrics on /metrics
- Health on /health, /-/healthy and /-/ready
- Graceful shutdown on SIGTERM/SIGINT`,
		Example: `  fleetreaper daemon                        # Interval and address from config
  fleetreaper daemon --interval 6h          # Every six hours
  fleetreaper daemon --metrics-addr :9191   # Custom metrics address`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, global, flags)
		},
	}

	cmd.Flags().DurationVar(&flags.interval, "interval", 0, "Time between passes (overrides daemon.interval)")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Metrics listen address (overrides daemon.metrics_addr)")
	return cmd
}

func runDaemon(cmd *cobra.Command, global *globalFlags, flags *daemonFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx, cmd, global, appOptions{prometheus: true, openHistory: true})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	cfg := daemon.Config{
		Interval:    a.cfg.Daemon.Interval,
		MetricsAddr: a.cfg.Daemon.MetricsAddr,
	}
	if flags.interval > 0 {
		cfg.Interval = flags.interval
	}
	if flags.metricsAddr != "" {
		cfg.MetricsAddr = flags.metricsAddr
	}

	d, err := daemon.NewDaemon(cfg, a.newReaper(a.reaperOptions()), a.registry)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "🚀 Starting Fleetreaper daemon...\n")
	fmt.Fprintf(out, "   Regions: %v\n", a.cfg.AWS.Regions)
	fmt.Fprintf(out, "   Interval: %s\n", cfg.Interval)
	fmt.Fprintf(out, "   Metrics: %s\n\n", cfg.MetricsAddr)

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}

	fmt.Fprintln(out, "👋 Daemon stopped")
	return nil
}
