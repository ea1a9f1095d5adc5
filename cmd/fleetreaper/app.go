package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/fleetreaper/internal/config"
	"github.com/yairfalse/fleetreaper/internal/history"
	"github.com/yairfalse/fleetreaper/internal/provider"
	awsprovider "github.com/yairfalse/fleetreaper/internal/provider/aws"
	"github.com/yairfalse/fleetreaper/internal/reaper"
	"github.com/yairfalse/fleetreaper/internal/report"
	"github.com/yairfalse/fleetreaper/internal/telemetry"
)

// newFactory builds the cloud connector. Tests replace it.
var newFactory = func(cfg *config.Config) provider.Factory {
	return awsprovider.Factory(func(region string) awsprovider.Config {
		creds := cfg.RegionCredentials(region)
		return awsprovider.Config{
			Profile:         creds.Profile,
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			SessionToken:    creds.SessionToken,
		}
	})
}

// app is everything a command needs, built from the config file.
type app struct {
	cfg       *config.Config
	factory   provider.Factory
	telemetry *telemetry.Provider
	registry  *prometheus.Registry
	history   *history.Store
	printer   *report.Printer
}

type appOptions struct {
	prometheus  bool
	openHistory bool
}

func loadApp(ctx context.Context, cmd *cobra.Command, flags *globalFlags, opts appOptions) (*app, error) {
	format, err := report.ParseFormat(flags.output)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := telemetry.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		factory: newFactory(cfg),
		printer: report.NewPrinter(cmd.OutOrStdout(), format),
	}

	var telemetryOpts []telemetry.Option
	if opts.prometheus {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		telemetryOpts = append(telemetryOpts, telemetry.WithPrometheus(a.registry))
	}
	a.telemetry, err = telemetry.NewProvider(ctx, cfg.OTEL, telemetryOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if opts.openHistory && cfg.State.Path != "" {
		a.history, err = history.Open(cfg.State.Path)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
	}

	log.Debug().
		Str("config", flags.configPath).
		Strs("regions", cfg.AWS.Regions).
		Msg("configuration loaded")
	return a, nil
}

func (a *app) reaperOptions() reaper.Options {
	return reaper.Options{
		Regions:           a.cfg.AWS.Regions,
		Policy:            a.cfg.RetentionPolicy(),
		TagFilter:         a.cfg.AWS.TagFilter,
		Poll:              a.cfg.PollPolicy(),
		LogGroup:          a.cfg.Audit.LogGroup,
		StreamPrefix:      a.cfg.Audit.StreamPrefix,
		DryRun:            a.cfg.Reaper.DryRun,
		ParallelReclaim:   a.cfg.Reaper.ParallelReclaim,
		MaxParallel:       a.cfg.Reaper.MaxParallel,
		ConcurrentRegions: a.cfg.Reaper.ConcurrentRegions,
	}
}

func (a *app) newReaper(opts reaper.Options) *reaper.Reaper {
	r := reaper.New(a.factory, opts).WithMetrics(a.telemetry)
	if a.history != nil && !opts.DryRun {
		r = r.WithJournal(a.history)
	}
	return r
}

func (a *app) close(ctx context.Context) {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close history")
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to flush telemetry")
		}
	}
}

// onlyRegions narrows the configured regions to the requested ones.
func onlyRegions(configured, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return configured, nil
	}
	known := make(map[string]bool, len(configured))
	for _, r := range configured {
		known[r] = true
	}
	for _, r := range requested {
		if !known[r] {
			return nil, fmt.Errorf("region %s is not configured", r)
		}
	}
	return requested, nil
}
