// Package config handles TOML and YAML configuration for fleetreaper.
//
// The configuration is read once at startup and passed explicitly; nothing
// reads it from globals afterwards.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/fleetreaper/internal/poll"
	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

// Config is the root configuration structure.
type Config struct {
	AWS    AWSConfig    `toml:"aws" yaml:"aws"`
	Policy PolicyConfig `toml:"policy" yaml:"policy"`
	Audit  AuditConfig  `toml:"audit" yaml:"audit"`
	Poll   PollConfig   `toml:"poll" yaml:"poll"`
	Reaper ReaperConfig `toml:"reaper" yaml:"reaper"`
	Daemon DaemonConfig `toml:"daemon" yaml:"daemon"`
	State  StateConfig  `toml:"state" yaml:"state"`
	OTEL   OTELConfig   `toml:"otel" yaml:"otel"`
	Log    LogConfig    `toml:"log" yaml:"log"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Regions []string `toml:"regions" yaml:"regions"`

	// Profile is the fallback for regions without their own credentials.
	Profile     string                 `toml:"profile" yaml:"profile"`
	Credentials map[string]Credentials `toml:"credentials" yaml:"credentials"`

	// TagFilter narrows the inventory to instances carrying all these tags.
	TagFilter map[string]string `toml:"tag_filter" yaml:"tag_filter"`
}

// Credentials select how one region authenticates.
type Credentials struct {
	Profile         string `toml:"profile" yaml:"profile"`
	AccessKeyID     string `toml:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `toml:"session_token" yaml:"session_token"`
}

func (c Credentials) empty() bool {
	return c.Profile == "" && c.AccessKeyID == "" && c.SecretAccessKey == ""
}

// PolicyConfig holds the retention rule.
type PolicyConfig struct {
	// UptimeThresholdDays is a pointer so an absent value is told apart from 0.
	UptimeThresholdDays *int   `toml:"uptime_threshold_days" yaml:"uptime_threshold_days"`
	ExemptTag           string `toml:"exempt_tag" yaml:"exempt_tag"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	LogGroup     string `toml:"log_group" yaml:"log_group"`
	StreamPrefix string `toml:"stream_prefix" yaml:"stream_prefix"`
}

// PollConfig bounds every wait for a state change.
type PollConfig struct {
	IntervalStr string        `toml:"interval" yaml:"interval"`
	Interval    time.Duration `toml:"-" yaml:"-"`
	TimeoutStr  string        `toml:"timeout" yaml:"timeout"`
	Timeout     time.Duration `toml:"-" yaml:"-"`
	MaxAttempts int           `toml:"max_attempts" yaml:"max_attempts"`
}

// ReaperConfig holds run behaviour switches.
type ReaperConfig struct {
	DryRun            bool `toml:"dry_run" yaml:"dry_run"`
	ConcurrentRegions bool `toml:"concurrent_regions" yaml:"concurrent_regions"`
	ParallelReclaim   bool `toml:"parallel_reclaim" yaml:"parallel_reclaim"`
	MaxParallel       int  `toml:"max_parallel" yaml:"max_parallel"`
}

// DaemonConfig holds scheduled mode settings.
type DaemonConfig struct {
	IntervalStr string        `toml:"interval" yaml:"interval"`
	Interval    time.Duration `toml:"-" yaml:"-"`
	MetricsAddr string        `toml:"metrics_addr" yaml:"metrics_addr"`
}

// StateConfig locates the run history database.
type StateConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool          `toml:"insecure" yaml:"insecure"`
	ServiceName string        `toml:"service_name" yaml:"service_name"`
	Traces      TracesConfig  `toml:"traces" yaml:"traces"`
	Metrics     MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled" yaml:"enabled"`
	SampleRate float64 `toml:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Load reads and parses a config file. Files ending in .yaml or .yml are
// read as YAML, everything else as TOML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Audit.StreamPrefix == "" {
		cfg.Audit.StreamPrefix = "fleetreaper"
	}
	if cfg.Poll.IntervalStr == "" {
		cfg.Poll.IntervalStr = "15s"
	}
	if cfg.Poll.TimeoutStr == "" {
		cfg.Poll.TimeoutStr = "30m"
	}
	if cfg.Reaper.MaxParallel == 0 {
		cfg.Reaper.MaxParallel = 4
	}
	if cfg.Daemon.IntervalStr == "" {
		cfg.Daemon.IntervalStr = "1h"
	}
	if cfg.Daemon.MetricsAddr == "" {
		cfg.Daemon.MetricsAddr = ":9090"
	}
	if cfg.State.Path == "" {
		cfg.State.Path = "fleetreaper.db"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "fleetreaper"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

func parseDurations(cfg *Config) error {
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll.interval", cfg.Poll.IntervalStr, &cfg.Poll.Interval},
		{"poll.timeout", cfg.Poll.TimeoutStr, &cfg.Poll.Timeout},
		{"daemon.interval", cfg.Daemon.IntervalStr, &cfg.Daemon.Interval},
	} {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}
	return nil
}

// Validate checks the configuration is valid. Every missing required value
// is reported.
func (c *Config) Validate() error {
	var problems []string

	if len(c.AWS.Regions) == 0 {
		problems = append(problems, "aws: at least one region required")
	}
	seen := make(map[string]bool)
	for _, region := range c.AWS.Regions {
		if seen[region] {
			problems = append(problems, fmt.Sprintf("aws: region %s listed twice", region))
		}
		seen[region] = true

		creds := c.RegionCredentials(region)
		switch {
		case creds.empty():
			problems = append(problems, fmt.Sprintf("aws: no credentials for region %s (set aws.profile or aws.credentials.%s)", region, region))
		case creds.AccessKeyID != "" && creds.SecretAccessKey == "",
			creds.AccessKeyID == "" && creds.SecretAccessKey != "":
			problems = append(problems, fmt.Sprintf("aws.credentials.%s: access_key_id and secret_access_key go together", region))
		}
	}
	for region := range c.AWS.Credentials {
		if !slices.Contains(c.AWS.Regions, region) {
			problems = append(problems, fmt.Sprintf("aws.credentials.%s: region is not in aws.regions", region))
		}
	}

	switch {
	case c.Policy.UptimeThresholdDays == nil:
		problems = append(problems, "policy: uptime_threshold_days is required")
	case *c.Policy.UptimeThresholdDays < 0:
		problems = append(problems, fmt.Sprintf("policy: uptime_threshold_days must not be negative (got %d)", *c.Policy.UptimeThresholdDays))
	}
	if c.Policy.ExemptTag == "" {
		problems = append(problems, "policy: exempt_tag is required")
	}

	if c.Audit.LogGroup == "" {
		problems = append(problems, "audit: log_group is required")
	}

	if err := c.PollPolicy().Validate(); err != nil {
		problems = append(problems, "poll: "+err.Error())
	}
	if c.Reaper.MaxParallel < 1 {
		problems = append(problems, fmt.Sprintf("reaper: max_parallel must be at least 1 (got %d)", c.Reaper.MaxParallel))
	}
	if c.Daemon.Interval <= 0 {
		problems = append(problems, "daemon: interval must be positive")
	}

	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		problems = append(problems, fmt.Sprintf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("log: unknown level %q", c.Log.Level))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		problems = append(problems, fmt.Sprintf("log: format must be console or json (got %q)", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// RegionCredentials returns the credentials for region, falling back to
// aws.profile.
func (c *Config) RegionCredentials(region string) Credentials {
	if creds, ok := c.AWS.Credentials[region]; ok && !creds.empty() {
		return creds
	}
	return Credentials{Profile: c.AWS.Profile}
}

// RetentionPolicy returns the retention rule. Call Validate first.
func (c *Config) RetentionPolicy() fleet.RetentionPolicy {
	p := fleet.RetentionPolicy{ExemptTag: c.Policy.ExemptTag}
	if c.Policy.UptimeThresholdDays != nil {
		p.UptimeThresholdDays = *c.Policy.UptimeThresholdDays
	}
	return p
}

// PollPolicy returns the bound on state change waits.
func (c *Config) PollPolicy() poll.Policy {
	return poll.Policy{
		Interval:    c.Poll.Interval,
		Timeout:     c.Poll.Timeout,
		MaxAttempts: c.Poll.MaxAttempts,
	}
}
