// Package aws implements the reaper's cloud capabilities on EC2 and
// CloudWatch Logs.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/yairfalse/fleetreaper/internal/provider"
)

// Config holds the connection settings for one region.
type Config struct {
	Region string

	// Profile selects a shared config profile. Ignored when static keys are set.
	Profile string

	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Cloud implements provider.Cloud for one AWS region.
type Cloud struct {
	region string

	ec2Client  EC2API
	logsClient CloudWatchLogsAPI
}

var _ provider.Cloud = (*Cloud)(nil)

// New connects to the region in cfg.
func New(ctx context.Context, cfg Config) (*Cloud, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	switch {
	case cfg.AccessKeyID != "":
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	case cfg.Profile != "":
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config for %s: %w", cfg.Region, classify(err))
	}

	return NewFromClients(cfg.Region, ec2.NewFromConfig(awsCfg), cloudwatchlogs.NewFromConfig(awsCfg)), nil
}

// NewFromClients builds a Cloud around existing clients.
func NewFromClients(region string, ec2Client EC2API, logsClient CloudWatchLogsAPI) *Cloud {
	return &Cloud{
		region:     region,
		ec2Client:  ec2Client,
		logsClient: logsClient,
	}
}

// Region returns the region name.
func (c *Cloud) Region() string {
	return c.region
}

// Factory returns a provider.Factory that looks up per-region settings with lookup.
func Factory(lookup func(region string) Config) provider.Factory {
	return func(ctx context.Context, region string) (provider.Cloud, error) {
		cfg := lookup(region)
		cfg.Region = region
		return New(ctx, cfg)
	}
}
