// Package provider declares the cloud capabilities the reaper consumes.
//
// Implementations are opaque collaborators: stop and terminate are
// fire-and-forget, and waiting for the outcome is the caller's job.
package provider

import (
	"context"
	"time"

	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

// Inventory lists and describes instances.
type Inventory interface {
	// ListInstances returns every instance, optionally narrowed to those
	// carrying all the given tag key/value pairs.
	ListInstances(ctx context.Context, tags map[string]string) ([]fleet.Instance, error)

	// DescribeInstance returns the current snapshot of one instance, or an
	// error wrapping fleet.ErrNotFound.
	DescribeInstance(ctx context.Context, id string) (fleet.Instance, error)
}

// Lifecycle changes instance state in batches.
type Lifecycle interface {
	Stop(ctx context.Context, ids []string) error
	Terminate(ctx context.Context, ids []string) error
}

// Volumes manages block storage attached to instances.
type Volumes interface {
	ListAttached(ctx context.Context, instanceID string) ([]fleet.Volume, error)
	DescribeVolume(ctx context.Context, id string) (fleet.Volume, error)
	Detach(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// LogEntry is one audit line.
type LogEntry struct {
	Timestamp time.Time
	Message   string
}

// LogStreams appends to sequence-token ordered log streams.
type LogStreams interface {
	// CreateStream creates the stream and returns the token for the first
	// append. An empty token is valid.
	CreateStream(ctx context.Context, group, name string) (string, error)

	// Append writes entries using the token from the previous response and
	// returns the token for the next append.
	Append(ctx context.Context, group, name string, entries []LogEntry, token string) (string, error)
}

// Cloud is everything the reaper needs in one region.
type Cloud interface {
	Inventory
	Lifecycle
	Volumes
	LogStreams

	Region() string
}

// Factory connects to one region.
type Factory func(ctx context.Context, region string) (Cloud, error)
