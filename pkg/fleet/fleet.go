// Package fleet defines the instance and volume model the reaper works on.
package fleet

import (
	"fmt"
	"time"
)

// InstanceState is the provider lifecycle state of an instance.
type InstanceState string

const (
	StatePending      InstanceState = "pending"
	StateRunning      InstanceState = "running"
	StateStopping     InstanceState = "stopping"
	StateStopped      InstanceState = "stopped"
	StateShuttingDown InstanceState = "shutting-down"
	StateTerminated   InstanceState = "terminated"
)

// Final reports whether the instance can no longer reach any other state
// than terminated.
func (s InstanceState) Final() bool {
	return s == StateShuttingDown || s == StateTerminated
}

// VolumeStatus is the provider status of a block storage volume.
type VolumeStatus string

const (
	VolumeCreating  VolumeStatus = "creating"
	VolumeAvailable VolumeStatus = "available"
	VolumeInUse     VolumeStatus = "in-use"
	VolumeDeleting  VolumeStatus = "deleting"
	VolumeDeleted   VolumeStatus = "deleted"
)

// Gone reports whether the volume is already on its way out.
func (s VolumeStatus) Gone() bool {
	return s == VolumeDeleting || s == VolumeDeleted
}

// Day is the unit uptime thresholds are expressed in.
const Day = 24 * time.Hour

// Instance is a read snapshot of a compute instance.
type Instance struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	Region        string            `json:"region,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	LaunchTime    time.Time         `json:"launch_time"`
	State         InstanceState     `json:"state"`
	SpotRequestID string            `json:"spot_request_id,omitempty"`
}

// IsSpot reports whether the instance was launched from a spot request.
func (i Instance) IsSpot() bool {
	return i.SpotRequestID != ""
}

// HasTag reports whether the tag key is present, whatever its value.
func (i Instance) HasTag(key string) bool {
	_, ok := i.Tags[key]
	return ok
}

// UptimeDays returns the whole days elapsed since launch, truncated.
func (i Instance) UptimeDays(now time.Time) int {
	return int(now.UTC().Sub(i.LaunchTime.UTC()) / Day)
}

// Volume is a read snapshot of a block storage volume.
type Volume struct {
	ID         string       `json:"id"`
	InstanceID string       `json:"instance_id,omitempty"`
	Status     VolumeStatus `json:"status"`
}

// Attached reports whether the volume references an instance.
func (v Volume) Attached() bool {
	return v.InstanceID != ""
}

// RetentionPolicy decides how long an instance may live before it is reaped.
type RetentionPolicy struct {
	UptimeThresholdDays int    `json:"uptime_threshold_days"`
	ExemptTag           string `json:"exempt_tag"`
}

// Validate checks the policy can be applied.
func (p RetentionPolicy) Validate() error {
	if p.UptimeThresholdDays < 0 {
		return fmt.Errorf("uptime threshold must not be negative (got %d)", p.UptimeThresholdDays)
	}
	if p.ExemptTag == "" {
		return fmt.Errorf("exempt tag is required")
	}
	return nil
}

// CleanupBatch is the set of instances selected for termination in one
// region run. It lives for that run only.
type CleanupBatch struct {
	Region      string   `json:"region"`
	InstanceIDs []string `json:"instance_ids"`
}

// Empty reports whether nothing was selected.
func (b CleanupBatch) Empty() bool {
	return len(b.InstanceIDs) == 0
}

// Len returns the number of selected instances.
func (b CleanupBatch) Len() int {
	return len(b.InstanceIDs)
}
