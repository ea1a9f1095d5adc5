// Package reclaim deletes the block storage of stopped instances.
package reclaim

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/fleetreaper/internal/audit"
	"github.com/yairfalse/fleetreaper/internal/poll"
	"github.com/yairfalse/fleetreaper/internal/provider"
	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

// Cloud is the slice of the provider the reclaimer drives.
type Cloud interface {
	provider.Inventory
	provider.Volumes
}

// Result reports what one reclamation removed.
type Result struct {
	InstanceID     string
	VolumesDeleted []string
	VolumesSkipped []string
}

// Reclaimer waits for an instance to stop, then detaches and deletes every
// volume attached to it.
type Reclaimer struct {
	cloud  Cloud
	audit  audit.Recorder
	policy poll.Policy
}

// New creates a Reclaimer.
func New(cloud Cloud, rec audit.Recorder, policy poll.Policy) *Reclaimer {
	if rec == nil {
		rec = audit.Discard{}
	}
	return &Reclaimer{cloud: cloud, audit: rec, policy: policy}
}

// Reclaim removes the volumes of instanceID. Any failure aborts the
// instance; volumes already deleted stay deleted. An instance with no
// volumes left is a no-op success, so repeating a reclaim is safe.
func (r *Reclaimer) Reclaim(ctx context.Context, instanceID string) (Result, error) {
	res := Result{InstanceID: instanceID}
	logger := log.Ctx(ctx).With().Str("instance", instanceID).Logger()

	if err := r.waitStopped(ctx, instanceID); err != nil {
		return res, err
	}

	volumes, err := r.cloud.ListAttached(ctx, instanceID)
	if err != nil {
		return res, fmt.Errorf("list volumes of %s: %w", instanceID, err)
	}
	logger.Debug().Int("volumes", len(volumes)).Msg("instance stopped")

	for _, v := range volumes {
		if v.Status.Gone() {
			res.VolumesSkipped = append(res.VolumesSkipped, v.ID)
			continue
		}

		deleted, err := r.reclaimVolume(ctx, instanceID, v)
		if err != nil {
			return res, err
		}
		if deleted {
			res.VolumesDeleted = append(res.VolumesDeleted, v.ID)
			logger.Info().Str("volume", v.ID).Msg("volume deleted")
		} else {
			res.VolumesSkipped = append(res.VolumesSkipped, v.ID)
		}
	}

	return res, nil
}

func (r *Reclaimer) waitStopped(ctx context.Context, instanceID string) error {
	return r.policy.Until(ctx, instanceID, string(fleet.StateStopped), func(ctx context.Context) (string, bool, error) {
		inst, err := r.cloud.DescribeInstance(ctx, instanceID)
		if errors.Is(err, fleet.ErrNotFound) {
			return "", false, poll.Unreachable("instance disappeared")
		}
		if err != nil {
			return "", false, fmt.Errorf("describe %s: %w", instanceID, err)
		}
		if inst.State.Final() {
			return string(inst.State), false, poll.Unreachable("instance is " + string(inst.State) + " and will never stop")
		}
		return string(inst.State), inst.State == fleet.StateStopped, nil
	})
}

// reclaimVolume reports false when the volume vanished on its own.
func (r *Reclaimer) reclaimVolume(ctx context.Context, instanceID string, v fleet.Volume) (bool, error) {
	if v.Status != fleet.VolumeAvailable {
		if err := r.audit.Record(ctx, fmt.Sprintf("detaching volume %s from %s", v.ID, instanceID)); err != nil {
			return false, err
		}
		if err := r.cloud.Detach(ctx, v.ID); err != nil {
			return false, fmt.Errorf("detach %s: %w", v.ID, err)
		}

		gone, err := r.waitAvailable(ctx, v.ID)
		if err != nil {
			return false, err
		}
		if gone {
			return false, nil
		}
	}

	if err := r.audit.Record(ctx, fmt.Sprintf("deleting volume %s of %s", v.ID, instanceID)); err != nil {
		return false, err
	}
	if err := r.cloud.Delete(ctx, v.ID); err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("delete %s: %w", v.ID, err)
	}
	return true, nil
}

func (r *Reclaimer) waitAvailable(ctx context.Context, volumeID string) (gone bool, err error) {
	err = r.policy.Until(ctx, volumeID, string(fleet.VolumeAvailable), func(ctx context.Context) (string, bool, error) {
		v, err := r.cloud.DescribeVolume(ctx, volumeID)
		if errors.Is(err, fleet.ErrNotFound) {
			gone = true
			return string(fleet.VolumeDeleted), true, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("describe %s: %w", volumeID, err)
		}
		if v.Status.Gone() {
			gone = true
			return string(v.Status), true, nil
		}
		return string(v.Status), v.Status == fleet.VolumeAvailable, nil
	})
	return gone, err
}
