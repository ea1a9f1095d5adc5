package reaper

import (
	"context"
	"fmt"

	"github.com/yairfalse/fleetreaper/internal/audit"
	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

// NameTag is the tag decommissioning matches on.
const NameTag = "Name"

// DecommissionResult is the outcome of terminating instances by name.
type DecommissionResult struct {
	Region            string   `json:"region"`
	Name              string   `json:"name"`
	Matched           []string `json:"matched"`
	AlreadyTerminated []string `json:"already_terminated,omitempty"`
	Declined          []string `json:"declined,omitempty"`
	Terminated        []string `json:"terminated,omitempty"`
	AuditStream       string   `json:"audit_stream,omitempty"`
}

// Decommission terminates every instance in region tagged Name=name. Each
// instance is confirmed on its own; instances already on their way out are
// skipped. Volumes are left to the provider's delete-on-termination setting.
func (r *Reaper) Decommission(ctx context.Context, region, name string) (DecommissionResult, error) {
	res := DecommissionResult{Region: region, Name: name}
	logger := r.logger.WithContext(ctx).With().
		Str("region", region).
		Str("name", name).
		Logger()
	ctx = logger.WithContext(ctx)

	cloud, err := r.factory(ctx, region)
	if err != nil {
		return res, fmt.Errorf("connect to %s: %w", region, err)
	}

	instances, err := cloud.ListInstances(ctx, map[string]string{NameTag: name})
	if err != nil {
		return res, fmt.Errorf("list instances named %s: %w", name, err)
	}
	if len(instances) == 0 {
		return res, fmt.Errorf("no instances named %q in %s: %w", name, region, fleet.ErrNotFound)
	}

	var rec audit.Recorder = audit.Discard{}
	if !r.opts.DryRun {
		w, err := audit.Open(ctx, cloud, r.opts.LogGroup, r.opts.StreamPrefix, region, r.now())
		if err != nil {
			return res, err
		}
		res.AuditStream = w.Stream()
		rec = w
	}

	for _, inst := range instances {
		res.Matched = append(res.Matched, inst.ID)

		if inst.State.Final() {
			logger.Info().Str("instance", inst.ID).Str("state", string(inst.State)).Msg("already terminated")
			res.AlreadyTerminated = append(res.AlreadyTerminated, inst.ID)
			continue
		}
		if r.opts.DryRun {
			continue
		}

		if r.confirmer != nil {
			ok, err := r.confirmer.Confirm(ctx, ConfirmationRequest{
				Region:    region,
				Action:    ActionTerminate,
				Instances: []fleet.Instance{inst},
			})
			if err != nil {
				return res, fmt.Errorf("confirm %s: %w", inst.ID, err)
			}
			if !ok {
				res.Declined = append(res.Declined, inst.ID)
				continue
			}
		}

		if err := rec.Record(ctx, fmt.Sprintf("decommissioning %s (%s=%s, %s)", inst.ID, NameTag, name, inst.State)); err != nil {
			return res, err
		}
		if err := cloud.Terminate(ctx, []string{inst.ID}); err != nil {
			return res, fmt.Errorf("terminate %s: %w", inst.ID, err)
		}
		res.Terminated = append(res.Terminated, inst.ID)
		logger.Info().Str("instance", inst.ID).Msg("terminated")
	}

	if r.metrics != nil && len(res.Terminated) > 0 {
		r.metrics.RecordTerminated(ctx, region, len(res.Terminated))
	}
	return res, nil
}
