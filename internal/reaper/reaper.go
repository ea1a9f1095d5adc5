// Package reaper runs the fleet cleanup state machine, one region at a time.
//
// A region run moves Idle → Selecting → StoppingBatch → ReclaimingVolumes →
// Terminating → Done, or to Aborted from any active state. Termination is
// all-or-nothing: a single failed reclamation leaves the whole batch
// stopped, with whatever volumes were already deleted gone.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/fleetreaper/internal/audit"
	"github.com/yairfalse/fleetreaper/internal/provider"
	"github.com/yairfalse/fleetreaper/internal/reclaim"
	"github.com/yairfalse/fleetreaper/internal/selector"
	"github.com/yairfalse/fleetreaper/internal/telemetry"
	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

// ErrRunHalted marks regions that were not attempted because an earlier
// region lost its audit trail.
var ErrRunHalted = errors.New("run halted")

// Reaper coordinates select → stop → reclaim → terminate per region.
type Reaper struct {
	opts      Options
	factory   provider.Factory
	confirmer Confirmer
	metrics   Metrics
	journal   Journal
	now       func() time.Time
	newRunID  func() string
	logger    *telemetry.Logger
}

// New creates a Reaper that connects to regions through factory.
func New(factory provider.Factory, opts Options) *Reaper {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	return &Reaper{
		opts:     opts,
		factory:  factory,
		now:      time.Now,
		newRunID: uuid.NewString,
		logger:   telemetry.Component("reaper"),
	}
}

// WithConfirmer asks c before anything is destroyed.
func (r *Reaper) WithConfirmer(c Confirmer) *Reaper {
	r.confirmer = c
	return r
}

// WithMetrics sets the metrics sink
func (r *Reaper) WithMetrics(m Metrics) *Reaper {
	r.metrics = m
	return r
}

// WithJournal sets the run history store.
func (r *Reaper) WithJournal(j Journal) *Reaper {
	r.journal = j
	return r
}

// WithClock overrides the clock used for selection and timestamps.
func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// WithLogger sets the logger
func (r *Reaper) WithLogger(l *telemetry.Logger) *Reaper {
	r.logger = l
	return r
}

// Options returns the options the Reaper was built with.
func (r *Reaper) Options() Options {
	return r.opts
}

// Run walks every configured region and returns one result per region.
// A failed region does not stop the others, except for an audit failure,
// which halts the whole run. The error joins every region failure.
func (r *Reaper) Run(ctx context.Context) ([]RegionResult, error) {
	var results []RegionResult
	if r.opts.ConcurrentRegions {
		results = r.runConcurrent(ctx)
	} else {
		results = r.runSequential(ctx)
	}

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return results, errors.Join(errs...)
}

func (r *Reaper) runSequential(ctx context.Context) []RegionResult {
	results := make([]RegionResult, 0, len(r.opts.Regions))
	halted := false
	for _, region := range r.opts.Regions {
		if halted {
			results = append(results, RegionResult{
				Region: region,
				State:  StateIdle,
				Err:    fmt.Errorf("region %s: %w: audit trail lost in an earlier region", region, ErrRunHalted),
			})
			continue
		}

		res := r.RunRegion(ctx, region)
		results = append(results, res)
		if errors.Is(res.Err, fleet.ErrAuditWriteFailure) {
			r.logger.WithContext(ctx).Error().
				Str("region", region).
				Msg("audit trail lost, halting run")
			halted = true
		}
	}
	return results
}

// runConcurrent cancels every region still in flight when one loses its
// audit trail.
func (r *Reaper) runConcurrent(ctx context.Context) []RegionResult {
	results := make([]RegionResult, len(r.opts.Regions))
	g, gctx := errgroup.WithContext(ctx)
	for i, region := range r.opts.Regions {
		g.Go(func() error {
			results[i] = r.RunRegion(gctx, region)
			if errors.Is(results[i].Err, fleet.ErrAuditWriteFailure) {
				return results[i].Err
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// regionRun is the mutable state of one RunRegion call.
type regionRun struct {
	res    RegionResult
	cloud  provider.Cloud
	rec    audit.Recorder
	logger zerolog.Logger
}

// RunRegion runs the cleanup for one region. It never panics on provider
// failures; the outcome, including any error, is in the result.
func (r *Reaper) RunRegion(ctx context.Context, region string) RegionResult {
	run := &regionRun{
		res: RegionResult{
			RunID:   r.newRunID(),
			Region:  region,
			State:   StateIdle,
			DryRun:  r.opts.DryRun,
			Started: r.now(),
			Batch:   fleet.CleanupBatch{Region: region, InstanceIDs: []string{}},
		},
		rec: audit.Discard{},
	}

	ctx, span := telemetry.StartRegionRun(ctx, run.res.RunID, region, r.opts.DryRun)
	run.logger = r.logger.WithContext(ctx).With().
		Str("region", region).
		Str("run_id", run.res.RunID).
		Logger()
	ctx = run.logger.WithContext(ctx)

	begun := false
	var err error
	if r.journal != nil {
		err = r.journal.Begin(ctx, region, run.res.RunID)
		begun = err == nil
	}
	if err == nil {
		err = r.execute(ctx, run)
	}
	if err != nil {
		r.abort(ctx, run, err)
	}

	run.res.Finished = r.now()
	if r.metrics != nil {
		r.metrics.RecordRegionRun(ctx, region, string(run.res.State), run.res.Batch.Len(),
			len(run.res.Terminated), run.res.VolumesDeleted, run.res.Duration())
	}
	if begun {
		if cerr := r.journal.Commit(ctx, run.res); cerr != nil {
			run.logger.Warn().Err(cerr).Msg("failed to record run")
		}
	}

	event := run.logger.Info()
	if run.res.Err != nil {
		event = run.logger.Error().Err(run.res.Err).Str("failed_in", string(run.res.FailedIn))
	}
	event.
		Str("state", string(run.res.State)).
		Int("selected", run.res.Batch.Len()).
		Int("terminated", len(run.res.Terminated)).
		Int("volumes_deleted", run.res.VolumesDeleted).
		Dur("duration", run.res.Duration()).
		Msg("region run finished")

	telemetry.EndSpan(span, run.res.Err)
	return run.res
}

func (r *Reaper) execute(ctx context.Context, run *regionRun) error {
	res := &run.res

	cloud, err := r.factory(ctx, res.Region)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	run.cloud = cloud

	if !r.opts.DryRun {
		w, err := audit.Open(ctx, cloud, r.opts.LogGroup, r.opts.StreamPrefix, res.Region, res.Started)
		if err != nil {
			return err
		}
		res.AuditStream = w.Stream()
		run.rec = w
	}

	res.State = StateSelecting
	if err := r.selectBatch(ctx, run); err != nil {
		return err
	}

	if r.opts.DryRun {
		res.State = StateDone
		return nil
	}
	if res.Batch.Empty() {
		if err := run.rec.Record(ctx, "no instances selected"); err != nil {
			return err
		}
		res.State = StateDone
		return nil
	}

	if r.confirmer != nil {
		ok, err := r.confirmer.Confirm(ctx, ConfirmationRequest{
			Region:    res.Region,
			Action:    ActionCleanup,
			Instances: selectedInstances(res.Decisions),
		})
		if err != nil {
			return fmt.Errorf("confirm batch: %w", err)
		}
		if !ok {
			res.Declined = true
			if err := run.rec.Record(ctx, fmt.Sprintf("batch of %d instances declined by operator", res.Batch.Len())); err != nil {
				return err
			}
			res.State = StateDone
			return nil
		}
	}

	ids := res.Batch.InstanceIDs

	res.State = StateStoppingBatch
	if err := run.rec.Record(ctx, fmt.Sprintf("stopping %d instances: %s", len(ids), strings.Join(ids, ", "))); err != nil {
		return err
	}
	if err := cloud.Stop(ctx, ids); err != nil {
		return fmt.Errorf("stop batch: %w", err)
	}
	res.Stopped = ids

	res.State = StateReclaimingVolumes
	if err := r.reclaimAll(ctx, run); err != nil {
		return err
	}

	res.State = StateTerminating
	if err := run.rec.Record(ctx, fmt.Sprintf("terminating %d instances: %s", len(ids), strings.Join(ids, ", "))); err != nil {
		return err
	}
	if err := cloud.Terminate(ctx, ids); err != nil {
		return fmt.Errorf("terminate batch: %w", err)
	}
	res.Terminated = ids

	if err := run.rec.Record(ctx, fmt.Sprintf("cleanup complete: %d instances terminated, %d volumes deleted",
		len(res.Terminated), res.VolumesDeleted)); err != nil {
		return err
	}
	res.State = StateDone
	return nil
}

func (r *Reaper) selectBatch(ctx context.Context, run *regionRun) error {
	ctx, span := telemetry.StartPhase(ctx, "select")
	instances, err := run.cloud.ListInstances(ctx, r.opts.TagFilter)
	if err != nil {
		telemetry.EndSpan(span, err)
		return fmt.Errorf("list instances: %w", err)
	}

	run.res.Decisions = selector.Explain(instances, r.opts.Policy, r.now())
	run.res.Batch.InstanceIDs = selector.Batch(run.res.Decisions)
	span.SetAttributes(
		attribute.Int("inventory", len(instances)),
		attribute.Int("selected", run.res.Batch.Len()),
	)
	telemetry.EndSpan(span, nil)

	run.logger.Info().
		Int("inventory", len(instances)).
		Int("selected", run.res.Batch.Len()).
		Strs("batch", run.res.Batch.InstanceIDs).
		Msg("selection complete")
	return nil
}

// reclaimAll reclaims every stopped instance and only returns once all of
// them have finished, so nothing is terminated while a sibling is still
// deleting volumes.
func (r *Reaper) reclaimAll(ctx context.Context, run *regionRun) error {
	ctx, span := telemetry.StartPhase(ctx, "reclaim",
		attribute.Int("instances", run.res.Batch.Len()),
		attribute.Bool("parallel", r.opts.ParallelReclaim),
	)

	rc := reclaim.New(run.cloud, run.rec, r.opts.Poll)
	ids := run.res.Batch.InstanceIDs
	results := make([]reclaim.Result, len(ids))
	done := make([]bool, len(ids))

	var err error
	if r.opts.ParallelReclaim {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.opts.MaxParallel)
		for i, id := range ids {
			g.Go(func() error {
				res, err := rc.Reclaim(gctx, id)
				results[i] = res
				if err != nil {
					return fmt.Errorf("reclaim %s: %w", id, err)
				}
				done[i] = true
				return nil
			})
		}
		err = g.Wait()
	} else {
		for i, id := range ids {
			res, rerr := rc.Reclaim(ctx, id)
			results[i] = res
			if rerr != nil {
				err = fmt.Errorf("reclaim %s: %w", id, rerr)
				break
			}
			done[i] = true
		}
	}

	for i, res := range results {
		run.res.VolumesDeleted += len(res.VolumesDeleted)
		if done[i] {
			run.res.Reclaimed = append(run.res.Reclaimed, ids[i])
		}
	}

	telemetry.EndSpan(span, err)
	return err
}

// abort moves the run to Aborted and writes a closing audit entry when the
// trail is still usable.
func (r *Reaper) abort(ctx context.Context, run *regionRun, err error) {
	res := &run.res
	res.FailedIn = res.State
	res.State = StateAborted

	if !errors.Is(err, fleet.ErrAuditWriteFailure) && res.AuditStream != "" {
		msg := fmt.Sprintf("run aborted during %s: %v", res.FailedIn, err)
		if len(res.Stopped) > 0 {
			msg += fmt.Sprintf("; %d instances left stopped", len(res.Stopped))
		}
		if aerr := run.rec.Record(ctx, msg); aerr != nil {
			err = errors.Join(err, aerr)
		}
	}

	res.Err = fmt.Errorf("region %s: %w", res.Region, err)
}

func selectedInstances(decisions []selector.Decision) []fleet.Instance {
	var out []fleet.Instance
	for _, d := range decisions {
		if d.Selected() {
			out = append(out, d.Instance)
		}
	}
	return out
}
