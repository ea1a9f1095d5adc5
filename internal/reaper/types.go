package reaper

import (
	"context"
	"time"

	"github.com/yairfalse/fleetreaper/internal/poll"
	"github.com/yairfalse/fleetreaper/internal/selector"
	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

// State is where a region run is in its lifecycle.
type State string

const (
	StateIdle              State = "idle"
	StateSelecting         State = "selecting"
	StateStoppingBatch     State = "stopping-batch"
	StateReclaimingVolumes State = "reclaiming-volumes"
	StateTerminating       State = "terminating"
	StateDone              State = "done"
	StateAborted           State = "aborted"
)

// Terminal reports whether the run has finished.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// Options configure a Reaper. They are fixed for the lifetime of the Reaper.
type Options struct {
	Regions   []string
	Policy    fleet.RetentionPolicy
	TagFilter map[string]string
	Poll      poll.Policy

	LogGroup     string
	StreamPrefix string

	// DryRun selects and reports without touching anything.
	DryRun bool

	// ParallelReclaim reclaims the volumes of up to MaxParallel instances at
	// once. Termination still waits for all of them.
	ParallelReclaim bool
	MaxParallel     int

	// ConcurrentRegions runs every region at the same time.
	ConcurrentRegions bool
}

// RegionResult is the outcome of one region run.
type RegionResult struct {
	RunID  string `json:"run_id"`
	Region string `json:"region"`
	State  State  `json:"state"`

	// FailedIn is the state the run was in when it aborted.
	FailedIn State `json:"failed_in,omitempty"`

	Batch          fleet.CleanupBatch  `json:"batch"`
	Decisions      []selector.Decision `json:"decisions,omitempty"`
	Stopped        []string            `json:"stopped,omitempty"`
	Reclaimed      []string            `json:"reclaimed,omitempty"`
	Terminated     []string            `json:"terminated,omitempty"`
	VolumesDeleted int                 `json:"volumes_deleted"`

	DryRun      bool   `json:"dry_run,omitempty"`
	Declined    bool   `json:"declined,omitempty"`
	AuditStream string `json:"audit_stream,omitempty"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	Err error `json:"-"`
}

// Duration returns how long the run took.
func (r RegionResult) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// ConfirmationRequest describes what is about to be destroyed.
type ConfirmationRequest struct {
	Region    string
	Action    string
	Instances []fleet.Instance
}

// Confirmer approves destructive actions.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmationRequest) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, req ConfirmationRequest) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmFunc) Confirm(ctx context.Context, req ConfirmationRequest) (bool, error) {
	return f(ctx, req)
}

// Metrics receives run outcomes.
type Metrics interface {
	RecordRegionRun(ctx context.Context, region, state string, selected, terminated, volumes int, d time.Duration)
	RecordTerminated(ctx context.Context, region string, count int)
}

// Journal persists run outcomes and keeps two runs off the same region.
type Journal interface {
	Begin(ctx context.Context, region, runID string) error
	Commit(ctx context.Context, res RegionResult) error
}

// Actions for ConfirmationRequest.
const (
	ActionCleanup   = "stop, delete volumes and terminate"
	ActionTerminate = "terminate"
)
