package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/fleetreaper/internal/poll"
	"github.com/yairfalse/fleetreaper/internal/provider"
	"github.com/yairfalse/fleetreaper/internal/provider/fake"
	"github.com/yairfalse/fleetreaper/internal/reaper"
	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

var t0 = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func result(region, runID string, started time.Time, state reaper.State) reaper.RegionResult {
	return reaper.RegionResult{
		RunID:          runID,
		Region:         region,
		State:          state,
		Batch:          fleet.CleanupBatch{Region: region, InstanceIDs: []string{"i-1", "i-2"}},
		Terminated:     []string{"i-1", "i-2"},
		VolumesDeleted: 3,
		AuditStream:    "reaper_" + started.Format("20060102T150405Z"),
		Started:        started,
		Finished:       started.Add(4 * time.Minute),
	}
}

func TestStore_BeginCommit(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Begin(ctx, "us-east-1", "run-1"))
	locks, err := s.Locks()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"us-east-1": "run-1"}, locks)

	require.NoError(t, s.Commit(ctx, result("us-east-1", "run-1", t0, reaper.StateDone)))

	locks, err = s.Locks()
	require.NoError(t, err)
	assert.Empty(t, locks)

	latest := s.Latest()
	require.Len(t, latest, 1)
	rec := latest[0]
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, "done", rec.State)
	assert.Equal(t, []string{"i-1", "i-2"}, rec.Selected)
	assert.Equal(t, 3, rec.VolumesDeleted)
	assert.Equal(t, 4*time.Minute, rec.Duration())
	assert.Empty(t, rec.Error)
}

func TestStore_RegionLock(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Begin(ctx, "us-east-1", "run-1"))

	err := s.Begin(ctx, "us-east-1", "run-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegionLocked)
	assert.Contains(t, err.Error(), "run-1")

	// other regions are independent
	require.NoError(t, s.Begin(ctx, "eu-west-1", "run-2"))

	// a foreign release leaves the lock alone
	require.NoError(t, s.Release("us-east-1", "run-2"))
	assert.ErrorIs(t, s.Acquire("us-east-1", "run-3"), ErrRegionLocked)

	require.NoError(t, s.Unlock("us-east-1"))
	assert.NoError(t, s.Acquire("us-east-1", "run-3"))
}

func TestStore_RecordsFailure(t *testing.T) {
	s, _ := openStore(t)
	res := result("us-east-1", "run-1", t0, reaper.StateAborted)
	res.FailedIn = reaper.StateReclaimingVolumes
	res.Terminated = nil
	res.Err = errors.New("region us-east-1: reclaim i-1: delete vol-9: boom")

	require.NoError(t, s.Save(FromResult(res)))

	rec := s.Latest()[0]
	assert.Equal(t, "aborted", rec.State)
	assert.Equal(t, "reclaiming-volumes", rec.FailedIn)
	assert.Contains(t, rec.Error, "boom")
	assert.Empty(t, rec.Terminated)
}

func TestStore_LatestPerRegion(t *testing.T) {
	s, _ := openStore(t)

	require.NoError(t, s.Save(FromResult(result("us-east-1", "run-2", t0.Add(time.Hour), reaper.StateDone))))
	require.NoError(t, s.Save(FromResult(result("us-east-1", "run-1", t0, reaper.StateDone))))
	require.NoError(t, s.Save(FromResult(result("eu-west-1", "run-3", t0, reaper.StateAborted))))

	latest := s.Latest()
	require.Len(t, latest, 2)
	assert.Equal(t, "eu-west-1", latest[0].Region)
	assert.Equal(t, "us-east-1", latest[1].Region)
	assert.Equal(t, "run-2", latest[1].RunID, "an older run saved later does not win")
}

func TestStore_List(t *testing.T) {
	s, _ := openStore(t)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, s.Save(FromResult(result("us-east-1", id, t0.Add(time.Duration(i)*time.Hour), reaper.StateDone))))
	}
	require.NoError(t, s.Save(FromResult(result("us-east-10", "run-x", t0, reaper.StateDone))))
	require.NoError(t, s.Save(FromResult(result("eu-west-1", "run-y", t0, reaper.StateDone))))

	all, err := s.List("us-east-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-c", all[0].RunID)
	assert.Equal(t, "run-a", all[2].RunID)

	two, err := s.List("us-east-1", 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	last, err := s.List("us-east-10", 0)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "run-x", last[0].RunID)

	none, err := s.List("ap-south-1", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_Reopen(t *testing.T) {
	s, path := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Begin(ctx, "us-east-1", "run-1"))
	require.NoError(t, s.Commit(ctx, result("us-east-1", "run-1", t0, reaper.StateDone)))
	require.NoError(t, s.Begin(ctx, "eu-west-1", "run-2"))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	latest := reopened.Latest()
	require.Len(t, latest, 1)
	assert.Equal(t, "run-1", latest[0].RunID)
	assert.True(t, t0.Equal(latest[0].Started))

	// a lock left by a dead process survives the restart
	assert.ErrorIs(t, reopened.Acquire("eu-west-1", "run-3"), ErrRegionLocked)
}

func TestStore_GuardsReaperRuns(t *testing.T) {
	s, _ := openStore(t)
	cloud := fake.New("us-east-1")
	cloud.AddInstance(fleet.Instance{ID: "i-old", State: fleet.StateRunning, LaunchTime: t0.Add(-30 * fleet.Day)})

	factory := func(context.Context, string) (provider.Cloud, error) { return cloud, nil }
	r := reaper.New(factory, reaper.Options{
		Regions:      []string{"us-east-1"},
		Policy:       fleet.RetentionPolicy{UptimeThresholdDays: 7, ExemptTag: "keep"},
		Poll:         poll.Policy{Interval: time.Millisecond, MaxAttempts: 10},
		LogGroup:     "fleet",
		StreamPrefix: "reaper",
	}).WithJournal(s).WithClock(func() time.Time { return t0 })

	require.NoError(t, s.Acquire("us-east-1", "stuck-run"))
	res := r.RunRegion(context.Background(), "us-east-1")
	assert.ErrorIs(t, res.Err, ErrRegionLocked)
	assert.Empty(t, cloud.Calls())
	assert.Empty(t, s.Latest())

	require.NoError(t, s.Unlock("us-east-1"))
	res = r.RunRegion(context.Background(), "us-east-1")
	require.NoError(t, res.Err)

	latest := s.Latest()
	require.Len(t, latest, 1)
	assert.Equal(t, res.RunID, latest[0].RunID)
	assert.Equal(t, []string{"i-old"}, latest[0].Terminated)

	locks, err := s.Locks()
	require.NoError(t, err)
	assert.Empty(t, locks)
}
