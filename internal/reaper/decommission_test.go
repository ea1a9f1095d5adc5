package reaper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/fleetreaper/internal/provider/fake"
	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

func namedCloud() *fake.Cloud {
	c := fake.New("us-east-1")
	solr := map[string]string{NameTag: "solr-1"}
	c.AddInstance(fleet.Instance{ID: "i-live", Name: "solr-1", State: fleet.StateRunning, Tags: solr, LaunchTime: launchedDaysAgo(1)})
	c.AddInstance(fleet.Instance{ID: "i-stopped", Name: "solr-1", State: fleet.StateStopped, Tags: solr, LaunchTime: launchedDaysAgo(40)})
	c.AddInstance(fleet.Instance{ID: "i-dead", Name: "solr-1", State: fleet.StateTerminated, Tags: solr, LaunchTime: launchedDaysAgo(90)})
	c.AddInstance(fleet.Instance{ID: "i-other", Name: "kafka-1", State: fleet.StateRunning,
		Tags: map[string]string{NameTag: "kafka-1"}, LaunchTime: launchedDaysAgo(90)})
	return c
}

func TestDecommission_TerminatesMatches(t *testing.T) {
	cloud := namedCloud()
	m := &fakeMetrics{}
	var asked []string
	r := newTestReaper(map[string]*fake.Cloud{"us-east-1": cloud}, testOptions("us-east-1")).
		WithMetrics(m).
		WithConfirmer(ConfirmFunc(func(_ context.Context, req ConfirmationRequest) (bool, error) {
			assert.Equal(t, ActionTerminate, req.Action)
			require.Len(t, req.Instances, 1)
			asked = append(asked, req.Instances[0].ID)
			return true, nil
		}))

	res, err := r.Decommission(context.Background(), "us-east-1", "solr-1")

	require.NoError(t, err)
	assert.Equal(t, []string{"i-live", "i-stopped", "i-dead"}, res.Matched)
	assert.Equal(t, []string{"i-dead"}, res.AlreadyTerminated)
	assert.Equal(t, []string{"i-live", "i-stopped"}, res.Terminated)
	assert.Equal(t, []string{"i-live", "i-stopped"}, asked, "terminated instances are never offered")
	assert.Equal(t, stream, res.AuditStream)

	assert.Equal(t, []string{"terminate:i-live", "terminate:i-stopped"}, cloud.Calls())
	assert.Equal(t, fleet.StateRunning, cloud.Instance("i-other").State)
	assert.Equal(t, 2, m.terminated)

	msgs := cloud.Messages(group, stream)
	require.Len(t, msgs, 3)
	assert.Equal(t, "decommissioning i-live (Name=solr-1, running)", msgs[1])
}

func TestDecommission_DeclinedPerInstance(t *testing.T) {
	cloud := namedCloud()
	r := newTestReaper(map[string]*fake.Cloud{"us-east-1": cloud}, testOptions("us-east-1")).
		WithConfirmer(ConfirmFunc(func(_ context.Context, req ConfirmationRequest) (bool, error) {
			return req.Instances[0].ID == "i-stopped", nil
		}))

	res, err := r.Decommission(context.Background(), "us-east-1", "solr-1")

	require.NoError(t, err)
	assert.Equal(t, []string{"i-live"}, res.Declined)
	assert.Equal(t, []string{"i-stopped"}, res.Terminated)
	assert.Equal(t, fleet.StateRunning, cloud.Instance("i-live").State)
}

func TestDecommission_DryRun(t *testing.T) {
	cloud := namedCloud()
	opts := testOptions("us-east-1")
	opts.DryRun = true

	res, err := newTestReaper(map[string]*fake.Cloud{"us-east-1": cloud}, opts).
		Decommission(context.Background(), "us-east-1", "solr-1")

	require.NoError(t, err)
	assert.Len(t, res.Matched, 3)
	assert.Empty(t, res.Terminated)
	assert.Empty(t, cloud.Calls())
	assert.Empty(t, cloud.Streams())
}

func TestDecommission_NotFound(t *testing.T) {
	cloud := namedCloud()
	_, err := newTestReaper(map[string]*fake.Cloud{"us-east-1": cloud}, testOptions("us-east-1")).
		Decommission(context.Background(), "us-east-1", "zookeeper-9")

	assert.ErrorIs(t, err, fleet.ErrNotFound)
	assert.Empty(t, cloud.Streams(), "no audit stream for a name that matches nothing")
}

func TestDecommission_UnknownRegion(t *testing.T) {
	_, err := newTestReaper(map[string]*fake.Cloud{}, testOptions("us-east-1")).
		Decommission(context.Background(), "us-east-1", "solr-1")

	assert.ErrorIs(t, err, fleet.ErrProviderUnavailable)
}
