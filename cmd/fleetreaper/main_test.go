package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/fleetreaper/internal/config"
	"github.com/yairfalse/fleetreaper/internal/provider"
	"github.com/yairfalse/fleetreaper/internal/provider/fake"
	"github.com/yairfalse/fleetreaper/internal/reaper"
	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

const testConfig = `
[aws]
regions = ["us-east-1", "eu-west-1"]
profile = "test"

[policy]
uptime_threshold_days = 7
exempt_tag = "keep-alive"

[audit]
log_group = "fleet-cleanup"
stream_prefix = "reaper"

[poll]
interval = "1ms"
max_attempts = 50

[state]
path = %q

[log]
level = "error"
`

type testEnv struct {
	configPath string
	clouds     map[string]*fake.Cloud
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetreaper.toml")
	content := fmt.Sprintf(testConfig, filepath.Join(dir, "state.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	env := &testEnv{configPath: path, clouds: make(map[string]*fake.Cloud)}
	for _, region := range []string{"us-east-1", "eu-west-1"} {
		c := fake.New(region)
		c.AddInstance(fleet.Instance{
			ID: "i-old-" + region, Name: "solr-1", State: fleet.StateRunning,
			Tags:       map[string]string{"Name": "solr-1"},
			LaunchTime: time.Now().Add(-30 * fleet.Day),
		})
		c.AddInstance(fleet.Instance{
			ID: "i-new-" + region, Name: "solr-2", State: fleet.StateRunning,
			Tags:       map[string]string{"Name": "solr-2"},
			LaunchTime: time.Now().Add(-time.Hour),
		})
		c.AddVolume(fleet.Volume{ID: "vol-" + region, InstanceID: "i-old-" + region, Status: fleet.VolumeInUse})
		env.clouds[region] = c
	}

	saved := newFactory
	newFactory = func(*config.Config) provider.Factory {
		return func(_ context.Context, region string) (provider.Cloud, error) {
			c, ok := env.clouds[region]
			if !ok {
				return nil, fmt.Errorf("%w: %s", fleet.ErrProviderUnavailable, region)
			}
			return c, nil
		}
	}
	t.Cleanup(func() { newFactory = saved })
	return env
}

func (e *testEnv) run(stdin string, args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestPlan_ChangesNothing(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run("", "plan")

	require.NoError(t, err)
	assert.Contains(t, out, "Plan for us-east-1")
	assert.Contains(t, out, "i-old-us-east-1")
	assert.Contains(t, out, "too-young")
	for _, c := range env.clouds {
		assert.Empty(t, c.Calls())
		assert.Empty(t, c.Streams())
	}
}

func TestRun_Yes(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run("", "run", "--yes")

	require.NoError(t, err)
	assert.Contains(t, out, "reaper_")
	for region, c := range env.clouds {
		assert.Equal(t, fleet.StateTerminated, c.Instance("i-old-"+region).State)
		assert.Equal(t, fleet.StateRunning, c.Instance("i-new-"+region).State)
		assert.Equal(t, fleet.VolumeDeleted, c.Volume("vol-"+region).Status)
	}

	out, err = env.run("", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "us-east-1")
	assert.Contains(t, out, "eu-west-1")
	assert.Contains(t, out, "done")
}

func TestRun_PromptDeclined(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run("n\nn\n", "run")

	require.NoError(t, err)
	assert.Contains(t, out, "Proceed? [y/N]")
	assert.Contains(t, out, "declined")
	for _, c := range env.clouds {
		assert.Empty(t, c.Calls())
	}
}

func TestRun_ConcurrentRegionsPromptOneAtATime(t *testing.T) {
	env := newTestEnv(t)
	f, err := os.OpenFile(env.configPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("\n[reaper]\nconcurrent_regions = true\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out, err := env.run("y\nn\n", "run")
	require.NoError(t, err)

	first := strings.Index(out, "Proceed? [y/N]")
	require.Positive(t, first)
	assert.Equal(t, 1, strings.Count(out[:first], "About to"), "second prompt printed before the first was answered")
	assert.Equal(t, 2, strings.Count(out, "Proceed? [y/N]"))

	approved, declined := "us-east-1", "eu-west-1"
	if strings.Index(out, "terminate in eu-west-1") < strings.Index(out, "terminate in us-east-1") {
		approved, declined = declined, approved
	}
	assert.Equal(t, fleet.StateTerminated, env.clouds[approved].Instance("i-old-"+approved).State)
	assert.Equal(t, fleet.StateRunning, env.clouds[declined].Instance("i-old-"+declined).State)
	assert.Empty(t, env.clouds[declined].Calls())
}

func TestRun_RegionFilter(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run("", "run", "--yes", "--region", "eu-west-1")

	require.NoError(t, err)
	assert.Empty(t, env.clouds["us-east-1"].Calls())
	assert.NotEmpty(t, env.clouds["eu-west-1"].Calls())

	_, err = env.run("", "run", "--yes", "--region", "ap-south-1")
	assert.ErrorContains(t, err, "not configured")
}

func TestRun_FailedRegionExitsNonZero(t *testing.T) {
	env := newTestEnv(t)
	delete(env.clouds, "eu-west-1")

	out, err := env.run("", "run", "--yes")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 regions failed")
	assert.ErrorIs(t, err, fleet.ErrProviderUnavailable)
	assert.Contains(t, out, "aborted")
	assert.Equal(t, fleet.StateTerminated, env.clouds["us-east-1"].Instance("i-old-us-east-1").State)
}

func TestRun_JSONOutput(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run("", "run", "--dry-run", "-o", "json")

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "["))
	assert.Contains(t, out, `"region": "us-east-1"`)

	_, err = env.run("", "run", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestDecommission(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run("", "decommission", "solr-2")
	assert.ErrorContains(t, err, "--region is required")

	out, err := env.run("", "decommission", "solr-2", "--region", "us-east-1", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "terminated")
	assert.Equal(t, fleet.StateTerminated, env.clouds["us-east-1"].Instance("i-new-us-east-1").State)
	assert.Empty(t, env.clouds["eu-west-1"].Calls())

	_, err = env.run("", "decommission", "zookeeper", "--region", "us-east-1", "--yes")
	assert.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestHistory_Unlock(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run("", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "no runs recorded")

	out, err = env.run("", "history", "--unlock", "us-east-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Released lock on us-east-1")
}

func TestConfigErrors(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.toml"), "plan"})
	cmd.SetOut(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}

func TestPromptConfirmer(t *testing.T) {
	req := reaper.ConfirmationRequest{
		Region: "us-east-1",
		Action: reaper.ActionCleanup,
		Instances: []fleet.Instance{
			{ID: "i-1", Name: "solr-1", State: fleet.StateRunning, LaunchTime: time.Now().Add(-9 * fleet.Day)},
			{ID: "i-2", State: fleet.StateRunning, LaunchTime: time.Now().Add(-8 * fleet.Day)},
		},
	}

	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"\n", false},
		{"sure\n", false},
		{"", false},
		{"y", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.input), func(t *testing.T) {
			var out bytes.Buffer
			ok, err := newPromptConfirmer(strings.NewReader(tt.input), &out).Confirm(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.Contains(t, out.String(), "stop, delete volumes and terminate in us-east-1")
			assert.Contains(t, out.String(), "solr-1")
			assert.Contains(t, out.String(), "up 9d")
		})
	}
}
