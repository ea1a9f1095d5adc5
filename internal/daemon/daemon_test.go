package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/fleetreaper/internal/reaper"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	fail  bool
	block chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context) ([]reaper.RegionResult, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	ok := reaper.RegionResult{Region: "us-east-1", State: reaper.StateDone, Terminated: []string{"i-1"}}
	if !r.fail {
		return []reaper.RegionResult{ok}, nil
	}
	err := errors.New("region eu-west-1: connect: provider unavailable")
	return []reaper.RegionResult{ok, {Region: "eu-west-1", State: reaper.StateAborted, Err: err}}, err
}

func (r *fakeRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func startDaemon(t *testing.T, cfg Config, runner Runner, gatherer prometheus.Gatherer) (*Daemon, context.CancelFunc, <-chan error) {
	t.Helper()
	d, err := NewDaemon(cfg, runner, gatherer)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()
	t.Cleanup(cancel)
	return d, cancel, errCh
}

func get(t *testing.T, d *Daemon, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s%s", d.Addr(), path))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestNewDaemon(t *testing.T) {
	d, err := NewDaemon(Config{Interval: time.Hour, MetricsAddr: ":0"}, &fakeRunner{}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d.interval)
	assert.NotNil(t, d.gatherer)
	assert.NotNil(t, d.metrics)

	_, err = NewDaemon(Config{}, &fakeRunner{}, nil)
	assert.Error(t, err)
}

func TestDaemon_RunsImmediatelyThenOnInterval(t *testing.T) {
	runner := &fakeRunner{}
	d, cancel, errCh := startDaemon(t, Config{Interval: 20 * time.Millisecond}, runner, nil)

	require.Eventually(t, func() bool { return runner.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, d.CycleCount(), int64(3))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_SurvivesFailedCycles(t *testing.T) {
	runner := &fakeRunner{fail: true}
	d, _, _ := startDaemon(t, Config{Interval: 10 * time.Millisecond}, runner, nil)

	require.Eventually(t, func() bool { return runner.Calls() >= 2 }, 2*time.Second, 5*time.Millisecond)

	last := d.Health().LastCycle
	require.NotNil(t, last)
	assert.Equal(t, 2, last.Regions)
	assert.Equal(t, []string{"eu-west-1"}, last.FailedRegions)
	assert.Equal(t, 1, last.Terminated)
}

func TestDaemon_GracefulShutdownDuringCycle(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	_, cancel, errCh := startDaemon(t, Config{Interval: time.Hour, MetricsAddr: "127.0.0.1:0"}, runner, nil)

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop within timeout")
	}
	assert.Equal(t, 0, runner.Calls())
}

func TestDaemon_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	probe := prometheus.NewCounter(prometheus.CounterOpts{Name: "fleetreaper_probe_total", Help: "probe"})
	reg.MustRegister(probe)
	probe.Inc()

	runner := &fakeRunner{block: make(chan struct{})}
	d, _, _ := startDaemon(t, Config{Interval: time.Hour, MetricsAddr: "127.0.0.1:0"}, runner, reg)
	require.Eventually(t, func() bool { return d.Addr() != "" }, time.Second, 5*time.Millisecond)

	code, _ := get(t, d, "/-/healthy")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get(t, d, "/-/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code, "not ready before the first cycle")

	code, body := get(t, d, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "fleetreaper_probe_total 1")

	close(runner.block)
	require.Eventually(t, func() bool { return runner.Calls() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		code, _ := get(t, d, "/-/ready")
		return code == http.StatusOK
	}, time.Second, 5*time.Millisecond)

	code, body = get(t, d, "/health")
	assert.Equal(t, http.StatusOK, code)
	var health HealthStatus
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, int64(1), health.Cycles)
	require.NotNil(t, health.LastCycle)
	assert.Equal(t, 1, health.LastCycle.Terminated)
}

func TestDaemon_ListenFailure(t *testing.T) {
	d, err := NewDaemon(Config{Interval: time.Hour, MetricsAddr: "256.0.0.1:bad"}, &fakeRunner{}, nil)
	require.NoError(t, err)

	err = d.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}
