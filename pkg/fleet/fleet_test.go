package fleet

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstance_UptimeDaysTruncates(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		launch time.Time
		want   int
	}{
		{"just launched", now, 0},
		{"23 hours", now.Add(-23 * time.Hour), 0},
		{"exactly seven days", now.Add(-7 * Day), 7},
		{"seven days and 23 hours", now.Add(-7*Day - 23*time.Hour), 7},
		{"launch in other zone", now.Add(-2 * Day).In(time.FixedZone("CET", 3600)), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := Instance{LaunchTime: tt.launch}
			assert.Equal(t, tt.want, inst.UptimeDays(now))
		})
	}
}

func TestInstance_SpotAndTags(t *testing.T) {
	inst := Instance{Tags: map[string]string{"keep": ""}}
	assert.False(t, inst.IsSpot())
	assert.True(t, inst.HasTag("keep"), "empty tag value still counts")
	assert.False(t, inst.HasTag("Name"))

	inst.SpotRequestID = "sir-123"
	assert.True(t, inst.IsSpot())

	var bare Instance
	assert.False(t, bare.HasTag("keep"))
}

func TestStates(t *testing.T) {
	assert.True(t, StateTerminated.Final())
	assert.True(t, StateShuttingDown.Final())
	assert.False(t, StateStopping.Final())

	assert.True(t, VolumeDeleting.Gone())
	assert.False(t, VolumeInUse.Gone())
}

func TestRetentionPolicy_Validate(t *testing.T) {
	require.NoError(t, RetentionPolicy{UptimeThresholdDays: 0, ExemptTag: "keep"}.Validate())
	require.Error(t, RetentionPolicy{UptimeThresholdDays: -1, ExemptTag: "keep"}.Validate())
	require.Error(t, RetentionPolicy{UptimeThresholdDays: 7}.Validate())
}

func TestStateTransitionTimeoutError_Is(t *testing.T) {
	err := fmt.Errorf("reclaim i-1: %w", &StateTransitionTimeoutError{
		ResourceID: "i-1",
		Want:       "stopped",
		Last:       "stopping",
		Attempts:   3,
		Elapsed:    45 * time.Second,
	})

	assert.True(t, errors.Is(err, ErrStateTransitionTimeout))
	assert.False(t, errors.Is(err, ErrProviderUnavailable))
	assert.Contains(t, err.Error(), `i-1 never reached "stopped"`)

	var timeout *StateTransitionTimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, 3, timeout.Attempts)
}
