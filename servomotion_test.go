package servomotion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlaybackStateString(t *testing.T) {
	tests := []struct {
		state    PlaybackState
		expected string
	}{
		{StateIdle, "Idle"},
		{StateLoading, "Loading"},
		{StatePlaying, "Playing"},
		{StateCompleted, "Completed"},
		{StateStopped, "Stopped"},
		{StateError, "Error"},
		{PlaybackState(42), "Idle"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestPlaybackStateActive(t *testing.T) {
	assert.True(t, StateLoading.Active())
	assert.True(t, StatePlaying.Active())
	assert.False(t, StateIdle.Active())
	assert.False(t, StateCompleted.Active())

	assert.True(t, StateStopped.Terminal())
	assert.False(t, StatePlaying.Terminal())
}

func TestParseUnits(t *testing.T) {
	u, ok := ParseUnits("pulse")
	assert.True(t, ok)
	assert.Equal(t, UnitsPulse, u)

	u, ok = ParseUnits("")
	assert.True(t, ok)
	assert.Equal(t, UnitsAngle, u)

	_, ok = ParseUnits("radians")
	assert.False(t, ok)

	min, max := UnitsPulse.DefaultBounds()
	assert.Equal(t, 150, min)
	assert.Equal(t, 600, max)
}
