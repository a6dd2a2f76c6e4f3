package bulb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dokzlo13/milightd/internal/milight"
)

func TestPlanTemperature(t *testing.T) {
	tests := []struct {
		name string
		mode milight.Mode
		want []Step
	}{
		{"white", milight.ModeWhite, []Step{StepSetTemperature}},
		{"color", milight.ModeColor, []Step{StepSwitchWhite, StepSetTemperature}},
		{"unknown", milight.ModeUnknown, []Step{StepSwitchWhite, StepSetTemperature}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlanTemperature(tt.mode))
		})
	}
}

func TestStepString(t *testing.T) {
	assert.Equal(t, "switch_white", StepSwitchWhite.String())
	assert.Equal(t, "set_temperature", StepSetTemperature.String())
	assert.Equal(t, "unknown", Step(42).String())
}

func TestContextObserveKeepsKnownMode(t *testing.T) {
	var c Context
	at := time.Unix(100, 0)

	c.observe(milight.DeviceState{Mode: milight.ModeColor}, at)
	c.observe(milight.DeviceState{}, at.Add(time.Second))

	assert.Equal(t, milight.ModeColor, c.State.Mode)
	assert.Equal(t, at.Add(time.Second), c.SyncedAt)
}

func TestContextAge(t *testing.T) {
	var c Context
	now := time.Unix(1000, 0)
	assert.False(t, c.Synced())
	assert.Greater(t, c.Age(now), 100*365*24*time.Hour)

	c.SyncedAt = now.Add(-5 * time.Second)
	assert.Equal(t, 5*time.Second, c.Age(now))
}
