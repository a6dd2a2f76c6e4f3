package bulb

import "github.com/dokzlo13/milightd/internal/milight"

// Step is one hub call in a colour temperature change.
type Step int

const (
	// StepSwitchWhite forces the bulb into white mode with the queued
	// set_white command.
	StepSwitchWhite Step = iota
	// StepSetTemperature writes color_temp.
	StepSetTemperature
)

// String returns a human-readable name for the step.
func (s Step) String() string {
	switch s {
	case StepSwitchWhite:
		return "switch_white"
	case StepSetTemperature:
		return "set_temperature"
	default:
		return "unknown"
	}
}

// PlanTemperature returns the ordered hub calls needed to set a colour
// temperature from the given mode. The hub ignores temperature writes
// outside white mode, so any other mode (including unknown) switches first.
func PlanTemperature(mode milight.Mode) []Step {
	if mode == milight.ModeWhite {
		return []Step{StepSetTemperature}
	}
	return []Step{StepSwitchWhite, StepSetTemperature}
}
