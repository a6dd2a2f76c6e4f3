package milight

import (
	"github.com/dokzlo13/milightd/internal/color"
)

// Mode is the bulb's rendering mode as reported by the hub.
type Mode string

const (
	ModeUnknown Mode = ""
	ModeWhite   Mode = "white"
	ModeColor   Mode = "color"
)

// DeviceState is the canonical, hub-normalised state of a bulb.
// Nil fields were not reported by the hub.
type DeviceState struct {
	Powered     *bool `json:"powered,omitempty"`
	Mode        Mode  `json:"mode,omitempty"`
	Brightness  *int  `json:"brightness,omitempty"`  // 0-255
	Hue         *int  `json:"hue,omitempty"`         // 0-359
	Saturation  *int  `json:"saturation,omitempty"`  // 0-100
	Temperature *int  `json:"temperature,omitempty"` // mireds
}

// About is the hub's /about document.
type About struct {
	Variant   string `json:"variant"`
	Version   string `json:"version"`
	IPAddress string `json:"ip_address"`
}

// Alias is a named device registered on the hub (from /settings group_id_aliases).
type Alias struct {
	Name     string
	Identity Identity
}

// rawState is the hub's device state document. Fields are decoded loosely so
// that a wrongly typed field nulls that field instead of failing the body.
type rawState map[string]any

// parseState is the shared state-parsing algorithm for GET and PUT responses.
func parseState(raw rawState) DeviceState {
	var state DeviceState

	switch raw["state"] {
	case "ON":
		state.Powered = boolPtr(true)
	case "OFF":
		state.Powered = boolPtr(false)
	}

	switch raw["bulb_mode"] {
	case "white":
		state.Mode = ModeWhite
	case "color":
		state.Mode = ModeColor
	}

	colorTemp, hasTemp := number(raw["color_temp"])

	// In white mode the hub keeps the previous colour around for recall; the
	// visible colour is the one implied by the colour temperature.
	var effective *color.RGB
	if state.Mode == ModeWhite && hasTemp {
		rgb := color.ColorTemperatureToRGB(color.MiredToKelvin(colorTemp))
		effective = &rgb
	} else if rgb, ok := rgbValue(raw["color"]); ok {
		effective = &rgb
	}

	if effective != nil {
		if hsv, ok := color.RGBToHSV(*effective); ok {
			state.Hue = intPtr(hsv.H)
			state.Saturation = intPtr(hsv.S)
		}
	}

	if hasTemp {
		state.Temperature = intPtr(roundInt(colorTemp))
	}

	// The hub's brightness field is passed through unscaled: the REST API
	// takes and reports 0-255 and does its own radio-side mapping. Only the
	// percentage level is rescaled.
	if b, ok := number(raw["brightness"]); ok {
		state.Brightness = intPtr(clampInt(roundInt(b), 0, 255))
	} else if level, ok := number(raw["level"]); ok {
		state.Brightness = intPtr(color.LevelToBrightness(level))
	}

	return state
}

func rgbValue(v any) (color.RGB, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return color.RGB{}, false
	}
	r, okR := number(m["r"])
	g, okG := number(m["g"])
	b, okB := number(m["b"])
	if !okR || !okG || !okB {
		return color.RGB{}, false
	}
	return color.RGB{R: r, G: g, B: b}, true
}
