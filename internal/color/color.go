// Package color converts between the colour representations used by the
// Milight hub (RGB, mireds) and the ones used by accessories (HSV, Kelvin).
package color

import "math"

// RGB is a colour with channels in [0,255].
type RGB struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

// HSV holds hue in [0,359], saturation and value in [0,100].
type HSV struct {
	H int
	S int
	V int
}

// HSL holds hue in [0,359], saturation and lightness in [0,100].
type HSL struct {
	H int
	S int
	L int
}

// RGBToHSV converts an RGB colour to HSV.
// ok is false when any channel is non-finite or outside [0,255].
func RGBToHSV(c RGB) (hsv HSV, ok bool) {
	if !validChannel(c.R) || !validChannel(c.G) || !validChannel(c.B) {
		return HSV{}, false
	}

	r, g, b := c.R/255, c.G/255, c.B/255
	minRGB := math.Min(r, math.Min(g, b))
	maxRGB := math.Max(r, math.Max(g, b))

	// Black, grey, white
	if minRGB == maxRGB {
		return HSV{H: 0, S: 0, V: round(minRGB * 100)}, true
	}

	var d, sector float64
	switch minRGB {
	case r:
		d, sector = g-b, 3
	case b:
		d, sector = r-g, 1
	default:
		d, sector = b-r, 5
	}

	h := 60 * (sector - d/(maxRGB-minRGB))

	return HSV{
		H: normalizeHue(round(h)),
		S: round((maxRGB - minRGB) / maxRGB * 100),
		V: round(maxRGB * 100),
	}, true
}

// RGBToHSL converts an RGB colour to HSL. A nil colour is treated as black.
func RGBToHSL(c *RGB) HSL {
	if c == nil {
		c = &RGB{}
	}

	r, g, b := c.R/255, c.G/255, c.B/255
	maxRGB := math.Max(r, math.Max(g, b))
	minRGB := math.Min(r, math.Min(g, b))
	l := (maxRGB + minRGB) / 2

	if maxRGB == minRGB {
		return HSL{H: 0, S: 0, L: round(l * 100)}
	}

	d := maxRGB - minRGB
	var s float64
	if l > 0.5 {
		s = d / (2 - maxRGB - minRGB)
	} else {
		s = d / (maxRGB + minRGB)
	}

	var h float64
	switch maxRGB {
	case r:
		h = (g - b) / d
		if g < b {
			h += 6
		}
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	h /= 6

	return HSL{
		H: normalizeHue(round(h * 360)),
		S: round(s * 100),
		L: round(l * 100),
	}
}

// ColorTemperatureToRGB approximates the colour of a black body at the given
// temperature in Kelvin (Tanner Helland). Meaningful between 1000K and 40000K.
func ColorTemperatureToRGB(kelvin float64) RGB {
	temp := kelvin / 100

	var red, green, blue float64
	if temp <= 66 {
		red = 255
		green = 99.4708025861*math.Log(temp) - 161.1195681661

		if temp <= 19 {
			blue = 0
		} else {
			blue = 138.5177312231*math.Log(temp-10) - 305.0447927307
		}
	} else {
		red = 329.698727446 * math.Pow(temp-60, -0.1332047592)
		green = 288.1221695283 * math.Pow(temp-60, -0.0755148492)
		blue = 255
	}

	return RGB{
		R: clamp(red, 0, 255),
		G: clamp(green, 0, 255),
		B: clamp(blue, 0, 255),
	}
}

// MiredToKelvin converts a colour temperature in mireds to Kelvin.
func MiredToKelvin(mired float64) float64 {
	return 1e6 / mired
}

// LevelToBrightness rescales a 0-100 percentage to the 0-255 brightness scale.
func LevelToBrightness(level float64) int {
	return int(clamp(math.Round(level*255/100), 0, 255))
}

// BrightnessToLevel rescales a 0-255 brightness to a 0-100 percentage.
func BrightnessToLevel(brightness int) int {
	return int(clamp(math.Round(float64(brightness)*100/255), 0, 100))
}

func validChannel(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v <= 255
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) || x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func round(v float64) int {
	return int(math.Round(v))
}

func normalizeHue(h int) int {
	h %= 360
	if h < 0 {
		h += 360
	}
	return h
}
