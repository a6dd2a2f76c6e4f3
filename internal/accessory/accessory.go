// Package accessory binds bulbs to the characteristic model that accessory
// hosts (MQTT discovery, the persistent cache) consume.
package accessory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/milight"
)

// Manufacturer is reported for every accessory.
const Manufacturer = "Milight"

// Namespace seeds accessory UUIDs. Changing it re-keys every accessory.
var Namespace = uuid.MustParse("6f1c3a52-8d0e-4b8f-9a57-3c1a7e5d2b90")

// Property names one characteristic of a light.
type Property string

const (
	PropertyPower            Property = "power"
	PropertyBrightness       Property = "brightness"
	PropertyHue              Property = "hue"
	PropertySaturation       Property = "saturation"
	PropertyColorTemperature Property = "color_temperature"

	// PropertyMode carries the observed bulb_mode. It is reported, never set.
	PropertyMode Property = "mode"
)

// Properties lists every property in publication order.
var Properties = []Property{
	PropertyPower,
	PropertyBrightness,
	PropertyHue,
	PropertySaturation,
	PropertyColorTemperature,
}

// Characteristic is a bound get/set pair for one property.
type Characteristic struct {
	Property Property
	Min, Max int
	Get      func(ctx context.Context) (any, error)
	Set      func(ctx context.Context, value any) error
}

// Accessory is the host-facing view of one bulb.
type Accessory struct {
	ID             string
	UUID           uuid.UUID
	DisplayName    string
	Model          string
	SerialNumber   string
	AutoDiscovered bool
	Identity       milight.Identity
	Capabilities   milight.Capabilities

	characteristics map[Property]Characteristic
	identify        func(ctx context.Context) error
}

// UUIDFor returns the stable UUID of the accessory with the given identifier.
func UUIDFor(identifier string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte("Milight "+identifier))
}

// New builds an accessory around a bulb. Hue and saturation are bound only
// for colour bulbs; colour temperature only for white-temperature bulbs.
func New(b *bulb.Bulb, name string, autoDiscovered bool) *Accessory {
	id := b.Identity()
	if name == "" {
		name = id.Identifier()
	}

	a := &Accessory{
		ID:              id.Identifier(),
		UUID:            UUIDFor(id.Identifier()),
		DisplayName:     name,
		Model:           string(id.Type),
		SerialNumber:    fmt.Sprintf("%s-%s-%s", id.DeviceID, id.Type, id.Group),
		AutoDiscovered:  autoDiscovered,
		Identity:        id,
		Capabilities:    b.Capabilities(),
		characteristics: make(map[Property]Characteristic),
		identify:        b.Identify,
	}

	a.bind(Characteristic{
		Property: PropertyPower,
		Min:      0,
		Max:      1,
		Get: func(ctx context.Context) (any, error) {
			return b.Power(ctx)
		},
		Set: func(ctx context.Context, value any) error {
			on, err := toBool(value)
			if err != nil {
				return err
			}
			return b.SetPower(ctx, on)
		},
	})
	a.bind(numeric(PropertyBrightness, 0, 255, b.Brightness, b.SetBrightness))

	if a.Capabilities.Color {
		a.bind(numeric(PropertyHue, 0, 359, b.Hue, b.SetHue))
		a.bind(numeric(PropertySaturation, 0, 100, b.Saturation, b.SetSaturation))
	}
	if a.Capabilities.WhiteTemperature {
		a.bind(numeric(PropertyColorTemperature, 153, 370, b.ColorTemperature, b.SetColorTemperature))
	}

	return a
}

func numeric(
	p Property,
	lo, hi int,
	get func(context.Context) (int, error),
	set func(context.Context, float64) error,
) Characteristic {
	return Characteristic{
		Property: p,
		Min:      lo,
		Max:      hi,
		Get: func(ctx context.Context) (any, error) {
			return get(ctx)
		},
		Set: func(ctx context.Context, value any) error {
			f, err := toFloat(value)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			return set(ctx, f)
		},
	}
}

func (a *Accessory) bind(c Characteristic) {
	a.characteristics[c.Property] = c
}

// Characteristic returns the binding for p, if the accessory exposes it.
func (a *Accessory) Characteristic(p Property) (Characteristic, bool) {
	c, ok := a.characteristics[p]
	return c, ok
}

// Supports reports whether the accessory exposes p.
func (a *Accessory) Supports(p Property) bool {
	_, ok := a.characteristics[p]
	return ok
}

// Set writes one property through its bound setter.
func (a *Accessory) Set(ctx context.Context, p Property, value any) error {
	c, ok := a.characteristics[p]
	if !ok {
		return fmt.Errorf("%w: %w: %s on %s", milight.ErrInvalidArgument, milight.ErrUnsupported, p, a.ID)
	}
	return c.Set(ctx, value)
}

// Get reads one property through its bound getter.
func (a *Accessory) Get(ctx context.Context, p Property) (any, error) {
	c, ok := a.characteristics[p]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s on %s", milight.ErrInvalidArgument, milight.ErrUnsupported, p, a.ID)
	}
	return c.Get(ctx)
}

// Identify blinks the bulb.
func (a *Accessory) Identify(ctx context.Context) error {
	if a.identify == nil {
		return nil
	}
	return a.identify(ctx)
}

// Values maps a device state onto the accessory's exposed properties.
// Fields the hub did not report are left out.
func (a *Accessory) Values(state milight.DeviceState) map[Property]any {
	values := make(map[Property]any, len(a.characteristics))
	put := func(p Property, v any) {
		if a.Supports(p) {
			values[p] = v
		}
	}

	if state.Powered != nil {
		put(PropertyPower, *state.Powered)
	}
	if state.Brightness != nil {
		put(PropertyBrightness, *state.Brightness)
	}
	if state.Hue != nil {
		put(PropertyHue, *state.Hue)
	}
	if state.Saturation != nil {
		put(PropertySaturation, *state.Saturation)
	}
	if state.Temperature != nil {
		put(PropertyColorTemperature, *state.Temperature)
	}
	if state.Mode != milight.ModeUnknown {
		values[PropertyMode] = string(state.Mode)
	}
	return values
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "on", "true", "1":
			return true, nil
		case "off", "false", "0":
			return false, nil
		}
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	}
	return false, fmt.Errorf("%w: cannot use %v (%T) as power state", milight.ErrInvalidArgument, v, v)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("%w: cannot use %v (%T) as a number", milight.ErrInvalidArgument, v, v)
}
