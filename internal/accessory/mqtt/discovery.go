package mqtt

import (
	"encoding/json"
	"strings"

	"github.com/dokzlo13/milightd/internal/accessory"
	"github.com/dokzlo13/milightd/internal/milight"
)

// message is one MQTT publication.
type message struct {
	Topic   string
	Payload []byte // empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SerialNumber string   `json:"serial_number,omitempty"`
}

// haLight is a JSON-schema light discovery payload.
type haLight struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	Schema              string   `json:"schema"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	Brightness          bool     `json:"brightness"`
	BrightnessScale     int      `json:"brightness_scale"`
	SupportedColorModes []string `json:"supported_color_modes"`
	MinMireds           int      `json:"min_mireds,omitempty"`
	MaxMireds           int      `json:"max_mireds,omitempty"`
	Device              haDevice `json:"device"`
}

// haButton is a button discovery payload.
type haButton struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	CommandTopic      string   `json:"command_topic"`
	PayloadPress      string   `json:"payload_press"`
	AvailabilityTopic string   `json:"availability_topic"`
	DeviceClass       string   `json:"device_class"`
	EntityCategory    string   `json:"entity_category"`
	Device            haDevice `json:"device"`
}

// topics groups the per-accessory topic names.
type topics struct {
	state        string
	command      string
	identify     string
	lightConfig  string
	buttonConfig string
}

func nodeID(id string) string {
	return "milight_" + sanitize(id)
}

// sanitize lowercases and keeps only topic-safe characters.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

func topicsFor(cfg Config, id string) topics {
	base := cfg.TopicPrefix + "/" + sanitize(id)
	node := nodeID(id)
	return topics{
		state:        base,
		command:      base + "/set",
		identify:     base + "/identify",
		lightConfig:  cfg.DiscoveryPrefix + "/light/" + node + "/light/config",
		buttonConfig: cfg.DiscoveryPrefix + "/button/" + node + "/identify/config",
	}
}

func availabilityTopic(cfg Config) string {
	return cfg.TopicPrefix + "/bridge/state"
}

// colorModes maps capabilities onto HA color modes.
func colorModes(a *accessory.Accessory) []string {
	var modes []string
	if a.Supports(accessory.PropertyHue) {
		modes = append(modes, "hs")
	}
	if a.Supports(accessory.PropertyColorTemperature) {
		modes = append(modes, "color_temp")
	}
	if len(modes) == 0 {
		modes = []string{"brightness"}
	}
	return modes
}

// buildDiscovery generates the retained discovery configs for an accessory.
func buildDiscovery(cfg Config, a *accessory.Accessory) []message {
	t := topicsFor(cfg, a.ID)
	node := nodeID(a.ID)
	dev := haDevice{
		Identifiers:  []string{node, a.UUID.String()},
		Manufacturer: accessory.Manufacturer,
		Model:        a.Model,
		Name:         a.DisplayName,
		SerialNumber: a.SerialNumber,
	}

	light := haLight{
		Name:                a.DisplayName,
		UniqueID:            node + "_light",
		Schema:              "json",
		StateTopic:          t.state,
		CommandTopic:        t.command,
		AvailabilityTopic:   availabilityTopic(cfg),
		Brightness:          true,
		BrightnessScale:     255,
		SupportedColorModes: colorModes(a),
		Device:              dev,
	}
	if c, ok := a.Characteristic(accessory.PropertyColorTemperature); ok {
		light.MinMireds = c.Min
		light.MaxMireds = c.Max
	}

	button := haButton{
		Name:              a.DisplayName + " Identify",
		UniqueID:          node + "_identify",
		CommandTopic:      t.identify,
		PayloadPress:      "identify",
		AvailabilityTopic: availabilityTopic(cfg),
		DeviceClass:       "identify",
		EntityCategory:    "config",
		Device:            dev,
	}

	return []message{
		{Topic: t.lightConfig, Payload: mustJSON(light)},
		{Topic: t.buttonConfig, Payload: mustJSON(button)},
	}
}

// buildRemoveDiscovery generates empty retained configs that delete the entities.
func buildRemoveDiscovery(cfg Config, id string) []message {
	t := topicsFor(cfg, id)
	return []message{
		{Topic: t.lightConfig},
		{Topic: t.buttonConfig},
	}
}

// stateDocument renders accumulated property values in HA's JSON light schema.
func stateDocument(a *accessory.Accessory, values map[accessory.Property]any, mode string) map[string]any {
	doc := make(map[string]any)
	if on, ok := values[accessory.PropertyPower].(bool); ok {
		if on {
			doc["state"] = "ON"
		} else {
			doc["state"] = "OFF"
		}
	}
	if v, ok := values[accessory.PropertyBrightness]; ok {
		doc["brightness"] = v
	}

	h, hasHue := values[accessory.PropertyHue]
	s, hasSat := values[accessory.PropertySaturation]
	if hasHue && hasSat {
		doc["color"] = map[string]any{"h": h, "s": s}
	}
	if v, ok := values[accessory.PropertyColorTemperature]; ok {
		doc["color_temp"] = v
	}

	modes := colorModes(a)
	switch {
	case len(modes) == 1:
		doc["color_mode"] = modes[0]
	case mode != "":
		doc["color_mode"] = mode
	default:
		doc["color_mode"] = modes[0]
	}
	return doc
}

// observedMode maps the hub's bulb_mode onto an HA colour mode.
func observedMode(v any) string {
	switch v {
	case string(milight.ModeWhite):
		return "color_temp"
	case string(milight.ModeColor):
		return "hs"
	}
	return ""
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
