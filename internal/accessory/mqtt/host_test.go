package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/milightd/internal/accessory"
	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/eventbus"
	"github.com/dokzlo13/milightd/internal/milight"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	published    []published
	handlers     map[string]pahomqtt.MessageHandler
	unsubscribed []string
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, _ := payload.([]byte)
	c.published = append(c.published, published{topic: topic, retained: retained, payload: data})
	return &doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]pahomqtt.MessageHandler)
	}
	c.handlers[topic] = callback
	return &doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	c.unsubscribed = append(c.unsubscribed, topics...)
	return &doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) deliver(t *testing.T, topic string, payload string) {
	t.Helper()
	c.mu.Lock()
	h, ok := c.handlers[topic]
	c.mu.Unlock()
	require.True(t, ok, "no subscription for %s", topic)
	h(nil, &fakeMessage{topic: topic, payload: []byte(payload)})
}

func (c *fakeClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return c.published[i], true
		}
	}
	return published{}, false
}

type recordingHub struct {
	mu   sync.Mutex
	keys []string
	on   bool
}

func (h *recordingHub) FetchState(ctx context.Context, id milight.Identity) (milight.DeviceState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	on := h.on
	return milight.DeviceState{Powered: &on}, nil
}

func (h *recordingHub) SendCommand(ctx context.Context, id milight.Identity, key string, value any) (milight.DeviceState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys = append(h.keys, key)
	if key == "state" {
		h.on = value == "on"
	}
	on := h.on
	return milight.DeviceState{Powered: &on}, nil
}

func (h *recordingHub) sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.keys...)
}

func newAccessory(t *testing.T, remote milight.RemoteType, hub bulb.Hub) *accessory.Accessory {
	t.Helper()
	b, err := bulb.New(milight.Identity{Type: remote, DeviceID: "0x1D3C", Group: "1"}, hub)
	require.NoError(t, err)
	return accessory.New(b, "Kitchen Lamp", false)
}

func newTestHost(t *testing.T) (*Host, *fakeClient) {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(func() { bus.Close(context.Background()) })
	c := &fakeClient{}
	return newHost(Config{}, c, bus), c
}

func TestBuildDiscovery_ColorModesFollowCapabilities(t *testing.T) {
	tests := []struct {
		remote    milight.RemoteType
		modes     []string
		minMireds int
		maxMireds int
	}{
		{milight.RemoteRGBCCT, []string{"hs", "color_temp"}, 153, 370},
		{milight.RemoteRGB, []string{"hs"}, 0, 0},
		{milight.RemoteCCT, []string{"color_temp"}, 153, 370},
	}

	cfg := Config{}
	cfg.applyDefaults()

	for _, tt := range tests {
		t.Run(string(tt.remote), func(t *testing.T) {
			a := newAccessory(t, tt.remote, &recordingHub{})
			msgs := buildDiscovery(cfg, a)
			require.Len(t, msgs, 2)

			assert.Equal(t, "homeassistant/light/milight_"+sanitize(a.ID)+"/light/config", msgs[0].Topic)

			var light haLight
			require.NoError(t, json.Unmarshal(msgs[0].Payload, &light))
			assert.Equal(t, tt.modes, light.SupportedColorModes)
			assert.Equal(t, tt.minMireds, light.MinMireds)
			assert.Equal(t, tt.maxMireds, light.MaxMireds)
			assert.Equal(t, "json", light.Schema)
			assert.Equal(t, 255, light.BrightnessScale)
			assert.Equal(t, "milight/"+sanitize(a.ID)+"/set", light.CommandTopic)
			assert.Equal(t, "milight/bridge/state", light.AvailabilityTopic)
			assert.Equal(t, "Kitchen Lamp", light.Device.Name)
			assert.Contains(t, light.Device.Identifiers, a.UUID.String())

			var button haButton
			require.NoError(t, json.Unmarshal(msgs[1].Payload, &button))
			assert.Equal(t, "identify", button.PayloadPress)
			assert.Equal(t, "milight/"+sanitize(a.ID)+"/identify", button.CommandTopic)
		})
	}
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "rgb_cct-0x1d3c-1", sanitize("rgb_cct-0x1D3C-1"))
	assert.Equal(t, "a_b_c", sanitize("a/b+c"))
}

func TestAddAndRemoveAccessory(t *testing.T) {
	h, c := newTestHost(t)
	a := newAccessory(t, milight.RemoteRGBW, &recordingHub{})
	tp := topicsFor(h.cfg, a.ID)

	require.NoError(t, h.AddAccessory(context.Background(), a))

	cfg, ok := c.last(tp.lightConfig)
	require.True(t, ok)
	assert.True(t, cfg.retained)
	assert.NotEmpty(t, cfg.payload)
	assert.Contains(t, c.handlers, tp.command)
	assert.Contains(t, c.handlers, tp.identify)

	// Adding again republishes rather than failing.
	require.NoError(t, h.AddAccessory(context.Background(), a))

	require.NoError(t, h.RemoveAccessory(context.Background(), a.ID))
	cfg, _ = c.last(tp.lightConfig)
	assert.Empty(t, cfg.payload)
	button, _ := c.last(tp.buttonConfig)
	assert.Empty(t, button.payload)
	assert.ElementsMatch(t, []string{tp.command, tp.identify}, c.unsubscribed)
	assert.NotContains(t, c.handlers, tp.command)

	// Unknown accessory.
	require.NoError(t, h.RemoveAccessory(context.Background(), "rgbw-unknown-1"))
}

func TestUpdateCharacteristic_PublishesStateDocument(t *testing.T) {
	h, c := newTestHost(t)
	a := newAccessory(t, milight.RemoteRGBCCT, &recordingHub{})
	require.NoError(t, h.AddAccessory(context.Background(), a))

	h.UpdateCharacteristic(a.ID, accessory.PropertyPower, true)
	h.UpdateCharacteristic(a.ID, accessory.PropertyBrightness, 128)
	h.UpdateCharacteristic(a.ID, accessory.PropertyHue, 240)
	h.UpdateCharacteristic(a.ID, accessory.PropertySaturation, 100)

	msg, ok := c.last(topicsFor(h.cfg, a.ID).state)
	require.True(t, ok)
	assert.True(t, msg.retained)
	assert.JSONEq(t, `{"state":"ON","brightness":128,"color":{"h":240,"s":100},"color_mode":"hs"}`, string(msg.payload))

	// Unknown accessories are ignored.
	h.UpdateCharacteristic("cct-9-9", accessory.PropertyPower, true)
	_, ok = c.last(topicsFor(h.cfg, "cct-9-9").state)
	assert.False(t, ok)
}

func TestUpdateCharacteristic_ObservedModeWins(t *testing.T) {
	h, c := newTestHost(t)
	a := newAccessory(t, milight.RemoteRGBCCT, &recordingHub{})
	require.NoError(t, h.AddAccessory(context.Background(), a))

	// HA last asked for a colour.
	h.setMode(a.ID, "hs")

	on, level, temp := true, 200, 370
	for p, v := range a.Values(milight.DeviceState{Powered: &on, Brightness: &level, Temperature: &temp, Mode: milight.ModeWhite}) {
		h.UpdateCharacteristic(a.ID, p, v)
	}

	msg, ok := c.last(topicsFor(h.cfg, a.ID).state)
	require.True(t, ok)
	assert.JSONEq(t, `{"state":"ON","brightness":200,"color_temp":370,"color_mode":"color_temp"}`, string(msg.payload))

	h.UpdateCharacteristic(a.ID, accessory.PropertyMode, "color")
	msg, _ = c.last(topicsFor(h.cfg, a.ID).state)
	assert.Contains(t, string(msg.payload), `"color_mode":"hs"`)
}

func TestStateDocument_SingleModeAccessory(t *testing.T) {
	a := newAccessory(t, milight.RemoteCCT, &recordingHub{})
	doc := stateDocument(a, map[accessory.Property]any{
		accessory.PropertyPower:            false,
		accessory.PropertyColorTemperature: 300,
	}, "")
	assert.Equal(t, map[string]any{"state": "OFF", "color_temp": 300, "color_mode": "color_temp"}, doc)
}

func TestCommandDispatch(t *testing.T) {
	h, c := newTestHost(t)
	hub := &recordingHub{}
	a := newAccessory(t, milight.RemoteRGBCCT, hub)
	require.NoError(t, h.AddAccessory(context.Background(), a))
	tp := topicsFor(h.cfg, a.ID)

	c.deliver(t, tp.command, `{"state":"ON","brightness":100,"color_temp":250}`)

	assert.Eventually(t, func() bool { return len(hub.sent()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"state", "brightness", "set_white", "color_temp"}, hub.sent())

	assert.Eventually(t, func() bool {
		msg, ok := c.last(tp.state)
		if !ok {
			return false
		}
		var doc map[string]any
		if json.Unmarshal(msg.payload, &doc) != nil {
			return false
		}
		return doc["color_mode"] == "color_temp" && doc["color_temp"] == 250.0
	}, time.Second, 5*time.Millisecond)
}

func TestCommandOffSkipsOtherFields(t *testing.T) {
	h, c := newTestHost(t)
	hub := &recordingHub{}
	a := newAccessory(t, milight.RemoteRGBW, hub)
	require.NoError(t, h.AddAccessory(context.Background(), a))

	c.deliver(t, topicsFor(h.cfg, a.ID).command, `{"state":"OFF","brightness":10}`)

	assert.Eventually(t, func() bool { return len(hub.sent()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"state"}, hub.sent())
}

func TestIdentifyButton(t *testing.T) {
	h, c := newTestHost(t)
	hub := &recordingHub{}
	a := newAccessory(t, milight.RemoteRGBW, hub)
	require.NoError(t, h.AddAccessory(context.Background(), a))

	c.deliver(t, topicsFor(h.cfg, a.ID).identify, "identify")

	assert.Eventually(t, func() bool { return len(hub.sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"state", "state"}, hub.sent())
}

func TestClosePublishesOffline(t *testing.T) {
	h, c := newTestHost(t)
	h.Close()

	msg, ok := c.last("milight/bridge/state")
	require.True(t, ok)
	assert.Equal(t, "offline", string(msg.payload))
	assert.True(t, c.disconnected)
}

func TestRestoreResubscribes(t *testing.T) {
	h, _ := newTestHost(t)
	a := newAccessory(t, milight.RemoteRGBW, &recordingHub{})
	require.NoError(t, h.AddAccessory(context.Background(), a))

	fresh := &fakeClient{}
	h.restore(fresh)

	online, ok := fresh.last("milight/bridge/state")
	require.True(t, ok)
	assert.Equal(t, "online", string(online.payload))
	_, ok = fresh.last(topicsFor(h.cfg, a.ID).lightConfig)
	assert.True(t, ok)
	assert.Contains(t, fresh.handlers, topicsFor(h.cfg, a.ID).command)
}
