// Package mqtt exposes accessories to Home Assistant through MQTT discovery.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/milightd/internal/accessory"
	"github.com/dokzlo13/milightd/internal/eventbus"
)

// Defaults
const (
	DefaultTopicPrefix     = "milight"
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultClientID        = "milightd"
	DefaultConnectTimeout  = 10 * time.Second
	DefaultCommandTimeout  = 30 * time.Second
)

// Config holds MQTT host configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
	ConnectTimeout  time.Duration
	CommandTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
}

// client is the part of the paho client the host uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
	Disconnect(quiesce uint)
}

// tracked is the host-side record of one accessory.
type tracked struct {
	accessory *accessory.Accessory
	values    map[accessory.Property]any
	mode      string
}

// Host publishes accessories as HA lights and routes HA commands back to
// their bound characteristics through the event bus.
type Host struct {
	cfg    Config
	client client
	bus    *eventbus.Bus

	mu          sync.Mutex
	accessories map[string]*tracked
}

// New connects to the broker and returns a host ready for accessories.
func New(cfg Config, bus *eventbus.Bus) (*Host, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	cfg.applyDefaults()
	h := newHost(cfg, nil, bus)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availabilityTopic(cfg), "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
			h.restore(c)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	h.client = c

	token := c.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return h, nil
}

func newHost(cfg Config, c client, bus *eventbus.Bus) *Host {
	cfg.applyDefaults()
	h := &Host{
		cfg:         cfg,
		client:      c,
		bus:         bus,
		accessories: make(map[string]*tracked),
	}
	bus.Subscribe(eventbus.EventTypeCommand, h.handleCommand)
	bus.Subscribe(eventbus.EventTypeIdentify, h.handleIdentify)
	return h
}

// restore republishes availability, discovery and subscriptions after a
// (re)connect. Retained configs survive on the broker but subscriptions
// do not survive a clean session.
func (h *Host) restore(c client) {
	h.publishWith(c, availabilityTopic(h.cfg), []byte("online"), true)

	h.mu.Lock()
	list := make([]*tracked, 0, len(h.accessories))
	for _, t := range h.accessories {
		list = append(list, t)
	}
	h.mu.Unlock()

	for _, t := range list {
		for _, msg := range buildDiscovery(h.cfg, t.accessory) {
			h.publishWith(c, msg.Topic, msg.Payload, true)
		}
		h.subscribeWith(c, t.accessory.ID)
	}
}

// AddAccessory publishes the accessory's discovery config and subscribes
// to its command topics. Adding a known accessory republishes its config.
func (h *Host) AddAccessory(ctx context.Context, a *accessory.Accessory) error {
	h.mu.Lock()
	if _, ok := h.accessories[a.ID]; !ok {
		h.accessories[a.ID] = &tracked{accessory: a, values: make(map[accessory.Property]any)}
	} else {
		h.accessories[a.ID].accessory = a
	}
	h.mu.Unlock()

	for _, msg := range buildDiscovery(h.cfg, a) {
		if err := wait(ctx, h.client.Publish(msg.Topic, 1, true, msg.Payload)); err != nil {
			return fmt.Errorf("publish discovery for %s: %w", a.ID, err)
		}
	}

	t := topicsFor(h.cfg, a.ID)
	if err := wait(ctx, h.client.Subscribe(t.command, 1, h.onMessage(a.ID, eventbus.EventTypeCommand))); err != nil {
		return fmt.Errorf("subscribe %s: %w", t.command, err)
	}
	if err := wait(ctx, h.client.Subscribe(t.identify, 1, h.onMessage(a.ID, eventbus.EventTypeIdentify))); err != nil {
		return fmt.Errorf("subscribe %s: %w", t.identify, err)
	}

	log.Info().Str("accessory", a.ID).Str("name", a.DisplayName).Msg("Published HA discovery")
	return nil
}

// RemoveAccessory deletes the accessory's HA entities and stops listening
// for its commands. Removing an unknown accessory is not an error.
func (h *Host) RemoveAccessory(ctx context.Context, id string) error {
	h.mu.Lock()
	delete(h.accessories, id)
	h.mu.Unlock()

	t := topicsFor(h.cfg, id)
	if err := wait(ctx, h.client.Unsubscribe(t.command, t.identify)); err != nil {
		log.Warn().Err(err).Str("accessory", id).Msg("MQTT unsubscribe failed")
	}

	for _, msg := range buildRemoveDiscovery(h.cfg, id) {
		if err := wait(ctx, h.client.Publish(msg.Topic, 1, true, msg.Payload)); err != nil {
			return fmt.Errorf("remove discovery for %s: %w", id, err)
		}
	}
	h.publish(t.state, []byte{}, true)

	log.Info().Str("accessory", id).Msg("Removed HA discovery")
	return nil
}

// UpdateCharacteristic records a value and republishes the retained state
// document. An observed bulb mode replaces the mode of the last command.
func (h *Host) UpdateCharacteristic(id string, p accessory.Property, value any) {
	h.mu.Lock()
	t, ok := h.accessories[id]
	if !ok {
		h.mu.Unlock()
		log.Debug().Str("accessory", id).Str("property", string(p)).Msg("Update for unknown accessory")
		return
	}
	if p == accessory.PropertyMode {
		if mode := observedMode(value); mode != "" {
			t.mode = mode
		}
	} else {
		t.values[p] = value
	}
	payload := mustJSON(stateDocument(t.accessory, t.values, t.mode))
	h.mu.Unlock()

	h.publish(topicsFor(h.cfg, id).state, payload, true)
}

// Close publishes offline availability and disconnects.
func (h *Host) Close() {
	h.publish(availabilityTopic(h.cfg), []byte("offline"), true)
	h.client.Disconnect(1000)
	log.Info().Msg("MQTT host stopped")
}

func (h *Host) onMessage(id string, typ eventbus.EventType) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		queued := h.bus.Publish(eventbus.Event{
			Type: typ,
			Data: map[string]interface{}{
				eventbus.KeyAccessory: id,
				eventbus.KeyPayload:   msg.Payload(),
			},
		})
		if queued == 0 {
			log.Warn().Str("accessory", id).Str("topic", msg.Topic()).Msg("Command dropped")
		}
	}
}

func (h *Host) lookup(id string) (*tracked, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.accessories[id]
	return t, ok
}

// command is an HA JSON-schema light command.
type command struct {
	State      string   `json:"state"`
	Brightness *float64 `json:"brightness"`
	Color      *struct {
		H *float64 `json:"h"`
		S *float64 `json:"s"`
	} `json:"color"`
	ColorTemp *float64 `json:"color_temp"`
	Identify  bool     `json:"identify"`
}

func (h *Host) handleCommand(e eventbus.Event) {
	id := e.Accessory()
	t, ok := h.lookup(id)
	if !ok {
		log.Warn().Str("accessory", id).Msg("Command for unknown accessory")
		return
	}

	payload, _ := e.Data[eventbus.KeyPayload].([]byte)
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Warn().Err(err).Str("accessory", id).Msg("Invalid command JSON")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CommandTimeout)
	defer cancel()

	if err := h.apply(ctx, t.accessory, cmd); err != nil {
		log.Warn().Err(err).Str("accessory", id).Msg("Command failed")
	}
}

// apply writes the command's fields in a fixed order. Switching off skips
// every other field.
func (h *Host) apply(ctx context.Context, a *accessory.Accessory, cmd command) error {
	set := func(p accessory.Property, v any) error {
		if err := a.Set(ctx, p, v); err != nil {
			return err
		}
		h.UpdateCharacteristic(a.ID, p, v)
		return nil
	}

	switch strings.ToUpper(cmd.State) {
	case "OFF":
		return set(accessory.PropertyPower, false)
	case "ON":
		if err := set(accessory.PropertyPower, true); err != nil {
			return err
		}
	}

	if cmd.Brightness != nil {
		if err := set(accessory.PropertyBrightness, *cmd.Brightness); err != nil {
			return err
		}
	}
	if cmd.Color != nil && (cmd.Color.H != nil || cmd.Color.S != nil) {
		h.setMode(a.ID, "hs")
		if cmd.Color.H != nil {
			if err := set(accessory.PropertyHue, *cmd.Color.H); err != nil {
				return err
			}
		}
		if cmd.Color.S != nil {
			if err := set(accessory.PropertySaturation, *cmd.Color.S); err != nil {
				return err
			}
		}
	}
	if cmd.ColorTemp != nil {
		h.setMode(a.ID, "color_temp")
		if err := set(accessory.PropertyColorTemperature, *cmd.ColorTemp); err != nil {
			return err
		}
	}
	if cmd.Identify {
		return a.Identify(ctx)
	}
	return nil
}

func (h *Host) setMode(id, mode string) {
	h.mu.Lock()
	if t, ok := h.accessories[id]; ok {
		t.mode = mode
	}
	h.mu.Unlock()
}

func (h *Host) handleIdentify(e eventbus.Event) {
	id := e.Accessory()
	t, ok := h.lookup(id)
	if !ok {
		log.Warn().Str("accessory", id).Msg("Identify for unknown accessory")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CommandTimeout)
	defer cancel()

	if err := t.accessory.Identify(ctx); err != nil {
		log.Warn().Err(err).Str("accessory", id).Msg("Identify failed")
	}
}

func (h *Host) subscribeWith(c client, id string) {
	t := topicsFor(h.cfg, id)
	c.Subscribe(t.command, 1, h.onMessage(id, eventbus.EventTypeCommand))
	c.Subscribe(t.identify, 1, h.onMessage(id, eventbus.EventTypeIdentify))
}

func (h *Host) publish(topic string, payload []byte, retained bool) {
	h.publishWith(h.client, topic, payload, retained)
}

func (h *Host) publishWith(c client, topic string, payload []byte, retained bool) {
	token := c.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			log.Warn().Str("topic", topic).Msg("MQTT publish timeout")
		} else if err := token.Error(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish error")
		}
	}()
}

// wait blocks until the token completes or ctx is done.
func wait(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
