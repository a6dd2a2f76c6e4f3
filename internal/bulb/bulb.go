// Package bulb models a single addressable Milight bulb: its identity,
// capabilities, cached state and the typed operations accessories call.
package bulb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/milightd/internal/milight"
)

// Hub is the subset of the hub client a bulb needs.
type Hub interface {
	FetchState(ctx context.Context, id milight.Identity) (milight.DeviceState, error)
	SendCommand(ctx context.Context, id milight.Identity, key string, value any) (milight.DeviceState, error)
}

// Bulb is one addressable bulb or group on a hub.
//
// Operations on the same bulb are serialised through a per-bulb queue, so an
// operation never observes another one half way (e.g. between set_white and
// the following color_temp write). Different bulbs never block each other.
type Bulb struct {
	identity milight.Identity
	caps     milight.Capabilities
	hub      Hub
	now      func() time.Time

	queue chan struct{}

	mu    sync.RWMutex
	state Context
}

// New creates a bulb. The remote type must be supported.
func New(identity milight.Identity, hub Hub) (*Bulb, error) {
	if !identity.Type.Valid() {
		return nil, fmt.Errorf("%w: unsupported remote type %q", milight.ErrInvalidArgument, identity.Type)
	}
	if identity.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device id", milight.ErrInvalidArgument)
	}
	if hub == nil {
		return nil, fmt.Errorf("%w: nil hub", milight.ErrInvalidArgument)
	}

	return &Bulb{
		identity: identity,
		caps:     identity.Type.Capabilities(),
		hub:      hub,
		now:      time.Now,
		queue:    make(chan struct{}, 1),
	}, nil
}

// Identifier returns the bulb's stable key.
func (b *Bulb) Identifier() string {
	return b.identity.Identifier()
}

// Identity returns the bulb's hub address.
func (b *Bulb) Identity() milight.Identity {
	return b.identity
}

// Capabilities returns what the bulb's remote type supports.
func (b *Bulb) Capabilities() milight.Capabilities {
	return b.caps
}

// Snapshot returns a copy of the cached context.
func (b *Bulb) Snapshot() Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// LastSync returns when the bulb last synchronised with the hub.
func (b *Bulb) LastSync() time.Time {
	return b.Snapshot().SyncedAt
}

// acquire takes the bulb's operation slot, giving up when ctx is done.
func (b *Bulb) acquire(ctx context.Context) error {
	select {
	case b.queue <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bulb) release() {
	<-b.queue
}

func (b *Bulb) observe(state milight.DeviceState) {
	b.mu.Lock()
	b.state.observe(state, b.now())
	b.mu.Unlock()
}

func (b *Bulb) mode() milight.Mode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.State.Mode
}

// fetch reads state from the hub and refreshes the whole context.
func (b *Bulb) fetch(ctx context.Context) (milight.DeviceState, error) {
	state, err := b.hub.FetchState(ctx, b.identity)
	if err != nil {
		return milight.DeviceState{}, err
	}
	b.observe(state)
	return state, nil
}

// command sends one command and refreshes the context from the response.
func (b *Bulb) command(ctx context.Context, key string, value any) (milight.DeviceState, error) {
	state, err := b.hub.SendCommand(ctx, b.identity, key, value)
	if err != nil {
		return milight.DeviceState{}, err
	}
	b.observe(state)
	return state, nil
}

// Refresh reads the bulb's state from the hub.
func (b *Bulb) Refresh(ctx context.Context) (milight.DeviceState, error) {
	if err := b.acquire(ctx); err != nil {
		return milight.DeviceState{}, err
	}
	defer b.release()

	return b.fetch(ctx)
}

func (b *Bulb) read(ctx context.Context, field string, pick func(milight.DeviceState) *int) (int, error) {
	state, err := b.Refresh(ctx)
	if err != nil {
		log.Error().Err(err).Str("bulb", b.Identifier()).Msgf("Failed to read %s", field)
		return 0, err
	}
	v := pick(state)
	if v == nil {
		return 0, fmt.Errorf("%w: hub did not report %s for %s", milight.ErrHubProtocol, field, b.Identifier())
	}
	log.Debug().Str("bulb", b.Identifier()).Int(field, *v).Msg("Reported")
	return *v, nil
}

func (b *Bulb) write(ctx context.Context, field, key string, value any) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	if _, err := b.command(ctx, key, value); err != nil {
		log.Error().Err(err).Str("bulb", b.Identifier()).Msgf("Failed to set %s", field)
		return err
	}
	log.Debug().Str("bulb", b.Identifier()).Interface(field, value).Msg("Set")
	return nil
}

func (b *Bulb) unsupported(op string) error {
	return fmt.Errorf("%w: %w: %s on %s", milight.ErrInvalidArgument, milight.ErrUnsupported, op, b.identity.Type)
}

func requireFinite(name string, v float64) error {
	if !milight.Finite(v) {
		return fmt.Errorf("%w: %s must be a finite number, got %v", milight.ErrInvalidArgument, name, v)
	}
	return nil
}

// Power reports whether the bulb is on.
func (b *Bulb) Power(ctx context.Context) (bool, error) {
	if err := b.acquire(ctx); err != nil {
		return false, err
	}
	defer b.release()

	return b.power(ctx)
}

func (b *Bulb) power(ctx context.Context) (bool, error) {
	state, err := b.fetch(ctx)
	if err != nil {
		log.Error().Err(err).Str("bulb", b.Identifier()).Msg("Failed to read power")
		return false, err
	}
	if state.Powered == nil {
		return false, fmt.Errorf("%w: hub did not report power state for %s", milight.ErrHubProtocol, b.Identifier())
	}
	log.Debug().Str("bulb", b.Identifier()).Bool("power", *state.Powered).Msg("Reported")
	return *state.Powered, nil
}

// SetPower switches the bulb on or off.
func (b *Bulb) SetPower(ctx context.Context, on bool) error {
	return b.write(ctx, "power", "state", powerValue(on))
}

func powerValue(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// Brightness returns the brightness on the 0-255 scale.
func (b *Bulb) Brightness(ctx context.Context) (int, error) {
	return b.read(ctx, "brightness", func(s milight.DeviceState) *int { return s.Brightness })
}

// SetBrightness sets the brightness on the 0-255 scale.
func (b *Bulb) SetBrightness(ctx context.Context, value float64) error {
	if err := requireFinite("brightness", value); err != nil {
		return err
	}
	return b.write(ctx, "brightness", "brightness", value)
}

// Hue returns the visible hue in degrees.
func (b *Bulb) Hue(ctx context.Context) (int, error) {
	if !b.caps.Color {
		return 0, b.unsupported("hue")
	}
	return b.read(ctx, "hue", func(s milight.DeviceState) *int { return s.Hue })
}

// SetHue sets the hue. The hub is authoritative for the accepted range.
func (b *Bulb) SetHue(ctx context.Context, value float64) error {
	if !b.caps.Color {
		return b.unsupported("hue")
	}
	if err := requireFinite("hue", value); err != nil {
		return err
	}
	return b.write(ctx, "hue", "hue", value)
}

// Saturation returns the visible saturation in percent.
func (b *Bulb) Saturation(ctx context.Context) (int, error) {
	if !b.caps.Color {
		return 0, b.unsupported("saturation")
	}
	return b.read(ctx, "saturation", func(s milight.DeviceState) *int { return s.Saturation })
}

// SetSaturation sets the saturation. The hub is authoritative for the accepted range.
func (b *Bulb) SetSaturation(ctx context.Context, value float64) error {
	if !b.caps.Color {
		return b.unsupported("saturation")
	}
	if err := requireFinite("saturation", value); err != nil {
		return err
	}
	return b.write(ctx, "saturation", "saturation", value)
}

// ColorTemperature returns the colour temperature in mireds.
func (b *Bulb) ColorTemperature(ctx context.Context) (int, error) {
	if !b.caps.WhiteTemperature {
		return 0, b.unsupported("color temperature")
	}
	return b.read(ctx, "temperature", func(s milight.DeviceState) *int { return s.Temperature })
}

// SetColorTemperature sets the colour temperature in mireds, switching the
// bulb to white mode first when it is not known to be in it.
func (b *Bulb) SetColorTemperature(ctx context.Context, mireds float64) error {
	if !b.caps.WhiteTemperature {
		return b.unsupported("color temperature")
	}
	if err := requireFinite("color temperature", mireds); err != nil {
		return err
	}

	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	for _, step := range PlanTemperature(b.mode()) {
		if err := b.runTemperatureStep(ctx, step, mireds); err != nil {
			log.Error().
				Err(err).
				Str("bulb", b.Identifier()).
				Stringer("step", step).
				Msg("Failed to set color temperature")
			return err
		}
	}

	log.Debug().Str("bulb", b.Identifier()).Float64("temperature", mireds).Msg("Set")
	return nil
}

func (b *Bulb) runTemperatureStep(ctx context.Context, step Step, mireds float64) error {
	switch step {
	case StepSwitchWhite:
		log.Debug().Str("bulb", b.Identifier()).Str("from", string(b.mode())).Msg("Switching to white mode")
		state, err := b.command(ctx, "set_white", nil)
		if err != nil {
			return err
		}
		// set_white is itself a transition to white; the hub may answer
		// before its queue reflects it.
		if state.Mode != milight.ModeWhite {
			b.mu.Lock()
			b.state.State.Mode = milight.ModeWhite
			b.mu.Unlock()
		}
		return nil
	case StepSetTemperature:
		_, err := b.command(ctx, "color_temp", mireds)
		return err
	default:
		return fmt.Errorf("unknown temperature step %d", step)
	}
}

// TogglePower reads the current power state and writes the opposite.
func (b *Bulb) TogglePower(ctx context.Context) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	return b.toggle(ctx)
}

func (b *Bulb) toggle(ctx context.Context) error {
	on, err := b.power(ctx)
	if err != nil {
		return err
	}
	_, err = b.command(ctx, "state", powerValue(!on))
	return err
}

// Identify blinks the bulb by toggling power twice, strictly in sequence.
func (b *Bulb) Identify(ctx context.Context) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	log.Info().Str("bulb", b.Identifier()).Msg("Identifying")
	for i := 0; i < 2; i++ {
		if err := b.toggle(ctx); err != nil {
			log.Error().Err(err).Str("bulb", b.Identifier()).Msg("Identify failed")
			return err
		}
	}
	return nil
}
