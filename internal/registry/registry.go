// Package registry tracks the set of bulbs exposed to accessory hosts and
// keeps it in line with configured and hub-discovered devices.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/milightd/internal/accessory"
	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/milight"
)

// Defaults
const (
	DefaultPollInterval     = 20 * time.Second
	DefaultGutter           = 0.8
	DefaultRateLimitRPS     = 10.0
	DefaultDiscoveryTimeout = 15 * time.Second
)

// Host is the accessory framework the registry publishes bulbs to.
type Host interface {
	AddAccessory(ctx context.Context, a *accessory.Accessory) error
	RemoveAccessory(ctx context.Context, id string) error
	UpdateCharacteristic(id string, p accessory.Property, value any)
}

// Discoverer lists the device aliases configured on a hub.
type Discoverer interface {
	Aliases(ctx context.Context) ([]milight.Alias, error)
}

// HubFunc resolves the hub a device talks to. An empty URL means the default hub.
type HubFunc func(baseURL string) bulb.Hub

// Device is one entry of the desired set.
type Device struct {
	Name           string
	Identity       milight.Identity
	HubURL         string
	AutoDiscovered bool
}

// Options configures polling and discovery.
type Options struct {
	PollingEnabled   bool
	PollInterval     time.Duration
	Gutter           float64
	RateLimitRPS     float64
	DiscoveryTimeout time.Duration
}

// Result describes what a reconcile pass changed.
type Result struct {
	Added   []string
	Removed []string
	Skipped bool
}

// Changed reports whether the pass added or removed anything.
func (r Result) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// PollResult counts the outcome of a PollAll pass.
type PollResult struct {
	Polled  int
	Skipped int
	Failed  int
}

type entry struct {
	device    Device
	bulb      *bulb.Bulb
	accessory *accessory.Accessory

	stopOnce sync.Once
	stop     context.CancelFunc

	// detached is set when the host refused the removal. The entry stays
	// tracked, without polling, so the next pass retries it. Guarded by
	// Registry.mu.
	detached bool
}

// stopPolling is safe to call repeatedly and when polling never started.
func (e *entry) stopPolling() {
	e.stopOnce.Do(func() {
		if e.stop != nil {
			e.stop()
		}
	})
}

// Registry owns the tracked identifier -> bulb mapping.
type Registry struct {
	host       Host
	hubFor     HubFunc
	discoverer Discoverer
	opts       Options
	limiter    *rate.Limiter
	now        func() time.Time

	reconciling atomic.Bool

	mu      sync.RWMutex
	tracked map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a registry. discoverer may be nil when discovery is disabled.
func New(host Host, hubFor HubFunc, discoverer Discoverer, opts Options) *Registry {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Gutter <= 0 || opts.Gutter > 1 {
		opts.Gutter = DefaultGutter
	}
	if opts.RateLimitRPS == 0 {
		opts.RateLimitRPS = DefaultRateLimitRPS
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}

	limit, burst := rate.Limit(opts.RateLimitRPS), int(opts.RateLimitRPS)
	if opts.RateLimitRPS < 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		host:       host,
		hubFor:     hubFor,
		discoverer: discoverer,
		opts:       opts,
		limiter:    rate.NewLimiter(limit, burst),
		now:        time.Now,
		tracked:    make(map[string]*entry),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Len returns the number of tracked accessories.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracked)
}

// IDs returns the tracked identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.tracked))
	for id := range r.tracked {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Accessory returns the tracked accessory with the given identifier.
func (r *Registry) Accessory(id string) (*accessory.Accessory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tracked[id]
	if !ok {
		return nil, false
	}
	return e.accessory, true
}

// Discover reads the hub's alias table.
func (r *Registry) Discover(ctx context.Context) ([]Device, error) {
	if r.discoverer == nil {
		return nil, errors.New("discovery is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.DiscoveryTimeout)
	defer cancel()

	aliases, err := r.discoverer.Aliases(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover devices: %w", err)
	}

	devices := make([]Device, 0, len(aliases))
	for _, a := range aliases {
		devices = append(devices, Device{
			Name:           a.Name,
			Identity:       a.Identity,
			AutoDiscovered: true,
		})
	}
	log.Debug().Int("count", len(devices)).Msg("Discovered devices")
	return devices, nil
}

// Merge combines configured and discovered devices into one desired set.
// A configured device wins over a discovered one with the same identifier.
func Merge(configured, discovered []Device) []Device {
	seen := make(map[string]bool, len(configured)+len(discovered))
	out := make([]Device, 0, len(configured)+len(discovered))
	for _, group := range [][]Device{configured, discovered} {
		for _, d := range group {
			id := d.Identity.Identifier()
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, d)
		}
	}
	return out
}

// Sync runs one discovery and reconcile pass. When discovery fails the pass
// is skipped and the tracked set is left untouched.
func (r *Registry) Sync(ctx context.Context, configured []Device, discover bool) (Result, error) {
	desired := configured
	if discover {
		discovered, err := r.Discover(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Discovery failed, keeping tracked accessories")
			return Result{Skipped: true}, err
		}
		desired = Merge(configured, discovered)
	}
	return r.Reconcile(ctx, desired)
}

// Reconcile makes the tracked set match devices: untracked devices are
// added to the host, tracked devices absent from devices are removed.
// A call made while another reconcile is running is skipped.
func (r *Registry) Reconcile(ctx context.Context, devices []Device) (Result, error) {
	if !r.reconciling.CompareAndSwap(false, true) {
		log.Debug().Msg("Reconcile already in flight, skipping")
		return Result{Skipped: true}, nil
	}
	defer r.reconciling.Store(false)

	desired := make(map[string]Device, len(devices))
	for _, d := range devices {
		id := d.Identity.Identifier()
		if _, dup := desired[id]; dup {
			continue
		}
		desired[id] = d
	}

	r.mu.RLock()
	var stale []string
	for id := range r.tracked {
		if _, ok := desired[id]; !ok {
			stale = append(stale, id)
		}
	}
	var missing []string
	for id := range desired {
		if e, ok := r.tracked[id]; !ok || e.detached {
			missing = append(missing, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(stale)
	sort.Strings(missing)

	var result Result
	var errs []error

	for _, id := range stale {
		if err := r.remove(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Removed = append(result.Removed, id)
	}

	for _, id := range missing {
		if err := r.add(ctx, desired[id]); err != nil {
			log.Error().Err(err).Str("accessory", id).Msg("Failed to add accessory")
			errs = append(errs, err)
			continue
		}
		result.Added = append(result.Added, id)
	}

	if result.Changed() {
		log.Info().
			Int("added", len(result.Added)).
			Int("removed", len(result.Removed)).
			Int("tracked", r.Len()).
			Msg("Reconciled accessories")
	}

	return result, errors.Join(errs...)
}

func (r *Registry) add(ctx context.Context, d Device) error {
	id := d.Identity.Identifier()

	var hub bulb.Hub
	if r.hubFor != nil {
		hub = r.hubFor(d.HubURL)
	}
	b, err := bulb.New(d.Identity, hub)
	if err != nil {
		return fmt.Errorf("create bulb %s: %w", id, err)
	}

	a := accessory.New(b, d.Name, d.AutoDiscovered)
	if err := r.host.AddAccessory(ctx, a); err != nil {
		return fmt.Errorf("add accessory %s: %w", id, err)
	}

	e := &entry{device: d, bulb: b, accessory: a}
	if r.opts.PollingEnabled {
		r.startPolling(e)
	}

	r.mu.Lock()
	r.tracked[id] = e
	r.mu.Unlock()

	log.Info().
		Str("accessory", id).
		Str("name", a.DisplayName).
		Bool("auto_discovered", d.AutoDiscovered).
		Msg("Added accessory")
	return nil
}

func (r *Registry) remove(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.tracked[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	e.stopPolling()

	if err := r.host.RemoveAccessory(ctx, id); err != nil {
		r.mu.Lock()
		e.detached = true
		r.mu.Unlock()
		log.Error().Err(err).Str("accessory", id).Msg("Failed to remove accessory from host, will retry")
		return fmt.Errorf("remove accessory %s: %w", id, err)
	}

	r.mu.Lock()
	if r.tracked[id] == e {
		delete(r.tracked, id)
	}
	r.mu.Unlock()

	log.Info().Str("accessory", id).Msg("Removed accessory")
	return nil
}

func (r *Registry) startPolling(e *entry) {
	ctx, cancel := context.WithCancel(r.ctx)
	e.stop = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.opts.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.poll(ctx, e); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Str("accessory", e.accessory.ID).Msg("Poll failed")
				}
			}
		}
	}()
}

// PollAll refreshes every tracked bulb and pushes its values to the host.
// Bulbs synchronised within interval*gutter are skipped. One bulb failing
// does not stop the others.
func (r *Registry) PollAll(ctx context.Context) PollResult {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.tracked))
	for _, e := range r.tracked {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var res PollResult
	for _, e := range entries {
		polled, err := r.poll(ctx, e)
		switch {
		case err != nil:
			res.Failed++
			log.Warn().Err(err).Str("accessory", e.accessory.ID).Msg("Poll failed")
		case polled:
			res.Polled++
		default:
			res.Skipped++
		}
	}

	log.Debug().
		Int("polled", res.Polled).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("Poll pass complete")
	return res
}

// poll refreshes one bulb unless it was synchronised recently.
func (r *Registry) poll(ctx context.Context, e *entry) (bool, error) {
	gutter := time.Duration(float64(r.opts.PollInterval) * r.opts.Gutter)
	if e.bulb.Snapshot().Age(r.now()) < gutter {
		return false, nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}

	state, err := e.bulb.Refresh(ctx)
	if err != nil {
		return false, err
	}

	for p, v := range e.accessory.Values(state) {
		r.host.UpdateCharacteristic(e.accessory.ID, p, v)
	}
	return true, nil
}

// Close stops every polling timer and waits for in-flight polls.
func (r *Registry) Close() {
	r.cancel()

	r.mu.RLock()
	for _, e := range r.tracked {
		e.stopPolling()
	}
	r.mu.RUnlock()

	r.wg.Wait()
}
