package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/milightd/internal/accessory/cache"
	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/config"
	"github.com/dokzlo13/milightd/internal/milight"
	"github.com/dokzlo13/milightd/internal/registry"
)

// HubService wraps the hub clients and the accessory registry, and runs the
// discovery/reconcile loop.
type HubService struct {
	cfg *config.Config

	Hubs     *milight.Hubs
	Registry *registry.Registry
	Cache    *cache.Cache // nil when the database is disabled

	configured []registry.Device
	pruned     bool
}

// NewHubService creates the hub clients and the registry publishing to host.
func NewHubService(cfg *config.Config, host registry.Host, accessoryCache *cache.Cache) (*HubService, error) {
	hubs := milight.NewHubs(cfg.Hub.URL, cfg.Hub.Timeout.Duration())

	configured := make([]registry.Device, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		id, err := d.Identity()
		if err != nil {
			hubs.Close()
			return nil, err
		}
		configured = append(configured, registry.Device{
			Name:     d.Name,
			Identity: id,
			HubURL:   d.Hub,
		})
	}

	hubFor := func(baseURL string) bulb.Hub {
		return hubs.Get(baseURL)
	}

	reg := registry.New(host, hubFor, hubs.Default(), registry.Options{
		PollingEnabled:   cfg.Polling.Enabled,
		PollInterval:     cfg.Polling.Interval.Duration(),
		Gutter:           cfg.Polling.Gutter,
		RateLimitRPS:     cfg.Polling.RateLimitRPS,
		DiscoveryTimeout: cfg.Hub.DiscoveryTimeout.Duration(),
	})

	return &HubService{
		cfg:        cfg,
		Hubs:       hubs,
		Registry:   reg,
		Cache:      accessoryCache,
		configured: configured,
	}, nil
}

// Start logs the default hub's firmware. An unreachable hub is not fatal:
// the sync loop keeps retrying. The probe is bounded by the discovery
// timeout so a dead hub does not hold up start-up.
func (s *HubService) Start(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Hub.DiscoveryTimeout.Duration())
	defer cancel()

	about, err := s.Hubs.Default().About(ctx)
	if err != nil {
		log.Warn().Err(err).Str("hub", s.cfg.Hub.URL).Msg("Hub not reachable yet")
		return
	}
	log.Info().
		Str("hub", s.cfg.Hub.URL).
		Str("variant", about.Variant).
		Str("version", about.Version).
		Str("ip", about.IPAddress).
		Msg("Connected to Milight hub")
}

// StartBackground runs the sync loop until ctx is cancelled.
func (s *HubService) StartBackground(ctx context.Context) {
	go s.run(ctx)
}

func (s *HubService) run(ctx context.Context) {
	interval := s.cfg.Discovery.Interval.Duration()
	log.Info().
		Bool("discovery", s.cfg.Discovery.Enabled).
		Bool("polling", s.cfg.Polling.Enabled).
		Dur("interval", interval).
		Int("configured", len(s.configured)).
		Msg("Device sync started")

	s.sync(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Device sync stopping")
			return
		case <-ticker.C:
			s.sync(ctx)
		}
	}
}

// sync runs one pass. After the first complete pass, cached accessories
// that are no longer desired are pruned from the hosts.
func (s *HubService) sync(ctx context.Context) {
	res, err := s.Registry.Sync(ctx, s.configured, s.cfg.Discovery.Enabled)
	if err != nil {
		log.Error().Err(err).Msg("Device sync failed")
		return
	}
	if res.Skipped || s.pruned || s.Cache == nil {
		return
	}

	if _, err := s.Cache.Prune(ctx, s.Registry.IDs()); err != nil {
		log.Error().Err(err).Msg("Failed to prune accessory cache")
		return
	}
	s.pruned = true
}

// Close stops polling and releases hub clients.
func (s *HubService) Close() {
	if s.Registry != nil {
		s.Registry.Close()
	}
	if s.Hubs != nil {
		s.Hubs.Close()
	}
}
