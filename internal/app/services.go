package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/milightd/internal/accessory"
	"github.com/dokzlo13/milightd/internal/accessory/cache"
	"github.com/dokzlo13/milightd/internal/accessory/mqtt"
	"github.com/dokzlo13/milightd/internal/config"
	"github.com/dokzlo13/milightd/internal/db"
	"github.com/dokzlo13/milightd/internal/eventbus"
	"github.com/dokzlo13/milightd/internal/registry"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB  *db.DB
	Bus *eventbus.Bus

	// Accessory hosts
	MQTT  *mqtt.Host
	Cache *cache.Cache
	Host  registry.Host

	// High-level services
	Hub    *HubService
	Health *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize event bus
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	// Innermost host: MQTT when enabled, otherwise a log-only host
	var host registry.Host = logHost{}
	if cfg.MQTT.Enabled {
		m, err := mqtt.New(mqtt.Config{
			Broker:          cfg.MQTT.Broker,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			ClientID:        cfg.MQTT.ClientID,
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			CommandTimeout:  cfg.Hub.Timeout.Duration(),
		}, s.Bus)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.MQTT = m
		host = m
	} else {
		log.Warn().Msg("MQTT disabled, accessories are only logged")
	}

	// Accessory cache wraps the host when a database is configured
	if cfg.Database.Path != "" {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.DB = database
		s.Cache = cache.New(database, host)
		host = s.Cache
	}
	s.Host = host

	// Initialize hub service
	hub, err := NewHubService(cfg, host, s.Cache)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Hub = hub

	// Initialize health service
	var cached func(context.Context) (int, error)
	if s.Cache != nil {
		cached = s.Cache.Count
	}
	s.Health = NewHealthService(cfg, hub.Registry.Len, cached)

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	s.Hub.Start(ctx)

	// Start all background services
	s.Hub.StartBackground(ctx)
	s.Health.Start(ctx)

	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Bus.Close(ctx)
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}

// logHost is the accessory host used when no external host is configured.
type logHost struct{}

func (logHost) AddAccessory(_ context.Context, a *accessory.Accessory) error {
	log.Info().Str("accessory", a.ID).Str("name", a.DisplayName).Msg("Accessory available")
	return nil
}

func (logHost) RemoveAccessory(_ context.Context, id string) error {
	log.Info().Str("accessory", id).Msg("Accessory gone")
	return nil
}

func (logHost) UpdateCharacteristic(id string, p accessory.Property, value any) {
	log.Debug().Str("accessory", id).Str("property", string(p)).Interface("value", value).Msg("Characteristic updated")
}
