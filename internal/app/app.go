package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/milightd/internal/config"
)

// App owns the bridge's services from start-up to shutdown.
type App struct {
	cfg      *config.Config
	services *Services
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires every service without starting any of them.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Start brings the hub sync loop and the health server up under ctx.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.started = time.Now()

	if err := a.services.Start(a.ctx); err != nil {
		return err
	}

	log.Info().
		Int("configured", len(a.cfg.Devices)).
		Bool("discovery", a.cfg.Discovery.Enabled).
		Msg("Bridge running")
	return nil
}

// Stop cancels the run context and releases hub clients, the MQTT session
// and the cache.
func (a *App) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.services == nil {
		return nil
	}

	err := a.services.Stop()
	ev := log.Info()
	if !a.started.IsZero() {
		ev = ev.Dur("uptime", time.Since(a.started).Round(time.Second))
	}
	ev.Msg("Bridge stopped")
	return err
}

// Wait blocks until Start's context is done.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		log.Warn().Msg("Shutdown signal received")
		stop()
	}()
	return ctx
}
