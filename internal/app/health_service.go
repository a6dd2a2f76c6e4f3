package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/milightd/internal/config"
)

// HealthService provides HTTP health check endpoints.
type HealthService struct {
	cfg     *config.Config
	tracked func() int
	cached  func(context.Context) (int, error)
	server  *http.Server
}

// NewHealthService creates a new HealthService. tracked reports the number
// of accessories currently published; cached, when set, the number of
// accessories in the persistent cache.
func NewHealthService(cfg *config.Config, tracked func() int, cached func(context.Context) (int, error)) *HealthService {
	return &HealthService{
		cfg:     cfg,
		tracked: tracked,
		cached:  cached,
	}
}

// Start begins the health check server if enabled.
func (s *HealthService) Start(ctx context.Context) {
	if !s.cfg.Healthcheck.Enabled {
		return
	}

	go s.run(ctx)
}

func (s *HealthService) handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready once at least one accessory is tracked
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		n := 0
		if s.tracked != nil {
			n = s.tracked()
		}
		status, code := "ready", http.StatusOK
		if n == 0 {
			status, code = "waiting", http.StatusServiceUnavailable
		}

		body := map[string]any{"status": status, "accessories": n}
		if s.cached != nil {
			if c, err := s.cached(r.Context()); err != nil {
				log.Warn().Err(err).Msg("Failed to count cached accessories")
			} else {
				body["cached"] = c
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(body)
	})

	return mux
}

func (s *HealthService) run(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Healthcheck.Host, s.cfg.Healthcheck.Port)

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler(),
	}

	log.Info().Str("addr", addr).Msg("Starting health check server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Health check server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health check server error")
	}
}
