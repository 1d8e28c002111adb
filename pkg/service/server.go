// Package service serves relevance attributions over HTTP: a manifest-built
// model behind POST /v1/attribute, with health, metrics and hot reload.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/explainlab/relprop/pkg/lrp"
)

// Server exposes one attribution engine behind a small JSON API, with
// optional hot reload of the model manifest.
type Server struct {
	config     *Config
	logger     *slog.Logger
	metrics    *Metrics
	store      *ModelStore
	httpServer *http.Server
	stopOnce   sync.Once
}

// NewServer creates a server for the given configuration.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	metrics := NewMetrics()

	opts := []lrp.Option{lrp.WithLogger(logger)}
	if cfg.Epsilon > 0 {
		opts = append(opts, lrp.WithEpsilon(cfg.Epsilon))
	}
	if cfg.ZeroBias {
		opts = append(opts, lrp.WithZeroBias(true))
	}
	store, err := NewModelStore(cfg.ModelPath, logger, metrics, opts...)
	if err != nil {
		return nil, err
	}

	return &Server{
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		store:   store,
	}, nil
}

// Start loads the model, begins watching it when configured, and serves
// until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting attribution service",
		"listen_addr", s.config.ListenAddr,
		"model_path", s.config.ModelPath)

	if err := s.store.Load(); err != nil {
		return fmt.Errorf("initial model load: %w", err)
	}
	if s.config.WatchModel {
		if err := s.store.Watch(); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", "addr", s.config.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("stopping attribution service")

		if closeErr := s.store.Close(); closeErr != nil {
			s.logger.Error("failed to close model store", "error", closeErr)
			err = closeErr
		}

		if s.httpServer != nil {
			if stopErr := s.httpServer.Shutdown(ctx); stopErr != nil {
				s.logger.Error("failed to shut down HTTP server", "error", stopErr)
				err = stopErr
			}
		}
	})
	return err
}

// setupRoutes configures the HTTP routes. The health endpoint stays
// outside the tracing wrapper so probes do not generate spans.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	wrap := func(handler http.HandlerFunc) http.Handler {
		h := RequestIDMiddleware(s.metrics.Middleware(handler))
		return otelhttp.NewHandler(h, "relprop.service")
	}

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/v1/attribute", wrap(s.handleAttribute))

	if s.config.Metrics.Enabled {
		mux.Handle(s.config.Metrics.Path, s.metrics.Handler())
	}
}

// HealthStatus reports whether the service can serve attributions.
type HealthStatus struct {
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Health returns the current health of the service.
func (s *Server) Health() *HealthStatus {
	if _, err := s.store.Engine(); err != nil {
		return &HealthStatus{Status: "unhealthy", Reason: "no model loaded"}
	}
	return &HealthStatus{Status: "healthy", Model: s.store.ModelName()}
}

// handleHealth handles GET /healthz requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.Health()

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}
