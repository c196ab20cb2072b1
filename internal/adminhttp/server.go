// Package adminhttp exposes the core's operator-facing HTTP boundary
// (§6.4): GET /health and GET /metrics. This is not the browser/trading
// HTTP surface — per §1 that is an external collaborator — only the two
// interfaces the core itself is responsible for.
package adminhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/marketstream/internal/health"
)

// MetricsSource renders the current metrics snapshot in Prometheus
// exposition format. The exposition format itself is out of core scope
// per §1; this seam lets an external collaborator register one without
// the core depending on a metrics library.
type MetricsSource interface {
	Render() []byte
}

// Config configures the admin HTTP server.
type Config struct {
	Port int
}

// Server is the chi-routed admin HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	checker *health.Checker
	metrics MetricsSource
	log     zerolog.Logger
}

// New constructs the admin HTTP server. metrics may be nil, in which case
// GET /metrics returns an empty 200 body — the exposition format is an
// external collaborator's concern (§1), not the core's.
func New(cfg Config, checker *health.Checker, metrics MetricsSource, log zerolog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		checker: checker,
		metrics: metrics,
		log:     log.With().Str("component", "admin_http").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(10 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/metrics", s.handleMetrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Check(r.Context())

	status := http.StatusOK
	switch report.Status {
	case health.StatusDegraded:
		status = http.StatusOK // degraded is still a 200; the body carries the detail
	case health.StatusCritical:
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if s.metrics == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.metrics.Render())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// ListenAndServe starts the HTTP server and blocks until it exits.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("admin http server listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
