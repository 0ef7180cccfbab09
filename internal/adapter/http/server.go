// Package http serves health, readiness and metrics endpoints and mounts
// the admin API.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminPrefix is where the admin API is mounted.
const AdminPrefix = "/api/v1/"

// Server exposes health, readiness, metrics and admin HTTP endpoints.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz and /metrics
// routes. A non-nil admin handler is mounted under AdminPrefix.
func NewServer(addr string, ready sharedobs.ReadinessChecker, admin http.Handler, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second, // dispatch to large directories runs inline
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())
	if admin != nil {
		mux.Handle(AdminPrefix, admin)
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// Checks is ready when every checker is ready. The first failure is
// reported.
type Checks []sharedobs.ReadinessChecker

func (cs Checks) CheckReadiness(ctx context.Context) error {
	for _, c := range cs {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}
