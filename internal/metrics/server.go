// Package metrics serves the Prometheus scrape endpoint and the health
// probe over one HTTP listener.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"spot_engine/internal/core"
	"spot_engine/internal/health"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /metrics and /healthz.
type Server struct {
	port   int
	logger core.ILogger
	checks *health.Manager
	srv    *http.Server
}

// NewServer creates a server. The health manager may be nil, in which
// case /healthz always reports ok.
func NewServer(port int, checks *health.Manager, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		checks: checks,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Serving metrics", "port", s.port)
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Metrics server shutdown failed", "error", err.Error())
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.checks == nil {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
		return
	}

	status := s.checks.Status()
	code := http.StatusOK
	if !s.checks.Healthy() {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Failed to encode health status", "error", err.Error())
	}
}
