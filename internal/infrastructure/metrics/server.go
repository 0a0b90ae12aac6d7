// Package metrics serves the Prometheus scrape endpoint and health status
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"etf_arb/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server handles Prometheus metrics export
type Server struct {
	port   int
	logger core.ILogger
	health http.Handler
	srv    *http.Server
	ln     net.Listener
}

// NewServer creates a new metrics server. health may be nil.
func NewServer(port int, health http.Handler, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		health: health,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start binds the port and serves in the background
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if s.health != nil {
		mux.Handle("/healthz", s.health)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Starting Prometheus metrics server", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address, useful with port 0
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
