// Package api serves the monitor's outward surfaces: a JSON health
// snapshot, the prometheus metrics, and a websocket push feed of bus
// updates.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spreadmon/internal/metrics"
)

// Server is the monitor's HTTP front.
type Server struct {
	srv    *http.Server
	hub    *Hub
	health func() any
	logger *slog.Logger
}

// NewServer assembles the routes. health returns the JSON-marshalable
// health snapshot served on /healthz.
func NewServer(port int, health func() any, m *metrics.Metrics, hub *Hub, logger *slog.Logger) *Server {
	s := &Server{
		hub:    hub,
		health: health,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", hub.ServeWS)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.health()); err != nil {
		s.logger.Warn("health encode failed", "error", err)
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("api listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", "error", err)
		}
	}()
}

// Stop disconnects push clients and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	return s.srv.Shutdown(ctx)
}
