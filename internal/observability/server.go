// Package observability provides the metrics and monitoring HTTP server
// shared by the gateway and bridge binaries.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusSource supplies the live values reported on /status and /readyz.
// Nil funcs report zero values.
type StatusSource struct {
	BusHealthy          func(ctx context.Context) bool
	ActiveCalls         func() int
	ProviderConnections func() map[string]int
}

// Server serves /healthz, /readyz, /status and /metrics.
type Server struct {
	server *http.Server
	addr   string
	logger zerolog.Logger
}

// NewServer creates the observability HTTP server.
func NewServer(addr string, src StatusSource, logger zerolog.Logger) *Server {
	s := &Server{
		addr:   addr,
		logger: logger.With().Str("component", "observability").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if src.BusHealthy != nil && !src.BusHealthy(req.Context()) {
			http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		st := struct {
			BusHealthy          bool           `json:"bus_healthy"`
			ActiveCalls         int            `json:"active_calls"`
			ProviderConnections map[string]int `json:"provider_connections,omitempty"`
		}{}
		if src.BusHealthy != nil {
			st.BusHealthy = src.BusHealthy(req.Context())
		}
		if src.ActiveCalls != nil {
			st.ActiveCalls = src.ActiveCalls()
		}
		if src.ProviderConnections != nil {
			st.ProviderConnections = src.ProviderConnections()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("starting observability HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("observability HTTP server error")
		}
	}()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down observability HTTP server")
	return s.server.Shutdown(ctx)
}
