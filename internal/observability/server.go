// Package observability provides metrics and monitoring HTTP server.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ReadyCheck reports whether one dependency is ready to serve.
type ReadyCheck func(ctx context.Context) error

// Server provides HTTP endpoints for observability, separate from the
// ingestion API so that scrapes and probes never contend with event traffic.
type Server struct {
	server *http.Server
	addr   string

	mu     sync.RWMutex
	checks map[string]ReadyCheck
}

// NewServer creates a new observability HTTP server.
func NewServer(addr string) *Server {
	s := &Server{
		addr:   addr,
		checks: make(map[string]ReadyCheck),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", s.handleReady)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// AddReadyCheck registers a named dependency check run by /readyz.
// Register before Start.
func (s *Server) AddReadyCheck(name string, check ReadyCheck) {
	s.mu.Lock()
	s.checks[name] = check
	s.mu.Unlock()
}

// handleReady runs every registered check; any failure makes the service
// not ready so traffic routes away while a dependency is down.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checks := make(map[string]ReadyCheck, len(s.checks))
	for name, c := range s.checks {
		checks[name] = c
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range checks {
		if err := check(ctx); err != nil {
			log.Warn().Err(err).Str("check", name).Msg("Readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "not ready: %s", name)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.addr).Msg("Starting observability HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Observability HTTP server error")
		}
	}()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down observability HTTP server")
	return s.server.Shutdown(ctx)
}
