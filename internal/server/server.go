// Package server exposes observers over HTTP: create and poll observers,
// stream readings over a websocket, list processes, and read history.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/HerbHall/procwatch/internal/engine"
	"github.com/HerbHall/procwatch/internal/event"
	"github.com/HerbHall/procwatch/internal/history"
	"github.com/HerbHall/procwatch/internal/telemetry"
	"github.com/HerbHall/procwatch/internal/version"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Deps are the collaborators of the server. Bus, History, Metrics and
// Limiter are optional.
type Deps struct {
	Engine  *engine.Engine
	Bus     event.Publisher
	History history.Repository
	Metrics *telemetry.Metrics
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

// Server is the procwatch HTTP API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	deps       Deps
	logger     *zap.Logger

	mu        sync.RWMutex
	observers map[string]*entry
}

// New creates a new Server instance.
func New(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 15 * time.Second,
			// No WriteTimeout: websocket streams are long-lived.
			IdleTimeout: 60 * time.Second,
		},
		mux:       mux,
		deps:      deps,
		logger:    deps.Logger,
		observers: make(map[string]*entry),
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/masks", s.handleMasks)
	s.mux.HandleFunc("GET /api/v1/processes", s.handleProcesses)
	s.mux.HandleFunc("POST /api/v1/observers", s.handleCreateObserver)
	s.mux.HandleFunc("GET /api/v1/observers", s.handleListObservers)
	s.mux.HandleFunc("GET /api/v1/observers/{id}", s.handleGetObserver)
	s.mux.HandleFunc("DELETE /api/v1/observers/{id}", s.handleDeleteObserver)
	s.mux.HandleFunc("GET /api/v1/observers/{id}/poll", s.handlePoll)
	s.mux.HandleFunc("GET /api/v1/observers/{id}/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server and closes every API observer.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	for id, e := range s.observers {
		e.obs.Close()
		delete(s.observers, id)
	}
	s.mu.Unlock()
	return err
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	n := len(s.observers)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "procwatch",
		"observers": n,
		"version":   version.Current(),
	})
}

func (s *Server) publish(ctx context.Context, e event.Event) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.PublishAsync(ctx, e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Procwatch-Version", version.Short())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
