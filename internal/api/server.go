// Package api serves the read-only query API over stored chunks, the live
// chunk feed and the collector metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/zicotrace/zico/internal/chunk"
	"github.com/zicotrace/zico/internal/config"
	"github.com/zicotrace/zico/internal/metrics"
	"github.com/zicotrace/zico/internal/session"
	"github.com/zicotrace/zico/internal/symbol"
)

// Server is the query API server.
type Server struct {
	config     config.HTTPConfig
	store      chunk.Store
	sessions   *session.Manager
	registry   *symbol.Registry
	metrics    *metrics.Metrics
	wsHub      *WebSocketHub
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new query API server.
func NewServer(
	cfg config.HTTPConfig,
	store chunk.Store,
	sessions *session.Manager,
	registry *symbol.Registry,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api.Server")
	s := &Server{
		config:   cfg,
		store:    store,
		sessions: sessions,
		registry: registry,
		metrics:  m,
		wsHub:    NewWebSocketHub(logger, cfg.CORS, m),
		mux:      http.NewServeMux(),
		logger:   logger,
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Chunks
	s.mux.HandleFunc("GET /api/chunks", s.handleSearchChunks)
	s.mux.HandleFunc("GET /api/chunks/{seq}", s.handleGetChunk)
	s.mux.HandleFunc("GET /api/chunks/{seq}/tree", s.handleChunkTree)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleTerminateSession)

	// Symbols
	s.mux.HandleFunc("GET /api/symbols", s.handleSymbolStats)
	s.mux.HandleFunc("GET /api/symbols/{id}", s.handleGetSymbol)

	// System
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	// WebSocket
	s.mux.HandleFunc("GET /api/ws/chunks", s.wsHub.HandleWebSocket)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start starts the API server on the given address.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("query API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// BroadcastChunk sends a stored chunk to all live feed subscribers.
func (s *Server) BroadcastChunk(c *chunk.Chunk) {
	s.wsHub.Broadcast("chunk", c)
}

// corsMiddleware adds CORS headers for browser UIs served elsewhere.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
