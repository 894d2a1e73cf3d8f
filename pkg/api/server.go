// Package api provides the HTTP operator surface: health probes, engine
// statistics and the manual sync/prune triggers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/syncache/syncache/internal/health"
	"github.com/syncache/syncache/pkg/types"
	"github.com/syncache/syncache/pkg/utils"
)

// Controller is the slice of the sync coordinator the API needs.
type Controller interface {
	CacheStats() types.CacheStats
	QueueStats() types.QueueStats
	Stats() types.SyncStats
	ForceSync(ctx context.Context) int
	ForcePrune(ctx context.Context) int
	Monitor() *health.Monitor
}

// ServerConfig configures the admin server.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultServerConfig returns the default admin server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8085",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the admin HTTP server.
type Server struct {
	httpServer *http.Server
	controller Controller
	logger     *utils.StructuredLogger
	started    time.Time
}

// NewServer creates an admin server around a controller.
func NewServer(cfg ServerConfig, controller Controller, logger *utils.StructuredLogger) *Server {
	if cfg.Address == "" {
		cfg = DefaultServerConfig()
	}

	s := &Server{
		controller: controller,
		logger:     logger.WithComponent("api"),
		started:    time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/sync", s.handleForceSync)
	mux.HandleFunc("/prune", s.handleForcePrune)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// StartBackground serves in a goroutine.
func (s *Server) StartBackground() {
	go func() {
		s.logger.Info("admin API up", map[string]interface{}{"address": s.httpServer.Addr})
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin API failed", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"uptime":     time.Since(s.started).String(),
		"connection": s.controller.Monitor().Snapshot(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness reports ready even when the remote is offline: the engine
// serves local data in that state by design. It only reports not-ready when
// the engine itself is gone, which a served response already disproves.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"online": s.controller.Monitor().Online(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache": s.controller.CacheStats(),
		"queue": s.controller.QueueStats(),
		"sync":  s.controller.Stats(),
	})
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	replayed := s.controller.ForceSync(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"replayed": replayed,
		"queue":    s.controller.QueueStats(),
	})
}

func (s *Server) handleForcePrune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	evicted := s.controller.ForcePrune(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"evicted": evicted,
		"cache":   s.controller.CacheStats(),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}
