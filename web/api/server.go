// Package api is the HTTP control surface: it starts runs and serves their
// snapshots, diffs, progress events and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/config"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/secrets"
)

// Server is the HTTP API server
type Server struct {
	orch    *orchestrator.Orchestrator
	secrets *secrets.Store
	cfg     *config.Config
	addr    string
	mux     *http.ServeMux
	logger  *slog.Logger

	upgrader websocket.Upgrader
	// how often a websocket client is sent a fresh snapshot
	streamInterval time.Duration
	pingInterval   time.Duration

	server *http.Server
}

// NewServer creates a new API server. secretStore may be nil, in which case
// POST /api/config is rejected.
func NewServer(orch *orchestrator.Orchestrator, secretStore *secrets.Store, cfg *config.Config, addr string, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orch:    orch,
		secrets: secretStore,
		cfg:     cfg,
		addr:    addr,
		mux:     http.NewServeMux(),
		logger:  logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		streamInterval: 500 * time.Millisecond,
		pingInterval:   30 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/runs", s.startRunHandler())
	s.mux.HandleFunc("GET /api/runs", s.listRunsHandler())
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRunHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/diff", s.diffHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/ws", s.wsHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/config", s.getConfigHandler())
	s.mux.HandleFunc("POST /api/config", s.setConfigHandler())
	s.mux.HandleFunc("GET /api/stats", s.statsHandler())
	s.mux.HandleFunc("GET /health", s.healthHandler())
	s.mux.Handle("GET /metrics", s.metricsHandler())

	// routes used by the original dashboard
	s.mux.HandleFunc("POST /analyze", s.startRunHandler())
	s.mux.HandleFunc("GET /results/{id}", s.getRunHandler())
}

// Handler returns the routed handler, mainly for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("control surface listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
