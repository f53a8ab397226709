// Package api is the edge surface: the authenticated HTTP control plane
// and the three multiplexed WebSocket endpoints (raw terminal, structured
// events, live metrics).
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/agenticwork/sessiond/internal/config"
	"github.com/agenticwork/sessiond/internal/ide"
	"github.com/agenticwork/sessiond/internal/metrics"
	"github.com/agenticwork/sessiond/internal/session"
	"github.com/agenticwork/sessiond/internal/workspace"
)

// Version is stamped at build time.
var Version = "dev"

type Server struct {
	cfg        *config.Config
	sessions   *session.Manager
	ides       *ide.Manager
	workspaces *workspace.Manager
	metrics    *metrics.Collector
	logger     *slog.Logger
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, sm *session.Manager, im *ide.Manager, wm *workspace.Manager, mc *metrics.Collector, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		sessions:   sm,
		ides:       im,
		workspaces: wm,
		metrics:    mc,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.authMiddleware(s.mux))
}

func (s *Server) routes() {
	// sessions
	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /sessions/{id}/restart", s.handleRestartSession)
	s.mux.HandleFunc("POST /sessions/{id}/messages", s.handleSendMessage)
	s.mux.HandleFunc("GET /sessions/{id}/output", s.handleSessionOutput)
	s.mux.HandleFunc("GET /users/{userId}/sessions", s.handleUserSessions)

	// metrics
	s.mux.HandleFunc("GET /sessions/all/metrics/enhanced", s.handleAllEnhancedMetrics)
	s.mux.HandleFunc("GET /sessions/{id}/metrics", s.handleSessionMetrics)
	s.mux.HandleFunc("GET /sessions/{id}/metrics/enhanced", s.handleEnhancedMetrics)
	s.mux.HandleFunc("GET /metrics/system", s.handleSystemMetrics)
	s.mux.HandleFunc("POST /sessions/{id}/tokens", s.handleUpdateTokens)

	// code-server
	s.mux.HandleFunc("POST /sessions/{id}/code-server", s.handleStartIDE)
	s.mux.HandleFunc("GET /sessions/{id}/code-server", s.handleGetIDE)
	s.mux.HandleFunc("DELETE /sessions/{id}/code-server", s.handleStopIDE)
	s.mux.HandleFunc("GET /code-servers", s.handleListIDEs)

	// workspace sync
	s.mux.HandleFunc("POST /sessions/{id}/sync", s.handleForceSync)
	s.mux.HandleFunc("GET /workspace/sync/status", s.handleSyncStatus)

	// websockets
	s.mux.HandleFunc("GET /ws/terminal", s.handleTerminalWS)
	s.mux.HandleFunc("GET /ws/events", s.handleEventsWS)
	s.mux.HandleFunc("GET /ws/metrics", s.handleMetricsWS)

	// health (unauthenticated, allowlisted in authMiddleware)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        Version,
		"activeSessions": len(s.sessions.List()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}
