package api

import (
	"net/http"

	"github.com/agenticwork/sessiond/internal/metrics"
	"github.com/agenticwork/sessiond/internal/session"
)

func metricsRef(info session.Info) metrics.SessionRef {
	return metrics.SessionRef{
		SessionID:     info.ID,
		PID:           int32(info.PID),
		WorkspacePath: info.WorkspacePath,
	}
}

// handleSessionMetrics returns the basic resource sample for a session.
func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	sm := s.metrics.SessionMetrics(metricsRef(info))
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": info.ID,
		"process":   sm.Process,
		"tokens":    sm.Tokens,
	})
}

// handleEnhancedMetrics adds the workspace walk to the process sample.
func (s *Server) handleEnhancedMetrics(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.SessionMetrics(metricsRef(info)))
}

func (s *Server) handleAllEnhancedMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.System(s.sessions.MetricsRefs())
	writeJSON(w, http.StatusOK, map[string]any{"sessions": snap.Sessions})
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.System(s.sessions.MetricsRefs()))
}

type updateTokensRequest struct {
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	Model        string `json:"model,omitempty"`
}

// handleUpdateTokens records token usage reported by the agent service.
func (s *Server) handleUpdateTokens(w http.ResponseWriter, r *http.Request) {
	var req updateTokensRequest
	if err := readJSON(r, &req); err != nil {
		writeValidationError(w, "invalid JSON body", nil)
		return
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		writeValidationError(w, "token counts must be non-negative", nil)
		return
	}
	id := r.PathValue("id")
	if _, err := s.sessions.Get(id); err != nil {
		writeAPIError(w, err)
		return
	}
	usage := s.metrics.AddTokens(id, req.InputTokens, req.OutputTokens, req.Model)
	writeJSON(w, http.StatusOK, usage)
}
