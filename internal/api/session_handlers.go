package api

import (
	"net/http"

	"github.com/agenticwork/sessiond/internal/session"
)

type createSessionRequest struct {
	UserID         string `json:"userId"`
	WorkspacePath  string `json:"workspacePath,omitempty"`
	Model          string `json:"model,omitempty"`
	APIKey         string `json:"apiKey,omitempty"`
	StorageLimitMB int64  `json:"storageLimitMb,omitempty"`
}

type sessionResponse struct {
	SessionID string       `json:"sessionId"`
	Status    string       `json:"status"`
	Session   session.Info `json:"session"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := readJSON(r, &req); err != nil {
		writeValidationError(w, "invalid JSON body", nil)
		return
	}
	if req.UserID == "" {
		writeValidationError(w, "userId is required", map[string]any{"field": "userId"})
		return
	}

	// one interactive session per user: an existing running session is
	// returned instead of erroring
	if existing, ok := s.sessions.RunningForUser(req.UserID); ok {
		writeJSON(w, http.StatusOK, sessionResponse{
			SessionID: existing.ID,
			Status:    "existing",
			Session:   existing,
		})
		return
	}

	info, err := s.sessions.Create(r.Context(), session.CreateOpts{
		UserID:        req.UserID,
		WorkspacePath: req.WorkspacePath,
		Model:         req.Model,
		APIKey:        req.APIKey,
		StorageMB:     req.StorageLimitMB,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID: info.ID,
		Status:    "created",
		Session:   info,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.sessions.List()
	if r.URL.Query().Get("metrics") != "true" {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
		return
	}

	type withMetrics struct {
		session.Info
		Metrics any `json:"metrics"`
	}
	out := make([]withMetrics, 0, len(infos))
	for _, info := range infos {
		out = append(out, withMetrics{
			Info: info,
			Metrics: s.metrics.SessionMetrics(metricsRef(info)),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.ListByUser(r.PathValue("userId")),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.StopAndWait(r.Context(), id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "status": "stopped"})
}

func (s *Server) handleRestartSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Restart(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: info.ID,
		Status:    "restarted",
		Session:   info,
	})
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

// handleSendMessage is the legacy synchronous path; interactive clients
// use /ws/events instead.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := readJSON(r, &req); err != nil {
		writeValidationError(w, "invalid JSON body", nil)
		return
	}
	if req.Message == "" {
		writeValidationError(w, "message is required", map[string]any{"field": "message"})
		return
	}
	resp, err := s.sessions.SendMessage(r.Context(), r.PathValue("id"), req.Message)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": resp})
}

// handleSessionOutput exposes the rolling admin buffer.
func (s *Server) handleSessionOutput(w http.ResponseWriter, r *http.Request) {
	tail, err := s.sessions.OutputTail(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": tail})
}
