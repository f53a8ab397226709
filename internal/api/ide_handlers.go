package api

import (
	"net/http"

	"github.com/agenticwork/sessiond/internal/ide"
)

// handleStartIDE launches a code-server instance bound to the session.
func (s *Server) handleStartIDE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.sessions.Get(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if existing, ok := s.ides.Get(id); ok {
		writeJSON(w, http.StatusOK, existing)
		return
	}

	inst, err := s.ides.Start(r.Context(), info.UserID, id, info.WorkspacePath, s.sessions.SandboxUser(id))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetIDE(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.ides.Get(r.PathValue("id"))
	if !ok {
		writeAPIError(w, ide.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleStopIDE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ides.Stop(r.Context(), id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "status": "stopped"})
}

func (s *Server) handleListIDEs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"instances": s.ides.List()})
}
