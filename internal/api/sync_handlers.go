package api

import (
	"net/http"
)

// handleForceSync pushes or pulls the workspace tree on demand.
// Direction defaults to cloud-bound; ?direction=down pulls instead.
func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.Get(id); err != nil {
		writeAPIError(w, err)
		return
	}

	var (
		n   int
		err error
	)
	direction := r.URL.Query().Get("direction")
	if direction == "down" {
		n, err = s.workspaces.ForceSyncFromCloud(r.Context(), id)
	} else {
		direction = "up"
		n, err = s.workspaces.ForceSyncToCloud(r.Context(), id)
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": id,
		"direction": direction,
		"files":     n,
	})
}

// handleSyncStatus reports the workspace store's active handles.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"activeWorkspaces": s.workspaces.ActiveCount(),
	}
	if userID := r.URL.Query().Get("userId"); userID != "" {
		metas, err := s.workspaces.ListUserWorkspaces(r.Context(), userID)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		resp["workspaces"] = metas
	}
	writeJSON(w, http.StatusOK, resp)
}
