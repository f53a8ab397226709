package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/websocket"

	"github.com/agenticwork/sessiond/internal/session"
)

// inbound frames on the events channel
type eventsClientFrame struct {
	Type        string           `json:"type"`
	Content     string           `json:"content,omitempty"`
	Attachments []attachmentData `json:"attachments,omitempty"`
}

type attachmentData struct {
	Name    string `json:"name"`
	Content string `json:"content"` // base64
}

// handleEventsWS is the structured event channel. Connecting with only a
// userId lazily attaches to (or creates) that user's session; the token
// query parameter selects hosted-API mode and doubles as the API key.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if !s.wsAuthorized(r) {
		closeWS(conn, wsCloseUnauthorized, "authentication required")
		return
	}

	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		closeWS(conn, wsCloseMissingParameter, "userId is required")
		return
	}
	token := q.Get("token")
	wantMode := session.ModeOllama
	if token != "" {
		wantMode = session.ModeAPI
	}

	sessionID := q.Get("sessionId")
	if sessionID == "" {
		info, ok := s.sessions.RunningForUser(userID)
		if ok && info.Mode != wantMode {
			// the client switched between hosted and local modes; the
			// running agent has the wrong credentials baked in
			s.logger.Info("replacing session on mode switch",
				"session_id", info.ID, "from", info.Mode, "to", wantMode)
			_ = s.sessions.StopAndWait(r.Context(), info.ID)
			ok = false
		}
		if ok {
			sessionID = info.ID
		} else {
			created, err := s.sessions.Create(r.Context(), session.CreateOpts{
				UserID: userID,
				APIKey: token,
			})
			if err != nil {
				s.logger.Error("session create for events channel failed",
					"user_id", userID, "error", err)
				closeWS(conn, wsCloseUnavailable, "could not start session")
				return
			}
			sessionID = created.ID
		}
	}

	subID, events, err := s.sessions.SubscribeEvents(sessionID)
	if err != nil {
		closeWS(conn, wsCloseNoSession, "session not available")
		return
	}
	defer s.sessions.UnsubscribeEvents(sessionID, subID)

	info, err := s.sessions.Get(sessionID)
	if err != nil {
		closeWS(conn, wsCloseNoSession, "session not available")
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range events {
			if err := writeWSJSON(conn, ev); err != nil {
				return
			}
		}
		closeWS(conn, websocket.CloseNormalClosure, "session ended")
	}()

	for {
		var frame eventsClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		switch frame.Type {
		case "user_message":
			content := frame.Content
			if len(frame.Attachments) > 0 {
				saved, err := saveAttachments(info.WorkspacePath, frame.Attachments)
				if err != nil {
					s.logger.Warn("saving attachments failed",
						"session_id", sessionID, "error", err)
				} else if len(saved) > 0 {
					content = fmt.Sprintf("%s\n\nAttached files: %v", content, saved)
				}
			}
			if err := s.sessions.SendUserMessage(sessionID, content); err != nil {
				s.logger.Warn("user message delivery failed",
					"session_id", sessionID, "error", err)
			}
		case "stop_execution":
			if err := s.sessions.Interrupt(sessionID); err != nil {
				s.logger.Warn("interrupt failed", "session_id", sessionID, "error", err)
			}
		}
	}

	conn.Close()
	<-writerDone
}

// saveAttachments decodes uploaded files into the workspace's uploads
// directory and returns their workspace-relative paths.
func saveAttachments(workspacePath string, attachments []attachmentData) ([]string, error) {
	dir := filepath.Join(workspacePath, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating uploads dir: %w", err)
	}
	var saved []string
	for _, a := range attachments {
		name := filepath.Base(a.Name)
		if name == "." || name == string(filepath.Separator) {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return saved, fmt.Errorf("decoding %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return saved, fmt.Errorf("writing %s: %w", name, err)
		}
		saved = append(saved, filepath.Join("uploads", name))
	}
	return saved, nil
}
