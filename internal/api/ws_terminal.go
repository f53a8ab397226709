package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// resizeFrame is the only control frame the terminal channel intercepts;
// everything else goes to the PTY verbatim.
type resizeFrame struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// handleTerminalWS is the raw bidirectional byte channel between a
// browser terminal and the session's PTY.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if !s.wsAuthorized(r) {
		closeWS(conn, wsCloseUnauthorized, "authentication required")
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		closeWS(conn, wsCloseMissingParameter, "sessionId is required")
		return
	}

	subID, raw, err := s.sessions.SubscribeRaw(sessionID)
	if err != nil {
		closeWS(conn, wsCloseNoSession, "session not available")
		return
	}
	defer s.sessions.UnsubscribeRaw(sessionID, subID)

	// single writer task; exits when the subscription channel closes
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for chunk := range raw {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		}
		closeWS(conn, websocket.CloseNormalClosure, "session ended")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType == websocket.TextMessage {
			var frame resizeFrame
			if json.Unmarshal(data, &frame) == nil && frame.Type == "resize" {
				if err := s.sessions.Resize(sessionID, frame.Cols, frame.Rows); err != nil {
					s.logger.Debug("terminal resize failed", "session_id", sessionID, "error", err)
				}
				continue
			}
		}
		if err := s.sessions.Write(sessionID, data); err != nil {
			break
		}
	}

	conn.Close()
	<-writerDone
}
