package api

import (
	"net/http"
	"time"
)

type metricsClientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

type metricsServerFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data"`
}

// handleMetricsWS streams system-wide metrics on a fixed cadence and,
// once a client subscribes to a session, that session's enhanced metrics
// on the same ticks.
func (s *Server) handleMetricsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if !s.wsAuthorized(r) {
		closeWS(conn, wsCloseUnauthorized, "authentication required")
		return
	}
	defer conn.Close()

	// reader feeds subscription changes to the single writer loop
	subscribe := make(chan string, 4)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			var frame metricsClientFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == "subscribe_session" {
				select {
				case subscribe <- frame.SessionID:
				default:
				}
			}
		}
	}()

	ticker := time.NewTicker(metricsBroadcastEvery)
	defer ticker.Stop()

	var sessionID string
	sendSystem := func() bool {
		snap := s.metrics.System(s.sessions.MetricsRefs())
		return writeWSJSON(conn, metricsServerFrame{Type: "system_metrics", Data: snap}) == nil
	}
	sendSession := func() bool {
		if sessionID == "" {
			return true
		}
		info, err := s.sessions.Get(sessionID)
		if err != nil {
			return true
		}
		sm := s.metrics.SessionMetrics(metricsRef(info))
		return writeWSJSON(conn, metricsServerFrame{
			Type:      "session_metrics",
			SessionID: sessionID,
			Data:      sm,
		}) == nil
	}

	if !sendSystem() {
		return
	}
	for {
		select {
		case <-readerDone:
			return
		case id := <-subscribe:
			sessionID = id
			if !sendSession() {
				return
			}
		case <-ticker.C:
			if !sendSystem() || !sendSession() {
				return
			}
		}
	}
}
