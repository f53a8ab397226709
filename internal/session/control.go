package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/agenticwork/sessiond/protocol"
)

// interruptByte is ETX, what Ctrl-C sends on a terminal.
const interruptByte = 0x03

// legacyResponseTimeout bounds how long SendMessage collects agent output
// for the synchronous REST path.
const legacyResponseTimeout = 30 * time.Second

// Write forwards bytes to the PTY stdin and refreshes last activity.
func (m *Manager) Write(sessionID string, data []byte) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.info.Status != StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, ErrStateInvalid)
	}
	s.info.LastActivity = time.Now().UTC()
	proc := s.proc
	s.mu.Unlock()

	if _, err := proc.Write(data); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// SendUserMessage writes one human NDJSON line to the agent and resets
// the translator's turn so the next tool use is narrated again.
func (m *Manager) SendUserMessage(sessionID, content string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(protocol.HumanMessage{Type: "human", Content: content})
	if err != nil {
		return err
	}
	s.translator.NewTurn()
	return m.Write(sessionID, append(line, '\n'))
}

// Interrupt sends ETX to the PTY, asking the agent to stop the current
// execution without ending the session.
func (m *Manager) Interrupt(sessionID string) error {
	return m.Write(sessionID, []byte{interruptByte})
}

// Resize forwards a window-size change to the PTY.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return s.proc.Resize(cols, rows)
}

// Stop signals the agent; the PTY reader's exit handler drives cleanup.
// The session's IDE instance is stopped best-effort first.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	if m.ide != nil {
		if err := m.ide.Stop(ctx, sessionID); err != nil {
			m.logger.Debug("ide stop", "session_id", sessionID, "error", err)
		}
	}

	s.mu.Lock()
	if s.info.Status != StatusRunning {
		s.mu.Unlock()
		return nil
	}
	s.info.Status = StatusStopping
	proc := s.proc
	s.mu.Unlock()

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		_ = proc.Kill()
	}
	// closing the PTY unblocks the reader if the child ignores SIGTERM
	go func() {
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			_ = proc.Kill()
			_ = proc.Close()
		}
	}()
	return nil
}

// StopAndWait stops the session and blocks until cleanup finishes or the
// context expires.
func (m *Manager) StopAndWait(ctx context.Context, sessionID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := m.Stop(ctx, sessionID); err != nil {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart stops the session and creates a fresh one with the same user,
// model and mode. The new session gets a new id.
func (m *Manager) Restart(ctx context.Context, sessionID string) (Info, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	opts := CreateOpts{
		UserID:        s.info.UserID,
		WorkspacePath: s.info.WorkspacePath,
		Model:         s.info.Model,
		APIKey:        s.apiKey,
	}
	s.mu.Unlock()

	if err := m.StopAndWait(ctx, sessionID); err != nil {
		return Info{}, fmt.Errorf("stopping %s: %w", sessionID, err)
	}
	return m.Create(ctx, opts)
}

// StopAll tears down every session, used at graceful shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, info := range m.List() {
		if err := m.StopAndWait(ctx, info.ID); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn("session stop failed", "session_id", info.ID, "error", err)
		}
	}
}

// SendMessage is the legacy synchronous path: write a user message, then
// collect the agent's text until the turn ends or the deadline passes.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string) (string, error) {
	subID, events, err := m.SubscribeEvents(sessionID)
	if err != nil {
		return "", err
	}
	defer m.UnsubscribeEvents(sessionID, subID)

	if err := m.SendUserMessage(sessionID, content); err != nil {
		return "", err
	}

	deadline := time.NewTimer(legacyResponseTimeout)
	defer deadline.Stop()

	var b strings.Builder
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return b.String(), nil
			}
			switch ev.Type {
			case protocol.EventTextBlock:
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(ev.Text)
			case protocol.EventMessageEnd, protocol.EventSessionEnded:
				return b.String(), nil
			}
		case <-deadline.C:
			return b.String(), nil
		case <-ctx.Done():
			return b.String(), ctx.Err()
		}
	}
}
