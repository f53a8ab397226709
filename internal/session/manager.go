package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agenticwork/sessiond/internal/config"
	"github.com/agenticwork/sessiond/internal/metrics"
	"github.com/agenticwork/sessiond/internal/sandbox"
	"github.com/agenticwork/sessiond/internal/store"
	"github.com/agenticwork/sessiond/internal/workspace"
	"github.com/agenticwork/sessiond/protocol"
)

// ideStopper is what the manager needs from the IDE supervisor during
// session stop. Optional; nil disables the hook.
type ideStopper interface {
	Stop(ctx context.Context, sessionID string) error
}

type Manager struct {
	cfg        *config.Config
	store      *store.Store
	workspaces *workspace.Manager
	sandboxes  *sandbox.Manager
	metrics    *metrics.Collector
	ide        ideStopper
	logger     *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	byUser    map[string][]string
	nextSubID int

	// test seam
	spawn spawnFunc
}

func NewManager(cfg *config.Config, st *store.Store, ws *workspace.Manager, sb *sandbox.Manager, mc *metrics.Collector, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      st,
		workspaces: ws,
		sandboxes:  sb,
		metrics:    mc,
		logger:     logger,
		sessions:   make(map[string]*session),
		byUser:     make(map[string][]string),
		spawn:      ptySpawn,
	}
}

// SetIDEStopper wires the IDE supervisor's stop hook. Done after
// construction because the supervisor and manager are built independently.
func (m *Manager) SetIDEStopper(s ideStopper) { m.ide = s }

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (Info, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return Info{}, ErrNotFound
	}
	return s.snapshot(), nil
}

// List snapshots every live session.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// ListByUser snapshots a user's live sessions.
func (m *Manager) ListByUser(userID string) []Info {
	m.mu.Lock()
	ids := append([]string(nil), m.byUser[userID]...)
	m.mu.Unlock()

	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		if info, err := m.Get(id); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// RunningForUser returns the user's running session, if any.
func (m *Manager) RunningForUser(userID string) (Info, bool) {
	for _, info := range m.ListByUser(userID) {
		if info.Status == StatusRunning || info.Status == StatusStarting {
			return info, true
		}
	}
	return Info{}, false
}

// SandboxUser returns the session's bound sandbox user, nil when the
// session runs unsandboxed or does not exist.
func (m *Manager) SandboxUser(sessionID string) *sandbox.User {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sandboxUser
}

// OutputTail returns the rolling admin buffer for a session.
func (m *Manager) OutputTail(sessionID string) ([]string, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.Tail(), nil
}

// MetricsRefs lists the live sessions in the shape the metrics collector
// aggregates over.
func (m *Manager) MetricsRefs() []metrics.SessionRef {
	infos := m.List()
	refs := make([]metrics.SessionRef, 0, len(infos))
	for _, info := range infos {
		refs = append(refs, metrics.SessionRef{
			SessionID:     info.ID,
			PID:           int32(info.PID),
			WorkspacePath: info.WorkspacePath,
		})
	}
	return refs
}

// ExpiredSessions returns ids whose idle time or total lifetime exceeds
// the given bounds. Consulted by the reaper.
func (m *Manager) ExpiredSessions(idleTimeout, maxLifetime time.Duration) []string {
	now := time.Now()
	var expired []string
	for _, info := range m.List() {
		if info.Status != StatusRunning {
			continue
		}
		if now.Sub(info.LastActivity) > idleTimeout || now.Sub(info.CreatedAt) > maxLifetime {
			expired = append(expired, info.ID)
		}
	}
	return expired
}

// SubscribeRaw attaches a raw PTY output subscriber. The returned channel
// is closed when the session ends or the subscriber falls too far behind.
func (m *Manager) SubscribeRaw(sessionID string) (int, <-chan []byte, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return 0, nil, ErrNotFound
	}
	m.nextSubID++
	id := m.nextSubID
	m.mu.Unlock()

	ch := make(chan []byte, rawQueueSize)
	s.mu.Lock()
	s.rawSubs[id] = ch
	s.mu.Unlock()
	return id, ch, nil
}

// UnsubscribeRaw detaches a raw subscriber.
func (m *Manager) UnsubscribeRaw(sessionID string, subID int) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if ch, ok := s.rawSubs[subID]; ok {
		delete(s.rawSubs, subID)
		close(ch)
	}
	s.mu.Unlock()
}

// SubscribeEvents attaches a translated-event subscriber.
func (m *Manager) SubscribeEvents(sessionID string) (int, <-chan protocol.Event, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return 0, nil, ErrNotFound
	}
	m.nextSubID++
	id := m.nextSubID
	m.mu.Unlock()

	ch := make(chan protocol.Event, eventQueueSize)
	s.mu.Lock()
	s.eventSubs[id] = ch
	s.mu.Unlock()
	return id, ch, nil
}

// UnsubscribeEvents detaches an event subscriber.
func (m *Manager) UnsubscribeEvents(sessionID string, subID int) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if ch, ok := s.eventSubs[subID]; ok {
		delete(s.eventSubs, subID)
		close(ch)
	}
	s.mu.Unlock()
}

// fanOutRaw delivers a PTY chunk to every raw subscriber. Full queues
// mean a slow subscriber; it is dropped so the reader never blocks.
func (m *Manager) fanOutRaw(s *session, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.rawSubs {
		select {
		case ch <- chunk:
		default:
			delete(s.rawSubs, id)
			close(ch)
			m.logger.Warn("dropping slow raw subscriber",
				"session_id", s.info.ID, "subscriber", id)
		}
	}
}

// fanOutEvent delivers a translated event to every event subscriber with
// the same drop-on-overflow policy.
func (m *Manager) fanOutEvent(s *session, ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.eventSubs {
		select {
		case ch <- ev:
		default:
			delete(s.eventSubs, id)
			close(ch)
			m.logger.Warn("dropping slow event subscriber",
				"session_id", s.info.ID, "subscriber", id)
		}
	}
}

func (m *Manager) lookup(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
