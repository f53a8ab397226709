package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/agenticwork/sessiond/internal/events"
	"github.com/agenticwork/sessiond/internal/sandbox"
	"github.com/agenticwork/sessiond/internal/store"
	"github.com/agenticwork/sessiond/protocol"
)

// contextFileName is the agent's per-workspace instruction file. A
// templated default is created when the workspace has none.
const contextFileName = "AGENTICODE.md"

const contextFileTemplate = `# Project Context

This file gives the coding agent persistent context about this workspace.
Describe your project, conventions, and anything the agent should know.
`

// Create builds a new session end to end. Failures before the PTY spawn
// unwind every allocation made so far and the session never appears in
// the table with a dangling resource.
func (m *Manager) Create(ctx context.Context, opts CreateOpts) (Info, error) {
	if opts.UserID == "" {
		return Info{}, fmt.Errorf("userId is required")
	}

	if m.countActive(opts.UserID) >= m.cfg.MaxSessionsPerUser {
		return Info{}, fmt.Errorf("user %s: %w", opts.UserID, ErrQuotaExceeded)
	}

	sessionID := uuid.New().String()
	mode := ModeOllama
	if opts.APIKey != "" {
		mode = ModeAPI
	}
	model := opts.Model
	if model == "" {
		model = m.cfg.Agent.DefaultModel
	}

	// Cloud must succeed; the local tree is just a cache and is not
	// authoritative when the manager is replicated.
	init, err := m.workspaces.Initialize(ctx, opts.UserID, sessionID, model)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	workspacePath := init.LocalPath
	if opts.WorkspacePath != "" {
		workspacePath = opts.WorkspacePath
	}

	if err := m.checkStorageLimit(workspacePath, opts.StorageMB); err != nil {
		_ = m.workspaces.Stop(ctx, sessionID)
		return Info{}, err
	}

	m.ensureContextFile(workspacePath)

	var sandboxUser *sandbox.User
	if m.sandboxes.Enabled() {
		sandboxUser, err = m.sandboxes.Allocate(ctx, sessionID, workspacePath)
		if err != nil {
			_ = m.workspaces.Stop(ctx, sessionID)
			return Info{}, fmt.Errorf("allocate sandbox: %w", err)
		}
	}

	name, args := m.composeCommand(mode, model, workspacePath, opts.APIKey, sandboxUser)
	env := m.composeEnv(sessionID, opts.UserID, mode, opts.APIKey, sandboxUser)

	now := time.Now().UTC()

	// the starting row lands before the spawn so a daemon crash here
	// leaves a record the reaper reconciles instead of a silent leak
	startRec := &store.Record{
		ID:            sessionID,
		UserID:        opts.UserID,
		Model:         model,
		Mode:          mode,
		Status:        StatusStarting,
		WorkspacePath: workspacePath,
		CreatedAt:     now,
		LastActivity:  now,
	}
	if sandboxUser != nil {
		startRec.SandboxUID = sandboxUser.UID
		startRec.SandboxUsername = sandboxUser.Username
	}
	if err := m.store.Upsert(startRec); err != nil {
		m.logger.Warn("persist starting session failed", "session_id", sessionID, "error", err)
	}

	proc, err := m.spawn(name, args, env, ptyCols, ptyRows)
	if err != nil {
		if sandboxUser != nil {
			m.sandboxes.Delete(ctx, sandboxUser, true)
		}
		_ = m.workspaces.Stop(ctx, sessionID)
		if uerr := m.store.UpdateStatus(sessionID, StatusError); uerr != nil {
			m.logger.Warn("persist error status failed", "session_id", sessionID, "error", uerr)
		}
		return Info{}, fmt.Errorf("spawn agent: %w", err)
	}

	s := &session{
		info: Info{
			ID:            sessionID,
			UserID:        opts.UserID,
			Model:         model,
			Mode:          mode,
			Status:        StatusRunning,
			WorkspacePath: workspacePath,
			PID:           proc.Pid(),
			CreatedAt:     now,
			LastActivity:  now,
		},
		apiKey:      opts.APIKey,
		sandboxUser: sandboxUser,
		proc:        proc,
		output:      newRingBuffer(outputBufferLines),
		rawSubs:     make(map[int]chan []byte),
		eventSubs:   make(map[int]chan protocol.Event),
		done:        make(chan struct{}),
	}
	if sandboxUser != nil {
		s.info.SandboxUsername = sandboxUser.Username
	}
	s.translator = events.NewTranslator(func(ev protocol.Event) {
		m.fanOutEvent(s, ev)
	}, m.logger)

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.byUser[opts.UserID] = append(m.byUser[opts.UserID], sessionID)
	m.mu.Unlock()

	go m.readLoop(s)

	m.persist(s)
	m.logger.Info("session created",
		"session_id", sessionID, "user_id", opts.UserID, "mode", mode,
		"pid", s.info.PID, "sandboxed", sandboxUser != nil)
	return s.snapshot(), nil
}

func (m *Manager) countActive(userID string) int {
	n := 0
	for _, info := range m.ListByUser(userID) {
		if info.Status == StatusRunning || info.Status == StatusStarting {
			n++
		}
	}
	return n
}

// checkStorageLimit measures the workspace and rejects sessions whose
// tree already exceeds the effective cap.
func (m *Manager) checkStorageLimit(workspacePath string, overrideMB int64) error {
	limit := m.cfg.MaxWorkspaceSizeBytes()
	if overrideMB > 0 {
		limit = overrideMB * units.MiB
	}
	usage := m.metrics.Workspace(workspacePath)
	if usage.TotalBytes > limit {
		return fmt.Errorf("%w: %s used, %s allowed",
			ErrStorageLimitExceeded,
			units.BytesSize(float64(usage.TotalBytes)),
			units.BytesSize(float64(limit)))
	}
	return nil
}

// ensureContextFile is best-effort; a read-only workspace must not block
// session creation.
func (m *Manager) ensureContextFile(workspacePath string) {
	path := filepath.Join(workspacePath, contextFileName)
	if _, err := os.Stat(path); err == nil {
		return
	}
	if err := os.WriteFile(path, []byte(contextFileTemplate), 0o644); err != nil {
		m.logger.Warn("cannot create context file", "path", path, "error", err)
	}
}

// composeCommand builds the agent argv, wrapped in the privilege-dropping
// su preamble when a sandbox user is bound.
func (m *Manager) composeCommand(mode, model, workspacePath, apiKey string, u *sandbox.User) (string, []string) {
	args := []string{
		"--output-format", "stream-json",
		"--auto-approve",
		"--non-interactive",
		"--cwd", workspacePath,
	}
	if mode == ModeAPI {
		// model selection is owned by the remote config service
		args = append(args, "--provider", "api")
		if m.cfg.Agent.APIEndpoint != "" {
			args = append(args, "--api-endpoint", m.cfg.Agent.APIEndpoint)
		}
		args = append(args, "--api-key", apiKey)
	} else {
		if model != "" {
			args = append(args, "--model", model)
		}
		args = append(args, "--ollama-host", m.cfg.Agent.OllamaHost)
	}

	if u != nil {
		return sandbox.BuildSandboxedCommand(u, m.cfg.Agent.Path, args, true)
	}
	return m.cfg.Agent.Path, args
}

// composeEnv merges the base environment with terminal identity, session
// identity, and mode-specific variables. NO_COLOR is always removed so
// the agent's stream formatting is deterministic.
func (m *Manager) composeEnv(sessionID, userID, mode, apiKey string, u *sandbox.User) []string {
	env := make([]string, 0, len(os.Environ())+8)
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if key == "NO_COLOR" || key == "TERM" {
			continue
		}
		env = append(env, kv)
	}
	env = append(env,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"AGENTICODE_SESSION_ID="+sessionID,
		"AGENTICODE_USER_ID="+userID,
	)
	if mode == ModeAPI {
		env = append(env, "AGENTICWORK_API_ENDPOINT="+m.cfg.Agent.APIEndpoint,
			"AGENTICODE_API_KEY="+apiKey)
	} else {
		env = append(env, "OLLAMA_HOST="+m.cfg.Agent.OllamaHost)
	}
	if u != nil {
		env = sandbox.SandboxEnv(u, env)
	}
	return env
}

// readLoop is the single reader for a session's PTY. Every downstream
// consumer (admin buffer, translator, raw subscribers) hangs off it.
func (m *Manager) readLoop(s *session) {
	buf := make([]byte, 4096)
	var lineRemainder []byte
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			lineRemainder = m.bufferLines(s, append(lineRemainder, chunk...))
			s.translator.Feed(chunk)
			m.fanOutRaw(s, chunk)
		}
		if err != nil {
			break
		}
	}
	m.handleExit(s)
}

// bufferLines appends complete non-empty lines to the rolling admin
// buffer and returns the unterminated tail.
func (m *Manager) bufferLines(s *session, data []byte) []byte {
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return data
		}
		line := strings.TrimSpace(string(data[:idx]))
		data = data[idx+1:]
		if line == "" {
			continue
		}
		s.mu.Lock()
		s.output.Append(line)
		s.mu.Unlock()
	}
}

// handleExit runs exactly once per session, when the PTY reader sees EOF.
func (m *Manager) handleExit(s *session) {
	_ = s.proc.Wait()

	s.mu.Lock()
	s.info.Status = StatusStopped
	s.mu.Unlock()

	m.cleanup(s)
	close(s.done)
	m.logger.Info("session exited", "session_id", s.info.ID, "user_id", s.info.UserID)
}

// cleanup releases every session-bound resource. Order matters: the user
// index first so new sessions are admitted, the workspace flush before
// the sandbox user is removed, metadata last.
func (m *Manager) cleanup(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s.mu.Lock()
	info := s.info
	sandboxUser := s.sandboxUser
	s.mu.Unlock()

	m.mu.Lock()
	m.byUser[info.UserID] = removeString(m.byUser[info.UserID], info.ID)
	if len(m.byUser[info.UserID]) == 0 {
		delete(m.byUser, info.UserID)
	}
	m.mu.Unlock()

	if info.PID > 0 {
		m.metrics.ClearBaseline(int32(info.PID))
	}
	m.metrics.ClearSession(info.ID)

	if err := m.workspaces.Stop(ctx, info.ID); err != nil {
		m.logger.Warn("workspace stop failed", "session_id", info.ID, "error", err)
	}

	if sandboxUser != nil {
		// files already synced to cloud; the workspace tree stays
		m.sandboxes.Delete(ctx, sandboxUser, true)
	}

	if err := m.store.UpdateStatus(info.ID, StatusStopped); err != nil {
		m.logger.Warn("persist stopped status failed", "session_id", info.ID, "error", err)
	}

	m.mu.Lock()
	delete(m.sessions, info.ID)
	m.mu.Unlock()

	s.mu.Lock()
	for id, ch := range s.rawSubs {
		delete(s.rawSubs, id)
		close(ch)
	}
	for id, ch := range s.eventSubs {
		delete(s.eventSubs, id)
		close(ch)
	}
	s.mu.Unlock()
}

// persist writes the session record. Best-effort: the in-memory table is
// authoritative while the process lives.
func (m *Manager) persist(s *session) {
	info := s.snapshot()
	rec := &store.Record{
		ID:            info.ID,
		UserID:        info.UserID,
		Model:         info.Model,
		Mode:          info.Mode,
		Status:        info.Status,
		WorkspacePath: info.WorkspacePath,
		PID:           info.PID,
		CreatedAt:     info.CreatedAt,
		LastActivity:  info.LastActivity,
	}
	s.mu.Lock()
	if s.sandboxUser != nil {
		rec.SandboxUID = s.sandboxUser.UID
		rec.SandboxUsername = s.sandboxUser.Username
	}
	s.mu.Unlock()
	if err := m.store.Upsert(rec); err != nil {
		m.logger.Warn("persist session failed", "session_id", info.ID, "error", err)
	}
}
