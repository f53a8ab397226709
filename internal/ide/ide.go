// Package ide supervises per-session code-server children. Each instance
// serves one session's workspace on a pooled port, runs as the session's
// sandbox user when one is bound, and is hardened by configuration so the
// editor's own terminal surface is unusable.
package ide

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agenticwork/sessiond/internal/config"
	"github.com/agenticwork/sessiond/internal/ports"
	"github.com/agenticwork/sessiond/internal/sandbox"
)

var (
	ErrNotFound      = errors.New("ide: instance not found")
	ErrAlreadyActive = errors.New("ide: instance already active for session")
)

const (
	defaultStopGrace = 5 * time.Second
	healthPollEvery  = 250 * time.Millisecond

	// code-server prints this once its HTTP listener is up
	readySentinel = "HTTP server listening"
)

// lockedSettings suppresses the editor's terminal and panel surface and
// disables everything that phones home. Defence-in-depth only; hard
// isolation is the sandbox user.
const lockedSettings = `{
  "terminal.integrated.defaultProfile.linux": null,
  "terminal.integrated.profiles.linux": {},
  "workbench.startupEditor": "none",
  "workbench.panel.defaultLocation": "bottom",
  "telemetry.telemetryLevel": "off",
  "update.mode": "none",
  "security.workspace.trust.enabled": false,
  "extensions.autoUpdate": false,
  "extensions.autoCheckUpdates": false
}
`

// backtick cannot appear inside a raw string literal
const backtick = "`"

const lockedKeybindings = `[
  {"key": "ctrl+` + backtick + `", "command": "-workbench.action.terminal.toggleTerminal"},
  {"key": "ctrl+shift+` + backtick + `", "command": "-workbench.action.terminal.new"},
  {"key": "ctrl+shift+c", "command": "-workbench.action.terminal.openNativeConsole"}
]
`

// Instance is one running (or starting) code-server child.
type Instance struct {
	SessionID     string    `json:"sessionId"`
	UserID        string    `json:"userId"`
	Port          int       `json:"port"`
	URL           string    `json:"url"`
	WorkspacePath string    `json:"workspacePath"`
	Status        string    `json:"status"` // starting | running | stopped | error
	StartedAt     time.Time `json:"startedAt"`

	dataDir string
	proc    child
	// closed by reapOnExit once the child is gone
	exited chan struct{}
}

// child abstracts the spawned process for tests.
type child interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

// spawnFunc starts the IDE child and returns a handle plus its combined
// output stream.
type spawnFunc func(name string, args, env []string) (child, io.ReadCloser, error)

type execChild struct{ cmd *exec.Cmd }

func (c *execChild) Pid() int                   { return c.cmd.Process.Pid }
func (c *execChild) Signal(sig os.Signal) error { return c.cmd.Process.Signal(sig) }
func (c *execChild) Kill() error                { return c.cmd.Process.Kill() }
func (c *execChild) Wait() error                { return c.cmd.Wait() }

func execSpawn(name string, args, env []string) (child, io.ReadCloser, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = env
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return &execChild{cmd: cmd}, stdout, nil
}

// Manager owns the instance table and the port pool slice used for IDEs.
type Manager struct {
	cfg    config.IDEConfig
	ports  *ports.Pool
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance

	// test seams
	spawn       spawnFunc
	runCmd      func(ctx context.Context, name string, args ...string) error
	checkHealth func(port int) bool
	stopGrace   time.Duration
}

func NewManager(cfg config.IDEConfig, pool *ports.Pool, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		ports:     pool,
		logger:    logger,
		instances: make(map[string]*Instance),
		spawn:     execSpawn,
		stopGrace: defaultStopGrace,
	}
	m.runCmd = func(ctx context.Context, name string, args ...string) error {
		return exec.CommandContext(ctx, name, args...).Run()
	}
	m.checkHealth = func(port int) bool {
		client := &http.Client{Timeout: healthPollEvery}
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}
	return m
}

// Start launches a code-server child for the session and blocks until it
// is ready or the startup timeout elapses. Any failure releases the port
// and forgets the instance.
func (m *Manager) Start(ctx context.Context, userID, sessionID, workspacePath string, sandboxUser *sandbox.User) (*Instance, error) {
	m.mu.Lock()
	if _, ok := m.instances[sessionID]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	port, err := m.ports.Allocate()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	inst := &Instance{
		SessionID:     sessionID,
		UserID:        userID,
		Port:          port,
		URL:           m.instanceURL(port),
		WorkspacePath: workspacePath,
		Status:        "starting",
		StartedAt:     time.Now(),
		dataDir:       filepath.Join(m.cfg.DataDir, sessionID),
		exited:        make(chan struct{}),
	}
	m.instances[sessionID] = inst
	m.mu.Unlock()

	if err := m.launch(ctx, inst, sandboxUser); err != nil {
		m.forget(sessionID)
		return nil, err
	}
	return inst, nil
}

func (m *Manager) launch(ctx context.Context, inst *Instance, sandboxUser *sandbox.User) error {
	if err := m.writeUserConfig(inst.dataDir); err != nil {
		return fmt.Errorf("ide config: %w", err)
	}
	extensionsDir := m.cfg.ExtensionsDir
	if extensionsDir == "" {
		extensionsDir = filepath.Join(inst.dataDir, "extensions")
	}

	if sandboxUser != nil {
		// the child must be able to read its config and the workspace
		owner := fmt.Sprintf("%d:%d", sandboxUser.UID, sandboxUser.GID)
		if err := m.runCmd(ctx, "chown", "-R", owner, inst.dataDir); err != nil {
			return fmt.Errorf("chown data dir: %w", err)
		}
		if err := m.runCmd(ctx, "chown", "-R", owner, inst.WorkspacePath); err != nil {
			return fmt.Errorf("chown workspace: %w", err)
		}
	}

	args := []string{
		"--bind-addr", fmt.Sprintf("0.0.0.0:%d", inst.Port),
		"--auth", "none",
		"--disable-telemetry",
		"--disable-update-check",
		"--disable-workspace-trust",
		"--log", "error",
		"--user-data-dir", inst.dataDir,
		"--extensions-dir", extensionsDir,
		inst.WorkspacePath,
	}

	name := m.cfg.BinaryPath
	env := ideEnv(os.Environ())
	if sandboxUser != nil {
		name, args = sandbox.BuildSandboxedCommand(sandboxUser, m.cfg.BinaryPath, args, true)
		env = sandbox.SandboxEnv(sandboxUser, env)
	}

	proc, output, err := m.spawn(name, args, env)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", m.cfg.BinaryPath, err)
	}
	inst.proc = proc

	sentinel := make(chan struct{}, 1)
	go m.scanOutput(inst.SessionID, output, sentinel)
	go m.reapOnExit(inst, proc)

	if err := m.waitReady(ctx, inst.Port, sentinel); err != nil {
		_ = proc.Kill()
		return err
	}

	m.mu.Lock()
	if cur, ok := m.instances[inst.SessionID]; ok && cur == inst {
		inst.Status = "running"
	}
	m.mu.Unlock()
	m.logger.Info("ide started", "session_id", inst.SessionID, "port", inst.Port, "pid", proc.Pid())
	return nil
}

// ideEnv strips terminal identity from the child's environment.
func ideEnv(base []string) []string {
	out := make([]string, 0, len(base)+4)
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		switch key {
		case "SHELL", "TERM", "COLORTERM", "TERM_PROGRAM":
			continue
		}
		out = append(out, kv)
	}
	return append(out, "SHELL=/bin/false", "TERM=dumb", "COLORTERM=", "TERM_PROGRAM=")
}

func (m *Manager) writeUserConfig(dataDir string) error {
	userDir := filepath.Join(dataDir, "User")
	if err := os.MkdirAll(userDir, 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(userDir, "settings.json"), []byte(lockedSettings), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(userDir, "keybindings.json"), []byte(lockedKeybindings), 0o644)
}

// scanOutput watches the child's log for the readiness sentinel.
func (m *Manager) scanOutput(sessionID string, r io.ReadCloser, sentinel chan<- struct{}) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, readySentinel) {
			select {
			case sentinel <- struct{}{}:
			default:
			}
		}
		m.logger.Debug("ide output", "session_id", sessionID, "line", line)
	}
}

// waitReady blocks until the log sentinel or a healthz probe confirms the
// listener, bounded by the configured startup timeout.
func (m *Manager) waitReady(ctx context.Context, port int, sentinel <-chan struct{}) error {
	timeout := m.cfg.StartupTimeout
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(healthPollEvery)
	defer poll.Stop()

	for {
		select {
		case <-sentinel:
			return nil
		case <-poll.C:
			if m.checkHealth(port) {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("ide not ready after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reapOnExit handles child death, spontaneous or requested: the instance
// transitions to stopped, its port is released whatever the exit cause,
// and waiters on the exit channel are unblocked.
func (m *Manager) reapOnExit(inst *Instance, proc child) {
	err := proc.Wait()

	m.mu.Lock()
	cur, ok := m.instances[inst.SessionID]
	if ok && cur == inst {
		delete(m.instances, inst.SessionID)
		m.ports.Release(inst.Port)
		inst.Status = "stopped"
	}
	m.mu.Unlock()
	close(inst.exited)

	if ok {
		m.logger.Info("ide exited", "session_id", inst.SessionID, "error", err)
	}
}

// Stop terminates the session's IDE child: SIGTERM, bounded grace, then
// SIGKILL. Port release happens in the exit reaper.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	inst, ok := m.instances[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	inst.Status = "stopping"
	proc := inst.proc
	m.mu.Unlock()

	if proc == nil {
		m.forget(sessionID)
		return nil
	}
	_ = proc.Signal(syscall.SIGTERM)

	grace := time.NewTimer(m.stopGrace)
	defer grace.Stop()
	select {
	case <-inst.exited:
		return nil
	case <-grace.C:
		_ = proc.Kill()
		return nil
	case <-ctx.Done():
		_ = proc.Kill()
		return ctx.Err()
	}
}

// StopAll tears down every instance, used at graceful shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn("ide stop failed", "session_id", id, "error", err)
		}
	}
}

// Get returns the instance bound to a session.
func (m *Manager) Get(sessionID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[sessionID]
	return inst, ok
}

// List snapshots all active instances.
func (m *Manager) List() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[sessionID]; ok {
		delete(m.instances, sessionID)
		m.ports.Release(inst.Port)
	}
}

func (m *Manager) instanceURL(port int) string {
	if m.cfg.ExternalURL != "" {
		return fmt.Sprintf("%s:%d", strings.TrimRight(m.cfg.ExternalURL, "/"), port)
	}
	return fmt.Sprintf("http://localhost:%d", port)
}
