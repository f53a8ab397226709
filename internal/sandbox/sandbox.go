// Package sandbox provides per-session OS-level isolation: a throwaway
// user per session, command prefixes that drop privileges under resource
// limits, and a hardened environment rooted in a private home.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrCapacityExhausted = errors.New("no free sandbox uid")
	ErrPrivilegeDenied   = errors.New("insufficient privileges to create users")
)

const (
	usernameTag = "agent-"

	// defaultKillGrace is the pause between SIGTERM and SIGKILL for a
	// user's processes during Delete.
	defaultKillGrace = 2 * time.Second
)

// User is a live sandbox user bound to one session.
type User struct {
	UID           int
	GID           int
	Username      string
	HomeDir       string
	WorkspacePath string
	CreatedAt     time.Time
}

// Runner executes privileged system commands. Seam for tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (execRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

// Manager allocates and tears down sandbox users.
type Manager struct {
	homesBase      string
	workspacesBase string
	runner         Runner
	uids           *uidPool
	enabled        bool
	killGrace      time.Duration
	logger         *slog.Logger
}

func NewManager(homesBase, workspacesBase string, logger *slog.Logger) *Manager {
	return &Manager{
		homesBase:      homesBase,
		workspacesBase: workspacesBase,
		runner:         execRunner{},
		uids:           newUIDPool(),
		killGrace:      defaultKillGrace,
		logger:         logger,
	}
}

// SetRunner replaces the command runner. Test seam.
func (m *Manager) SetRunner(r Runner) { m.runner = r }

// Initialize probes whether the process can create OS users. When it
// cannot, sandboxing is disabled and sessions run as the manager's own
// user (degraded mode, logged loudly).
func (m *Manager) Initialize() bool {
	if os.Geteuid() != 0 {
		m.logger.Warn("not running as root, sandboxing disabled")
		m.enabled = false
		return false
	}
	if _, err := exec.LookPath("useradd"); err != nil {
		m.logger.Warn("useradd not found, sandboxing disabled", "error", err)
		m.enabled = false
		return false
	}
	if err := os.MkdirAll(m.homesBase, 0o755); err != nil {
		m.logger.Warn("cannot create homes base, sandboxing disabled", "path", m.homesBase, "error", err)
		m.enabled = false
		return false
	}
	m.enabled = true
	return true
}

func (m *Manager) Enabled() bool { return m.enabled }

// Username derives the deterministic sandbox username for a session id.
func Username(sessionID string) string {
	hex := strings.ReplaceAll(sessionID, "-", "")
	if len(hex) > 8 {
		hex = hex[:8]
	}
	return usernameTag + hex
}

// Allocate creates a sandbox user owning workspacePath. On any failure
// the UID is released before returning.
func (m *Manager) Allocate(ctx context.Context, sessionID, workspacePath string) (*User, error) {
	if !m.enabled {
		return nil, ErrPrivilegeDenied
	}

	uid, ok := m.uids.allocate()
	if !ok {
		return nil, ErrCapacityExhausted
	}

	username := Username(sessionID)
	homeDir := filepath.Join(m.homesBase, username)
	user := &User{
		UID:           uid,
		GID:           uid,
		Username:      username,
		HomeDir:       homeDir,
		WorkspacePath: workspacePath,
		CreatedAt:     time.Now().UTC(),
	}

	if err := m.createUser(ctx, user); err != nil {
		m.uids.release(uid)
		return nil, err
	}
	m.logger.Info("sandbox user created",
		"username", username, "uid", uid, "workspace", workspacePath)
	return user, nil
}

func (m *Manager) createUser(ctx context.Context, u *User) error {
	uidStr := strconv.Itoa(u.UID)

	if err := m.runner.Run(ctx, "groupadd", "-g", uidStr, u.Username); err != nil {
		return classifyCreateErr(err)
	}
	if err := os.MkdirAll(u.HomeDir, 0o750); err != nil {
		m.removeGroup(ctx, u)
		return fmt.Errorf("create home: %w", err)
	}
	err := m.runner.Run(ctx, "useradd",
		"-u", uidStr,
		"-g", uidStr,
		"-d", u.HomeDir,
		"-s", "/bin/bash",
		"-M", // home already created with the right mode
		u.Username,
	)
	if err != nil {
		os.RemoveAll(u.HomeDir)
		m.removeGroup(ctx, u)
		return classifyCreateErr(err)
	}

	owner := uidStr + ":" + uidStr
	if err := m.runner.Run(ctx, "chown", "-R", owner, u.WorkspacePath); err != nil {
		m.removeUser(ctx, u)
		return fmt.Errorf("chown workspace: %w", err)
	}
	if err := os.Chmod(u.WorkspacePath, 0o750); err != nil {
		m.removeUser(ctx, u)
		return fmt.Errorf("chmod workspace: %w", err)
	}
	if err := m.runner.Run(ctx, "chown", owner, u.HomeDir); err != nil {
		m.removeUser(ctx, u)
		return fmt.Errorf("chown home: %w", err)
	}
	return nil
}

func classifyCreateErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "Permission denied") || strings.Contains(msg, "cannot lock") {
		return fmt.Errorf("%w: %v", ErrPrivilegeDenied, err)
	}
	return err
}

// Delete tears the user down: kills its processes, removes the OS
// user/group, releases the UID and removes the private home. The
// workspace survives unless keepWorkspace is false and the path is rooted
// inside the configured workspaces base. Best-effort throughout.
func (m *Manager) Delete(ctx context.Context, u *User, keepWorkspace bool) {
	if u == nil {
		return
	}
	m.killUserProcesses(ctx, u.UID)
	m.removeUser(ctx, u)
	m.uids.release(u.UID)

	if err := os.RemoveAll(u.HomeDir); err != nil {
		m.logger.Warn("remove sandbox home", "path", u.HomeDir, "error", err)
	}

	if !keepWorkspace {
		if m.pathInWorkspacesBase(u.WorkspacePath) {
			if err := os.RemoveAll(u.WorkspacePath); err != nil {
				m.logger.Warn("remove workspace", "path", u.WorkspacePath, "error", err)
			}
		} else {
			m.logger.Warn("refusing to remove workspace outside base",
				"path", u.WorkspacePath, "base", m.workspacesBase)
		}
	}
	m.logger.Info("sandbox user deleted", "username", u.Username, "uid", u.UID)
}

func (m *Manager) killUserProcesses(ctx context.Context, uid int) {
	uidStr := strconv.Itoa(uid)
	// TERM first, then KILL whatever survived the grace period.
	_ = m.runner.Run(ctx, "pkill", "-TERM", "-u", uidStr)
	time.Sleep(m.killGrace)
	_ = m.runner.Run(ctx, "pkill", "-KILL", "-u", uidStr)
}

func (m *Manager) removeUser(ctx context.Context, u *User) {
	if err := m.runner.Run(ctx, "userdel", u.Username); err != nil {
		m.logger.Warn("userdel", "username", u.Username, "error", err)
	}
	m.removeGroup(ctx, u)
}

func (m *Manager) removeGroup(ctx context.Context, u *User) {
	if err := m.runner.Run(ctx, "groupdel", u.Username); err != nil {
		m.logger.Warn("groupdel", "username", u.Username, "error", err)
	}
}

func (m *Manager) pathInWorkspacesBase(path string) bool {
	base, err := filepath.Abs(m.workspacesBase)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}

// InUse reports the number of live sandbox UIDs.
func (m *Manager) InUse() int { return m.uids.inUse() }
