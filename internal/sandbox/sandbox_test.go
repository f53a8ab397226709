package sandbox

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls []string
	fail  map[string]error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	if err, ok := f.fail[name]; ok {
		return err
	}
	return nil
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	return "", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T) (*Manager, *fakeRunner, string) {
	t.Helper()
	wsBase := t.TempDir()
	m := NewManager(t.TempDir(), wsBase, testLogger())
	m.enabled = true
	m.killGrace = 0
	r := &fakeRunner{fail: make(map[string]error)}
	m.SetRunner(r)
	return m, r, wsBase
}

func TestUsername(t *testing.T) {
	assert.Equal(t, "agent-d2f1a9b0", Username("d2f1a9b0-1234-5678-9abc-def012345678"))
	assert.Equal(t, "agent-abc", Username("abc"))
}

func TestUIDPoolDistinctAndInRange(t *testing.T) {
	p := newUIDPool()
	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		uid, ok := p.allocate()
		require.True(t, ok)
		assert.GreaterOrEqual(t, uid, MinUID)
		assert.Less(t, uid, MaxUID)
		assert.False(t, seen[uid], "uid %d allocated twice", uid)
		seen[uid] = true
	}
}

func TestUIDPoolExhaustion(t *testing.T) {
	p := newUIDPool()
	p.now = func() time.Time { return time.Unix(0, 0) }
	for i := 0; i < probeBudget; i++ {
		_, ok := p.allocate()
		require.True(t, ok)
	}
	_, ok := p.allocate()
	assert.False(t, ok)
}

func TestUIDPoolReleaseReuse(t *testing.T) {
	p := newUIDPool()
	uid, ok := p.allocate()
	require.True(t, ok)
	p.release(uid)
	assert.Equal(t, 0, p.inUse())
}

func TestAllocateRunsUserCreation(t *testing.T) {
	m, r, wsBase := newTestManager(t)

	u, err := m.Allocate(context.Background(), "d2f1a9b0-1234", wsBase)
	require.NoError(t, err)
	assert.Equal(t, "agent-d2f1a9b0", u.Username)
	assert.Equal(t, u.UID, u.GID)
	assert.Equal(t, 1, m.InUse())

	joined := strings.Join(r.calls, "\n")
	assert.Contains(t, joined, "groupadd")
	assert.Contains(t, joined, "useradd")
	assert.Contains(t, joined, "chown -R")
}

func TestAllocateReleasesUIDOnFailure(t *testing.T) {
	m, r, wsBase := newTestManager(t)
	r.fail["useradd"] = assert.AnError

	_, err := m.Allocate(context.Background(), "feedbeef", wsBase)
	require.Error(t, err)
	assert.Equal(t, 0, m.InUse())
}

func TestAllocateDisabled(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.enabled = false

	_, err := m.Allocate(context.Background(), "abc", "/tmp")
	assert.ErrorIs(t, err, ErrPrivilegeDenied)
}

func TestDeleteKeepsWorkspace(t *testing.T) {
	m, r, wsBase := newTestManager(t)
	u, err := m.Allocate(context.Background(), "cafe0001", wsBase)
	require.NoError(t, err)

	m.Delete(context.Background(), u, true)

	assert.Equal(t, 0, m.InUse())
	assert.DirExists(t, wsBase)
	joined := strings.Join(r.calls, "\n")
	assert.Contains(t, joined, "pkill -TERM")
	assert.Contains(t, joined, "pkill -KILL")
	assert.Contains(t, joined, "userdel")
}

func TestDeleteRefusesWorkspaceOutsideBase(t *testing.T) {
	m, _, _ := newTestManager(t)
	outside := t.TempDir() // not under the workspaces base

	u := &User{UID: 12345, Username: "agent-x", HomeDir: t.TempDir(), WorkspacePath: outside}
	m.Delete(context.Background(), u, false)

	assert.DirExists(t, outside)
}

func TestPathInWorkspacesBase(t *testing.T) {
	m, _, wsBase := newTestManager(t)

	assert.True(t, m.pathInWorkspacesBase(wsBase+"/u1"))
	assert.False(t, m.pathInWorkspacesBase(wsBase))
	assert.False(t, m.pathInWorkspacesBase("/etc"))
	assert.False(t, m.pathInWorkspacesBase(wsBase+"/../evil"))
}

func TestBuildSandboxedCommand(t *testing.T) {
	u := &User{Username: "agent-ab12cd34"}

	shell, args := BuildSandboxedCommand(u, "agenticode", []string{"--model", "m one"}, true)
	assert.Equal(t, "su", shell)
	require.Len(t, args, 5)
	assert.Equal(t, "-s", args[0])
	assert.Equal(t, "/bin/bash", args[1])
	assert.Equal(t, "-c", args[2])
	assert.Equal(t, "agent-ab12cd34", args[4])

	script := args[3]
	assert.Contains(t, script, "ulimit -u 256")
	assert.Contains(t, script, "ulimit -c 0")
	assert.NotContains(t, script, "ulimit -v", "virtual memory stays unlimited")
	assert.Contains(t, script, "exec agenticode --model 'm one'")
}

func TestBuildSandboxedCommandNoLimits(t *testing.T) {
	u := &User{Username: "agent-ab12cd34"}

	_, args := BuildSandboxedCommand(u, "ls", nil, false)
	assert.Equal(t, "exec ls", args[3])
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "plain", shellQuote("plain"))
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, "'a b'", shellQuote("a b"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestSandboxEnv(t *testing.T) {
	u := &User{
		Username:      "agent-1",
		HomeDir:       "/var/lib/sessiond/homes/agent-1",
		WorkspacePath: "/workspaces/u1",
	}

	env := SandboxEnv(u, []string{"HOME=/root", "TERM=xterm", "PATH=/sbin", "BROKEN"})
	got := map[string]string{}
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		require.True(t, ok)
		got[k] = v
	}

	assert.Equal(t, u.HomeDir, got["HOME"])
	assert.Equal(t, "agent-1", got["USER"])
	assert.Equal(t, "agent-1", got["LOGNAME"])
	assert.Equal(t, u.WorkspacePath, got["PWD"])
	assert.Equal(t, sandboxPath, got["PATH"])
	assert.Equal(t, u.HomeDir+"/.config", got["XDG_CONFIG_HOME"])
	assert.Equal(t, u.HomeDir+"/.run", got["XDG_RUNTIME_DIR"])
	assert.Equal(t, "xterm", got["TERM"], "unrelated vars pass through")
	assert.NotContains(t, got, "BROKEN")
}
