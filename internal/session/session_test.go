package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/sessiond/internal/config"
	"github.com/agenticwork/sessiond/internal/metrics"
	"github.com/agenticwork/sessiond/internal/objstore"
	"github.com/agenticwork/sessiond/internal/sandbox"
	"github.com/agenticwork/sessiond/internal/testutil"
	"github.com/agenticwork/sessiond/internal/workspace"
	"github.com/agenticwork/sessiond/protocol"
)

// fakeAgent stands in for the PTY child. The test writes agent stdout
// into emit(); everything the manager writes lands in stdin.
type fakeAgent struct {
	pid int

	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	stdin   bytes.Buffer
	resizes [][2]uint16

	exited   chan struct{}
	exitOnce sync.Once
}

func newFakeAgent(pid int) *fakeAgent {
	pr, pw := io.Pipe()
	return &fakeAgent{pid: pid, pr: pr, pw: pw, exited: make(chan struct{})}
}

func (a *fakeAgent) Read(p []byte) (int, error) { return a.pr.Read(p) }

func (a *fakeAgent) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stdin.Write(p)
}

func (a *fakeAgent) Close() error { a.exit(); return nil }
func (a *fakeAgent) Pid() int     { return a.pid }

func (a *fakeAgent) Resize(cols, rows uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resizes = append(a.resizes, [2]uint16{cols, rows})
	return nil
}

func (a *fakeAgent) Signal(os.Signal) error { a.exit(); return nil }
func (a *fakeAgent) Kill() error            { a.exit(); return nil }
func (a *fakeAgent) Wait() error            { <-a.exited; return nil }

func (a *fakeAgent) exit() {
	a.exitOnce.Do(func() {
		a.pw.Close()
		close(a.exited)
	})
}

func (a *fakeAgent) emit(line string) {
	a.pw.Write([]byte(line + "\n"))
}

func (a *fakeAgent) stdinString() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stdin.String()
}

// spawnRecorder captures every spawn and returns a fresh fake agent.
type spawnRecorder struct {
	mu     sync.Mutex
	names  []string
	args   [][]string
	envs   [][]string
	agents []*fakeAgent
	fail   error
}

func (r *spawnRecorder) spawn(name string, args, env []string, cols, rows uint16) (agentHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	a := newFakeAgent(5000 + len(r.agents))
	r.names = append(r.names, name)
	r.args = append(r.args, args)
	r.envs = append(r.envs, env)
	r.agents = append(r.agents, a)
	return a, nil
}

func (r *spawnRecorder) last() *fakeAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[len(r.agents)-1]
}

func newTestManager(t *testing.T) (*Manager, *spawnRecorder, *config.Config) {
	t.Helper()
	base := t.TempDir()
	cfg := testutil.TestConfig(base)
	st := testutil.NewTestStore(t)

	ws := workspace.NewManager(cfg.Storage, base, objstore.NewFake(), testutil.Logger())
	sb := sandbox.NewManager(filepath.Join(t.TempDir(), "homes"), base, testutil.Logger()) // never initialized: disabled
	mc := metrics.NewCollector(testutil.Logger())

	m := NewManager(cfg, st, ws, sb, mc, testutil.Logger())
	rec := &spawnRecorder{}
	m.spawn = rec.spawn
	return m, rec, cfg
}

func TestCreateAndGet(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info.ID)

	assert.Equal(t, StatusRunning, info.Status)
	assert.Equal(t, ModeOllama, info.Mode)
	assert.Equal(t, "qwen2.5-coder:7b", info.Model)
	assert.NotZero(t, info.PID)
	assert.FileExists(t, filepath.Join(info.WorkspacePath, contextFileName))

	got, err := m.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)

	// persisted for crash reconciliation
	recd, err := m.store.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, recd.Status)
	assert.Equal(t, "u1", recd.UserID)

	assert.Equal(t, "agenticode", rec.names[0])
	assert.Contains(t, rec.args[0], "--output-format")
	assert.Contains(t, rec.args[0], "stream-json")
	assert.Contains(t, rec.args[0], "--ollama-host")
}

func TestCreateAPIMode(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	t.Setenv("NO_COLOR", "1")

	info, err := m.Create(ctx, CreateOpts{UserID: "u1", APIKey: "sk-test"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info.ID)

	assert.Equal(t, ModeAPI, info.Mode)
	assert.Contains(t, rec.args[0], "--provider")
	assert.Contains(t, rec.args[0], "api")
	assert.NotContains(t, rec.args[0], "--model", "api mode defers model choice")

	env := rec.envs[0]
	assert.Contains(t, env, "AGENTICODE_SESSION_ID="+info.ID)
	assert.Contains(t, env, "AGENTICODE_USER_ID=u1")
	assert.Contains(t, env, "TERM=xterm-256color")
	for _, kv := range env {
		assert.NotEqual(t, "NO_COLOR=1", kv)
	}
}

func TestQuotaExceeded(t *testing.T) {
	m, _, cfg := newTestManager(t)
	cfg.MaxSessionsPerUser = 1
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info.ID)

	_, err = m.Create(ctx, CreateOpts{UserID: "u1"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// other users unaffected
	info2, err := m.Create(ctx, CreateOpts{UserID: "u2"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info2.ID)
}

func TestStorageLimitExceeded(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	// pre-populate the local workspace beyond a 1 MB cap
	local := m.workspaces.LocalPath("u1")
	require.NoError(t, os.MkdirAll(local, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "big.bin"), make([]byte, 2<<20), 0o644))

	_, err := m.Create(ctx, CreateOpts{UserID: "u1", StorageMB: 1})
	assert.ErrorIs(t, err, ErrStorageLimitExceeded)
	assert.Empty(t, m.List(), "failed create leaves no session behind")
}

func TestWriteAndActivity(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info.ID)

	before, _ := m.Get(info.ID)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Write(info.ID, []byte("ls\n")))

	assert.Equal(t, "ls\n", rec.last().stdinString())
	after, _ := m.Get(info.ID)
	assert.True(t, after.LastActivity.After(before.LastActivity))

	assert.ErrorIs(t, m.Write("nope", []byte("x")), ErrNotFound)
}

func TestSendUserMessageWritesNDJSON(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info.ID)

	require.NoError(t, m.SendUserMessage(info.ID, "build me a todo app"))
	assert.Equal(t, `{"type":"human","content":"build me a todo app"}`+"\n", rec.last().stdinString())
}

func TestUserMessageDuringOutputStream(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info.ID)

	agent := rec.last()

	// agent output and user messages land concurrently; the turn reset
	// must not trip the race detector or corrupt parser state
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			agent.emit(`{"type":"assistant","subtype":"text","text":"chunk"}`)
		}
	}()
	for i := 0; i < 20; i++ {
		require.NoError(t, m.SendUserMessage(info.ID, "again"))
	}
	wg.Wait()

	assert.Contains(t, agent.stdinString(), `{"type":"human","content":"again"}`)
}

func TestInterrupt(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info.ID)

	require.NoError(t, m.Interrupt(info.ID))
	assert.Equal(t, []byte{0x03}, []byte(rec.last().stdinString()))
}

func TestResize(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info.ID)

	require.NoError(t, m.Resize(info.ID, 80, 24))
	assert.Equal(t, [2]uint16{80, 24}, rec.last().resizes[0])
}

func TestEventFanOut(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info.ID)

	subID, events, err := m.SubscribeEvents(info.ID)
	require.NoError(t, err)
	defer m.UnsubscribeEvents(info.ID, subID)

	rec.last().emit(`{"type":"assistant","subtype":"text","text":"hello"}`)

	select {
	case ev := <-events:
		assert.Equal(t, protocol.EventTextBlock, ev.Type)
		assert.Equal(t, "hello", ev.Text)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestRawFanOutPreservesOrder(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info.ID)

	subID, raw, err := m.SubscribeRaw(info.ID)
	require.NoError(t, err)
	defer m.UnsubscribeRaw(info.ID, subID)

	rec.last().emit("first")
	rec.last().emit("second")

	var got []byte
	deadline := time.After(time.Second)
	for !bytes.Contains(got, []byte("second")) {
		select {
		case chunk := <-raw:
			got = append(got, chunk...)
		case <-deadline:
			t.Fatal("raw output not delivered")
		}
	}
	assert.Less(t, bytes.Index(got, []byte("first")), bytes.Index(got, []byte("second")))
}

func TestOutputTail(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info.ID)

	rec.last().emit("line one")
	rec.last().emit("")
	rec.last().emit("line two")

	assert.Eventually(t, func() bool {
		tail, err := m.OutputTail(info.ID)
		return err == nil && len(tail) == 2
	}, time.Second, 10*time.Millisecond)

	tail, err := m.OutputTail(info.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"line one", "line two"}, tail)
}

func TestRingBufferEvictsOldest(t *testing.T) {
	b := newRingBuffer(3)
	for _, s := range []string{"a", "b", "c", "d"} {
		b.Append(s)
	}
	assert.Equal(t, []string{"b", "c", "d"}, b.Tail())
}

func TestStopCleansUp(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, m.StopAndWait(ctx, info.ID))

	_, err = m.Get(info.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, m.ListByUser("u1"))
	assert.Equal(t, 0, m.workspaces.ActiveCount())

	recd, err := m.store.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, recd.Status)
}

func TestSpontaneousExitCleansUp(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)

	rec.last().exit() // agent crashed

	assert.Eventually(t, func() bool {
		_, err := m.Get(info.ID)
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestRestartYieldsNewSession(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1", Model: "llama3"})
	require.NoError(t, err)

	fresh, err := m.Restart(ctx, info.ID)
	require.NoError(t, err)
	defer m.StopAndWait(ctx, fresh.ID)

	assert.NotEqual(t, info.ID, fresh.ID)
	assert.Equal(t, "u1", fresh.UserID)
	assert.Equal(t, "llama3", fresh.Model)
	assert.Len(t, rec.agents, 2)

	_, err = m.Get(info.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestartKeepsWorkspacePath(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	custom := t.TempDir()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1", WorkspacePath: custom})
	require.NoError(t, err)
	require.Equal(t, custom, info.WorkspacePath)

	fresh, err := m.Restart(ctx, info.ID)
	require.NoError(t, err)
	defer m.StopAndWait(ctx, fresh.ID)

	assert.Equal(t, custom, fresh.WorkspacePath)
}

func TestCreateSpawnFailureRecordsError(t *testing.T) {
	m, rec, _ := newTestManager(t)
	rec.fail = errors.New("agent binary missing")

	_, err := m.Create(context.Background(), CreateOpts{UserID: "u1"})
	require.Error(t, err)
	assert.Empty(t, m.List())

	// the starting row written before the spawn must be flipped to error
	records, err := m.store.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StatusError, records[0].Status)
}

func TestComposeSandboxedAgentCommand(t *testing.T) {
	m, _, cfg := newTestManager(t)
	u := &sandbox.User{
		UID:      12001,
		GID:      12001,
		Username: "sbx-abc123",
		HomeDir:  "/home/sbx-abc123",
	}

	name, args := m.composeCommand(ModeOllama, "llama3", "/work/ws1", "", u)
	assert.Equal(t, "su", name)
	require.NotEmpty(t, args)
	assert.Equal(t, "sbx-abc123", args[len(args)-1])
	script := args[len(args)-2]
	assert.Contains(t, script, cfg.Agent.Path)
	assert.Contains(t, script, "--model llama3")

	env := m.composeEnv("s1", "u1", ModeOllama, "", u)
	assert.Contains(t, env, "HOME=/home/sbx-abc123")
	assert.Contains(t, env, "USER=sbx-abc123")
}

func TestExpiredSessions(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info.ID)

	assert.Empty(t, m.ExpiredSessions(time.Hour, time.Hour))
	assert.Equal(t, []string{info.ID}, m.ExpiredSessions(0, time.Hour), "zero idle timeout expires immediately")
	assert.Equal(t, []string{info.ID}, m.ExpiredSessions(time.Hour, 0), "zero lifetime expires immediately")
}

func TestSlowEventSubscriberDropped(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info.ID)

	_, events, err := m.SubscribeEvents(info.ID)
	require.NoError(t, err)

	// overflow the bounded queue without draining
	for i := 0; i < eventQueueSize+50; i++ {
		rec.last().emit(`{"type":"assistant","subtype":"text","text":"x"}`)
	}

	closed := false
	deadline := time.After(2 * time.Second)
	for !closed {
		select {
		case _, ok := <-events:
			if !ok {
				closed = true
			}
		case <-deadline:
			t.Fatal("slow subscriber was not dropped")
		}
	}
}

func TestSendMessageCollectsResponse(t *testing.T) {
	m, rec, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOpts{UserID: "u1"})
	require.NoError(t, err)
	defer m.StopAndWait(ctx, info.ID)

	go func() {
		time.Sleep(50 * time.Millisecond)
		rec.last().emit(`{"type":"assistant","subtype":"text","text":"done!"}`)
		rec.last().emit(`{"type":"result","is_error":false,"cost_usd":0.001,"duration_ms":50,"num_turns":1}`)
	}()

	resp, err := m.SendMessage(ctx, info.ID, "do the thing")
	require.NoError(t, err)
	assert.Contains(t, resp, "done!")
}
