// Package session is the top-level coordinator: it owns the session state
// machine, spawns the agent inside a PTY, binds the sandbox user,
// workspace, translator and metrics to a session id, and tears everything
// down when the agent exits.
package session

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/agenticwork/sessiond/internal/events"
	"github.com/agenticwork/sessiond/internal/sandbox"
	"github.com/agenticwork/sessiond/protocol"
)

// Sentinel errors mapped to API error codes by the edge layer.
var (
	ErrNotFound             = errors.New("session not found")
	ErrStateInvalid         = errors.New("session not running")
	ErrQuotaExceeded        = errors.New("session quota exceeded")
	ErrStorageLimitExceeded = errors.New("workspace storage limit exceeded")
	ErrStorageUnavailable   = errors.New("workspace storage unavailable")
)

// Session lifecycle states.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// Execution modes. API mode defers model choice to the remote config
// service; ollama mode runs against the local model host.
const (
	ModeAPI    = "api"
	ModeOllama = "ollama"
)

const (
	ptyCols = 120
	ptyRows = 40

	// rolling admin buffer keeps the last N non-empty stdout lines
	outputBufferLines = 100

	// per-subscriber queue bounds; a subscriber that falls this far
	// behind is dropped rather than blocking the PTY reader
	rawQueueSize   = 256
	eventQueueSize = 256
)

// Info is the externally visible session snapshot.
type Info struct {
	ID              string            `json:"sessionId"`
	UserID          string            `json:"userId"`
	Model           string            `json:"model,omitempty"`
	Mode            string            `json:"mode"`
	Status          string            `json:"status"`
	WorkspacePath   string            `json:"workspacePath"`
	PID             int               `json:"pid,omitempty"`
	SandboxUsername string            `json:"sandboxUser,omitempty"`
	Activity        protocol.Activity `json:"activity"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastActivity    time.Time         `json:"lastActivity"`
}

// CreateOpts are the caller-supplied session parameters.
type CreateOpts struct {
	UserID        string
	WorkspacePath string // optional, defaults to the user's workspace
	Model         string // optional, ollama mode only
	APIKey        string // presence selects api mode
	StorageMB     int64  // optional per-session workspace cap override
}

// agentHandle abstracts the spawned PTY child for tests.
type agentHandle interface {
	io.ReadWriteCloser
	Pid() int
	Resize(cols, rows uint16) error
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

// spawnFunc starts the agent under a PTY with the given window size.
type spawnFunc func(name string, args, env []string, cols, rows uint16) (agentHandle, error)

type ptyHandle struct {
	f   *os.File
	cmd *exec.Cmd
}

func (h *ptyHandle) Read(p []byte) (int, error)  { return h.f.Read(p) }
func (h *ptyHandle) Write(p []byte) (int, error) { return h.f.Write(p) }
func (h *ptyHandle) Close() error                { return h.f.Close() }
func (h *ptyHandle) Pid() int                    { return h.cmd.Process.Pid }
func (h *ptyHandle) Signal(sig os.Signal) error  { return h.cmd.Process.Signal(sig) }
func (h *ptyHandle) Kill() error                 { return h.cmd.Process.Kill() }
func (h *ptyHandle) Wait() error                 { return h.cmd.Wait() }

func (h *ptyHandle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.f, &pty.Winsize{Cols: cols, Rows: rows})
}

func ptySpawn(name string, args, env []string, cols, rows uint16) (agentHandle, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = env
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	return &ptyHandle{f: f, cmd: cmd}, nil
}

// session is the internal runtime record. All mutable fields are guarded
// by mu except the translator, which only the PTY reader touches.
type session struct {
	mu sync.Mutex

	info        Info
	apiKey      string
	sandboxUser *sandbox.User
	proc        agentHandle
	translator  *events.Translator
	output      *ringBuffer

	rawSubs   map[int]chan []byte
	eventSubs map[int]chan protocol.Event

	done chan struct{}
}

func (s *session) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.Activity = s.translator.Activity()
	return info
}

// ringBuffer keeps the last N non-empty lines, oldest evicted first.
type ringBuffer struct {
	lines []string
	max   int
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

func (b *ringBuffer) Append(line string) {
	if line == "" {
		return
	}
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

func (b *ringBuffer) Tail() []string {
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}
