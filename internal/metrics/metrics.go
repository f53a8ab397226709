// Package metrics samples per-process resource usage for active sessions
// and aggregates it into system-wide snapshots. Cumulative OS counters
// (network, disk) are reported as deltas against a baseline captured on
// the first sample for a pid.
package metrics

import (
	"bufio"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// heavyDirs are skipped by the workspace walk. Mirrors the watcher's
// ignore list for dependency and build trees.
var heavyDirs = map[string]bool{
	".git":          true,
	"node_modules":  true,
	"__pycache__":   true,
	".cache":        true,
	".next":         true,
	"dist":          true,
	"build":         true,
	"target":        true,
	"venv":          true,
	".venv":         true,
	".pytest_cache": true,
}

// ProcessMetrics is one point-in-time sample for a pid. Counter fields
// are deltas since the pid's baseline, never negative.
type ProcessMetrics struct {
	PID            int32   `json:"pid"`
	CPUPercent     float64 `json:"cpuPercent"`
	RSSBytes       uint64  `json:"rssBytes"`
	ElapsedMs      int64   `json:"elapsedMs"`
	NetRxBytes     uint64  `json:"netRxBytes"`
	NetTxBytes     uint64  `json:"netTxBytes"`
	DiskReadBytes  uint64  `json:"diskReadBytes"`
	DiskWriteBytes uint64  `json:"diskWriteBytes"`
	DiskReadOps    uint64  `json:"diskReadOps"`
	DiskWriteOps   uint64  `json:"diskWriteOps"`
}

// TokenUsage is the per-session token/cost accounting.
type TokenUsage struct {
	InputTokens   int64   `json:"inputTokens"`
	OutputTokens  int64   `json:"outputTokens"`
	TotalTokens   int64   `json:"totalTokens"`
	EstimatedCost float64 `json:"estimatedCost"`
	Model         string  `json:"model,omitempty"`
}

// WorkspaceUsage summarises a workspace tree.
type WorkspaceUsage struct {
	TotalBytes  int64  `json:"totalBytes"`
	FileCount   int    `json:"fileCount"`
	LargestFile string `json:"largestFile,omitempty"`
	LargestSize int64  `json:"largestSize,omitempty"`
}

// SessionMetrics is the enhanced per-session view.
type SessionMetrics struct {
	SessionID string          `json:"sessionId"`
	Process   *ProcessMetrics `json:"process,omitempty"`
	Tokens    TokenUsage      `json:"tokens"`
	Workspace WorkspaceUsage  `json:"workspace"`
}

// SystemSnapshot sums resource usage across active sessions. Sessions
// without a live pid are counted but contribute zero resource totals.
type SystemSnapshot struct {
	Timestamp           int64            `json:"timestamp"`
	ActiveSessions      int              `json:"activeSessions"`
	TotalCPUPercent     float64          `json:"totalCpuPercent"`
	TotalRSSBytes       uint64           `json:"totalRssBytes"`
	TotalNetRxBytes     uint64           `json:"totalNetRxBytes"`
	TotalNetTxBytes     uint64           `json:"totalNetTxBytes"`
	TotalDiskReadBytes  uint64           `json:"totalDiskReadBytes"`
	TotalDiskWriteBytes uint64           `json:"totalDiskWriteBytes"`
	TotalWorkspaceBytes int64            `json:"totalWorkspaceBytes"`
	Sessions            []SessionMetrics `json:"sessions"`
}

// SessionRef identifies what the aggregator needs from an active session.
type SessionRef struct {
	SessionID     string
	PID           int32 // 0 when the agent process is gone
	WorkspacePath string
}

type baseline struct {
	netRx, netTx         uint64
	diskRead, diskWrite  uint64
	readOps, writeOps    uint64
}

type procSample struct {
	cpuPercent           float64
	rss                  uint64
	createTimeMs         int64
	diskRead, diskWrite  uint64
	readOps, writeOps    uint64
}

// Collector owns the pid baselines and per-session token counters.
type Collector struct {
	logger *slog.Logger

	mu        sync.Mutex
	baselines map[int32]*baseline
	tokens    map[string]*TokenUsage

	// test seams
	procRoot   string
	sampleProc func(pid int32) (procSample, error)
	now        func() time.Time
}

func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger:     logger,
		baselines:  make(map[int32]*baseline),
		tokens:     make(map[string]*TokenUsage),
		procRoot:   "/proc",
		sampleProc: gopsutilSample,
		now:        time.Now,
	}
}

func gopsutilSample(pid int32) (procSample, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return procSample{}, fmt.Errorf("process %d: %w", pid, err)
	}
	var s procSample
	if cpu, err := p.CPUPercent(); err == nil {
		s.cpuPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		s.rss = mem.RSS
	}
	if created, err := p.CreateTime(); err == nil {
		s.createTimeMs = created
	}
	if io, err := p.IOCounters(); err == nil && io != nil {
		s.diskRead = io.ReadBytes
		s.diskWrite = io.WriteBytes
		s.readOps = io.ReadCount
		s.writeOps = io.WriteCount
	}
	return s, nil
}

// Sample takes a point-in-time reading for pid. The first call for a pid
// establishes the baseline, so its counter deltas are all zero.
func (c *Collector) Sample(pid int32) (*ProcessMetrics, error) {
	s, err := c.sampleProc(pid)
	if err != nil {
		return nil, err
	}
	rx, tx := c.readNetDev(pid)

	c.mu.Lock()
	b, ok := c.baselines[pid]
	if !ok {
		b = &baseline{
			netRx: rx, netTx: tx,
			diskRead: s.diskRead, diskWrite: s.diskWrite,
			readOps: s.readOps, writeOps: s.writeOps,
		}
		c.baselines[pid] = b
	}
	c.mu.Unlock()

	m := &ProcessMetrics{
		PID:            pid,
		CPUPercent:     s.cpuPercent,
		RSSBytes:       s.rss,
		NetRxBytes:     counterDelta(rx, b.netRx),
		NetTxBytes:     counterDelta(tx, b.netTx),
		DiskReadBytes:  counterDelta(s.diskRead, b.diskRead),
		DiskWriteBytes: counterDelta(s.diskWrite, b.diskWrite),
		DiskReadOps:    counterDelta(s.readOps, b.readOps),
		DiskWriteOps:   counterDelta(s.writeOps, b.writeOps),
	}
	if s.createTimeMs > 0 {
		m.ElapsedMs = c.now().UnixMilli() - s.createTimeMs
	}
	return m, nil
}

// counterDelta clamps at zero so counter resets (pid reuse, interface
// restarts) never report negative usage.
func counterDelta(cur, base uint64) uint64 {
	if cur < base {
		return 0
	}
	return cur - base
}

// ClearBaseline drops the stored baseline for a pid. Called from session
// cleanup so a reused pid starts fresh.
func (c *Collector) ClearBaseline(pid int32) {
	c.mu.Lock()
	delete(c.baselines, pid)
	c.mu.Unlock()
}

// readNetDev sums rx/tx byte counters over all non-loopback interfaces in
// the pid's network namespace. Best-effort: returns zeros on any error.
func (c *Collector) readNetDev(pid int32) (rx, tx uint64) {
	f, err := os.Open(filepath.Join(c.procRoot, strconv.Itoa(int(pid)), "net", "dev"))
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue // header lines
		}
		iface := strings.TrimSpace(line[:idx])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(line[idx+1:])
		if len(fields) < 9 {
			continue
		}
		if v, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			rx += v
		}
		if v, err := strconv.ParseUint(fields[8], 10, 64); err == nil {
			tx += v
		}
	}
	return rx, tx
}

// AddTokens records token usage for a session and re-derives the cost
// estimate. The model sticks once set so later calls may omit it.
func (c *Collector) AddTokens(sessionID string, inputTokens, outputTokens int64, model string) TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.tokens[sessionID]
	if !ok {
		u = &TokenUsage{}
		c.tokens[sessionID] = u
	}
	if model != "" {
		u.Model = model
	}
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	u.TotalTokens = u.InputTokens + u.OutputTokens
	u.EstimatedCost = PricingFor(u.Model).Cost(u.InputTokens, u.OutputTokens)
	return *u
}

// Tokens returns the accumulated usage for a session, zero-valued when
// none has been recorded.
func (c *Collector) Tokens(sessionID string) TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.tokens[sessionID]; ok {
		return *u
	}
	return TokenUsage{}
}

// ClearSession drops the session's token counters.
func (c *Collector) ClearSession(sessionID string) {
	c.mu.Lock()
	delete(c.tokens, sessionID)
	c.mu.Unlock()
}

// Workspace walks the workspace tree and reports its size, skipping
// dependency and build directories. Walk errors are logged and skipped.
func (c *Collector) Workspace(path string) WorkspaceUsage {
	var usage WorkspaceUsage
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if heavyDirs[d.Name()] && p != path {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		usage.FileCount++
		usage.TotalBytes += info.Size()
		if info.Size() > usage.LargestSize {
			usage.LargestSize = info.Size()
			usage.LargestFile = p
		}
		return nil
	})
	if err != nil {
		c.logger.Debug("workspace walk failed", "path", path, "error", err)
	}
	return usage
}

// SessionMetrics builds the enhanced view for one session. A missing pid
// yields nil process metrics rather than an error.
func (c *Collector) SessionMetrics(ref SessionRef) SessionMetrics {
	sm := SessionMetrics{
		SessionID: ref.SessionID,
		Tokens:    c.Tokens(ref.SessionID),
	}
	if ref.PID > 0 {
		if pm, err := c.Sample(ref.PID); err == nil {
			sm.Process = pm
		} else {
			c.logger.Debug("process sample failed", "pid", ref.PID, "error", err)
		}
	}
	if ref.WorkspacePath != "" {
		sm.Workspace = c.Workspace(ref.WorkspacePath)
	}
	return sm
}

// System aggregates across all active sessions.
func (c *Collector) System(refs []SessionRef) SystemSnapshot {
	snap := SystemSnapshot{
		Timestamp:      c.now().UnixMilli(),
		ActiveSessions: len(refs),
		Sessions:       make([]SessionMetrics, 0, len(refs)),
	}
	for _, ref := range refs {
		sm := c.SessionMetrics(ref)
		if sm.Process != nil {
			snap.TotalCPUPercent += sm.Process.CPUPercent
			snap.TotalRSSBytes += sm.Process.RSSBytes
			snap.TotalNetRxBytes += sm.Process.NetRxBytes
			snap.TotalNetTxBytes += sm.Process.NetTxBytes
			snap.TotalDiskReadBytes += sm.Process.DiskReadBytes
			snap.TotalDiskWriteBytes += sm.Process.DiskWriteBytes
		}
		snap.TotalWorkspaceBytes += sm.Workspace.TotalBytes
		snap.Sessions = append(snap.Sessions, sm)
	}
	return snap
}
