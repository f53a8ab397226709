// Package workspace manages user-scoped, cloud-primary workspaces. The
// object store is the source of truth; the local tree is a cache kept in
// sync by a debounced file watcher.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agenticwork/sessiond/internal/config"
	"github.com/agenticwork/sessiond/internal/objstore"
)

var ErrNotFound = errors.New("workspace not found")

// Metadata is the workspaces/{userId}/metadata.json document.
type Metadata struct {
	UserID       string    `json:"userId"`
	SessionID    string    `json:"sessionId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
	FileCount    int       `json:"fileCount"`
	TotalSize    int64     `json:"totalSize"`
	Model        string    `json:"model,omitempty"`
	Status       string    `json:"status"` // active | stopped | archived
}

// FileChange is delivered to the optional subscriber after a watcher sync.
type FileChange struct {
	Type          string `json:"type"` // add | change | delete
	Path          string `json:"path"` // workspace-relative
	Size          int64  `json:"size"`
	SyncedToCloud bool   `json:"syncedToCloud"`
}

// InitResult reports what Initialize did.
type InitResult struct {
	LocalPath       string
	IsNew           bool
	FilesDownloaded int
}

type handle struct {
	userID    string
	sessionID string
	localPath string
	watcher   *Watcher
	createdAt time.Time
}

// Manager owns the local cache directory and the per-session watchers.
type Manager struct {
	cfg    config.StorageConfig
	base   string // workspaces base path
	store  objstore.Store
	logger *slog.Logger

	mu       sync.Mutex
	active   map[string]*handle // session id -> handle
	byUser   map[string]string  // user id -> session id
	onChange func(userID string, change FileChange)
}

func NewManager(cfg config.StorageConfig, workspacesBase string, store objstore.Store, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		base:   workspacesBase,
		store:  store,
		logger: logger,
		active: make(map[string]*handle),
		byUser: make(map[string]string),
	}
}

// SetChangeSubscriber registers the optional file-change callback.
func (m *Manager) SetChangeSubscriber(fn func(userID string, change FileChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func metadataKey(userID string) string {
	return "workspaces/" + userID + "/metadata.json"
}

func filesPrefix(userID string) string {
	return "workspaces/" + userID + "/files"
}

// LocalPath returns the cache path for a user's workspace.
func (m *Manager) LocalPath(userID string) string {
	return filepath.Join(m.base, userID)
}

// Initialize materialises the user's workspace for a session: downloads
// the cloud tree when it exists, creates a fresh one otherwise, and
// starts the watcher. At most one handle is active per user; a prior
// active handle for the same user is stopped first.
func (m *Manager) Initialize(ctx context.Context, userID, sessionID, model string) (*InitResult, error) {
	m.mu.Lock()
	if prior, ok := m.byUser[userID]; ok {
		m.mu.Unlock()
		m.logger.Warn("stopping prior active workspace handle",
			"user_id", userID, "prior_session", prior)
		if err := m.Stop(ctx, prior); err != nil {
			m.logger.Warn("stop prior workspace", "session_id", prior, "error", err)
		}
		m.mu.Lock()
	}
	m.mu.Unlock()

	localPath := m.LocalPath(userID)
	res := &InitResult{LocalPath: localPath}

	meta, err := m.headMetadata(ctx, userID)
	if err != nil {
		return nil, err
	}

	if meta != nil {
		if m.cfg.DownloadOnStart {
			n, err := m.store.DownloadDir(ctx, filesPrefix(userID), localPath, m.cfg.MaxFileSizeBytes)
			if err != nil {
				return nil, fmt.Errorf("download workspace: %w", err)
			}
			res.FilesDownloaded = n
		}
		if err := os.MkdirAll(localPath, 0o755); err != nil {
			return nil, err
		}
	} else {
		res.IsNew = true
		if err := os.MkdirAll(localPath, 0o755); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		fresh := &Metadata{
			UserID:       userID,
			SessionID:    sessionID,
			CreatedAt:    now,
			LastModified: now,
			Model:        model,
			Status:       "active",
		}
		if err := m.putMetadata(ctx, fresh); err != nil {
			return nil, fmt.Errorf("write workspace metadata: %w", err)
		}
	}

	h := &handle{
		userID:    userID,
		sessionID: sessionID,
		localPath: localPath,
		createdAt: time.Now().UTC(),
	}
	debounce := time.Duration(m.cfg.DebounceMs) * time.Millisecond
	w, err := NewWatcher(localPath, debounce, func(path string, op Op) {
		m.syncPath(h, path, op)
	}, m.logger)
	if err != nil {
		return nil, fmt.Errorf("start watcher: %w", err)
	}
	h.watcher = w

	m.mu.Lock()
	m.active[sessionID] = h
	m.byUser[userID] = sessionID
	m.mu.Unlock()

	return res, nil
}

// syncPath pushes one debounced change to the object store.
func (m *Manager) syncPath(h *handle, path string, op Op) {
	rel, err := filepath.Rel(h.localPath, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	key := filesPrefix(h.userID) + "/" + filepath.ToSlash(rel)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if op == OpRemove {
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Warn("sync delete", "key", key, "error", err)
			return
		}
		m.notify(h.userID, FileChange{Type: "delete", Path: filepath.ToSlash(rel), SyncedToCloud: true})
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// deleted between debounce and sync
		if os.IsNotExist(err) {
			if derr := m.store.Delete(ctx, key); derr == nil {
				m.notify(h.userID, FileChange{Type: "delete", Path: filepath.ToSlash(rel), SyncedToCloud: true})
			}
		}
		return
	}
	if info.IsDir() {
		return
	}
	if m.cfg.MaxFileSizeBytes > 0 && info.Size() > m.cfg.MaxFileSizeBytes {
		m.logger.Warn("skipping oversized file", "path", path, "size", info.Size())
		return
	}

	existing, err := m.store.Head(ctx, key)
	if err != nil {
		m.logger.Warn("sync head", "key", key, "error", err)
		existing = nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		m.logger.Warn("sync read", "path", path, "error", err)
		return
	}
	if err := m.store.Put(ctx, key, data, ""); err != nil {
		m.logger.Warn("sync put", "key", key, "error", err)
		return
	}

	changeType := "change"
	if existing == nil {
		changeType = "add"
	}
	m.notify(h.userID, FileChange{
		Type:          changeType,
		Path:          filepath.ToSlash(rel),
		Size:          info.Size(),
		SyncedToCloud: true,
	})
}

func (m *Manager) notify(userID string, change FileChange) {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(userID, change)
	}
}

// Stop is a barrier: it closes the watcher, cancels pending debounced
// syncs, performs the final recursive upload, and writes a stopped
// metadata record. After it returns no further cloud writes happen for
// the session.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	h, ok := m.active[sessionID]
	if ok {
		delete(m.active, sessionID)
		if m.byUser[h.userID] == sessionID {
			delete(m.byUser, h.userID)
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	if err := h.watcher.Close(); err != nil {
		m.logger.Warn("close watcher", "session_id", sessionID, "error", err)
	}

	if _, err := m.uploadTree(ctx, h); err != nil {
		m.logger.Error("final workspace flush", "session_id", sessionID, "error", err)
	}

	count, size := countTree(h.localPath)
	meta, _ := m.headMetadata(ctx, h.userID)
	created := h.createdAt
	model := ""
	if meta != nil {
		created = meta.CreatedAt
		model = meta.Model
	}
	stopped := &Metadata{
		UserID:       h.userID,
		SessionID:    sessionID,
		CreatedAt:    created,
		LastModified: time.Now().UTC(),
		FileCount:    count,
		TotalSize:    size,
		Model:        model,
		Status:       "stopped",
	}
	if err := m.putMetadata(ctx, stopped); err != nil {
		m.logger.Warn("write stopped metadata", "user_id", h.userID, "error", err)
	}

	if m.cfg.RemoveLocalOnStop {
		if err := os.RemoveAll(h.localPath); err != nil {
			m.logger.Warn("remove local cache", "path", h.localPath, "error", err)
		}
	}
	return nil
}

// Delete removes the user's workspace everywhere: any active handle, the
// full cloud prefix, and the local cache.
func (m *Manager) Delete(ctx context.Context, userID string) error {
	m.mu.Lock()
	sessionID, ok := m.byUser[userID]
	m.mu.Unlock()
	if ok {
		if err := m.Stop(ctx, sessionID); err != nil {
			m.logger.Warn("stop before delete", "session_id", sessionID, "error", err)
		}
	}
	if err := objstore.DeletePrefix(ctx, m.store, "workspaces/"+userID+"/"); err != nil {
		return fmt.Errorf("delete cloud prefix: %w", err)
	}
	return os.RemoveAll(m.LocalPath(userID))
}

// ForceSyncToCloud uploads the full local tree for the session.
func (m *Manager) ForceSyncToCloud(ctx context.Context, sessionID string) (int, error) {
	h, err := m.handleFor(sessionID)
	if err != nil {
		return 0, err
	}
	n, err := m.uploadTree(ctx, h)
	if err != nil {
		return n, err
	}
	m.touchMetadata(ctx, h)
	return n, nil
}

// uploadTree mirrors the local tree to the files/ prefix, honouring the
// watcher's ignore list and the size cap.
func (m *Manager) uploadTree(ctx context.Context, h *handle) (int, error) {
	uploaded := 0
	prefix := filesPrefix(h.userID)
	err := filepath.WalkDir(h.localPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != h.localPath && ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if ignoredFile(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if m.cfg.MaxFileSizeBytes > 0 && info.Size() > m.cfg.MaxFileSizeBytes {
			m.logger.Warn("skipping oversized file", "path", path, "size", info.Size())
			return nil
		}
		rel, err := filepath.Rel(h.localPath, path)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := m.store.Put(ctx, prefix+"/"+filepath.ToSlash(rel), data, ""); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	return uploaded, err
}

// ForceSyncFromCloud downloads the full cloud tree for the session.
func (m *Manager) ForceSyncFromCloud(ctx context.Context, sessionID string) (int, error) {
	h, err := m.handleFor(sessionID)
	if err != nil {
		return 0, err
	}
	return m.store.DownloadDir(ctx, filesPrefix(h.userID), h.localPath, m.cfg.MaxFileSizeBytes)
}

// ListUserWorkspaces returns zero or one metadata records (workspaces are
// singleton per user).
func (m *Manager) ListUserWorkspaces(ctx context.Context, userID string) ([]*Metadata, error) {
	meta, err := m.headMetadata(ctx, userID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}
	return []*Metadata{meta}, nil
}

// ActiveCount reports the number of live workspace handles.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) handleFor(sessionID string) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.active[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return h, nil
}

func (m *Manager) headMetadata(ctx context.Context, userID string) (*Metadata, error) {
	info, err := m.store.Head(ctx, metadataKey(userID))
	if err != nil {
		return nil, fmt.Errorf("head metadata: %w", err)
	}
	if info == nil {
		return nil, nil
	}
	data, err := m.store.Get(ctx, metadataKey(userID))
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

func (m *Manager) putMetadata(ctx context.Context, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return m.store.Put(ctx, metadataKey(meta.UserID), data, "application/json")
}

func (m *Manager) touchMetadata(ctx context.Context, h *handle) {
	meta, err := m.headMetadata(ctx, h.userID)
	if err != nil || meta == nil {
		return
	}
	meta.LastModified = time.Now().UTC()
	meta.FileCount, meta.TotalSize = countTree(h.localPath)
	if err := m.putMetadata(ctx, meta); err != nil {
		m.logger.Warn("touch metadata", "user_id", h.userID, "error", err)
	}
}

func countTree(root string) (int, int64) {
	count := 0
	var size int64
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err == nil {
			count++
			size += info.Size()
		}
		return nil
	})
	return count, size
}
