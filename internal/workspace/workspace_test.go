package workspace

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/sessiond/internal/config"
	"github.com/agenticwork/sessiond/internal/objstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStorageConfig() config.StorageConfig {
	return config.StorageConfig{
		DownloadOnStart:  true,
		MaxFileSizeBytes: 1024,
		DebounceMs:       30,
	}
}

func newTestManager(t *testing.T) (*Manager, *objstore.Fake) {
	t.Helper()
	fake := objstore.NewFake()
	m := NewManager(testStorageConfig(), t.TempDir(), fake, testLogger())
	return m, fake
}

// waitSync waits out at least two debounce periods plus stabilisation.
func waitSync() { time.Sleep(400 * time.Millisecond) }

func TestInitializeFreshUser(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	res, err := m.Initialize(ctx, "u1", "s1", "m")
	require.NoError(t, err)
	defer m.Stop(ctx, "s1")

	assert.True(t, res.IsNew)
	assert.Equal(t, 0, res.FilesDownloaded)
	assert.DirExists(t, res.LocalPath)

	data, err := fake.Get(ctx, "workspaces/u1/metadata.json")
	require.NoError(t, err)
	var meta Metadata
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "u1", meta.UserID)
	assert.Equal(t, "active", meta.Status)
	assert.Equal(t, 0, meta.FileCount)
	assert.Equal(t, "m", meta.Model)
}

func TestStopFlushesAndMarksStopped(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	res, err := m.Initialize(ctx, "u1", "s1", "m")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(res.LocalPath, "a.txt"), []byte("aa"), 0o644))
	require.NoError(t, m.Stop(ctx, "s1"))

	got, err := fake.Get(ctx, "workspaces/u1/files/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("aa"), got)

	data, err := fake.Get(ctx, "workspaces/u1/metadata.json")
	require.NoError(t, err)
	var meta Metadata
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "stopped", meta.Status)
	assert.Equal(t, 1, meta.FileCount)
	assert.Equal(t, int64(2), meta.TotalSize)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestResumeDownloadsExistingTree(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	res, err := m.Initialize(ctx, "u1", "s1", "m")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(res.LocalPath, "AGENTICODE.md"), []byte("# ctx"), 0o644))
	require.NoError(t, m.Stop(ctx, "s1"))

	// wipe local cache, resume from cloud
	require.NoError(t, os.RemoveAll(res.LocalPath))

	res2, err := m.Initialize(ctx, "u1", "s2", "m")
	require.NoError(t, err)
	defer m.Stop(ctx, "s2")

	assert.False(t, res2.IsNew)
	assert.GreaterOrEqual(t, res2.FilesDownloaded, 1)
	data, err := os.ReadFile(filepath.Join(res2.LocalPath, "AGENTICODE.md"))
	require.NoError(t, err)
	assert.Equal(t, []byte("# ctx"), data)
}

func TestWatcherWritePropagation(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	var mu sync.Mutex
	var changes []FileChange
	m.SetChangeSubscriber(func(userID string, c FileChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	res, err := m.Initialize(ctx, "u1", "s1", "")
	require.NoError(t, err)
	defer m.Stop(ctx, "s1")

	require.NoError(t, os.WriteFile(filepath.Join(res.LocalPath, "hello.txt"), []byte("hi"), 0o644))
	waitSync()

	got, err := fake.Get(ctx, "workspaces/u1/files/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), got)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, changes)
	assert.Equal(t, "add", changes[0].Type)
	assert.Equal(t, "hello.txt", changes[0].Path)
	assert.Equal(t, int64(2), changes[0].Size)
	assert.True(t, changes[0].SyncedToCloud)
}

func TestWatcherDeletePropagation(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	res, err := m.Initialize(ctx, "u1", "s1", "")
	require.NoError(t, err)
	defer m.Stop(ctx, "s1")

	path := filepath.Join(res.LocalPath, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	waitSync()
	require.NoError(t, os.Remove(path))
	waitSync()

	_, err = fake.Get(ctx, "workspaces/u1/files/gone.txt")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestIgnoredDirectoryNotSynced(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	var mu sync.Mutex
	events := 0
	m.SetChangeSubscriber(func(string, FileChange) {
		mu.Lock()
		events++
		mu.Unlock()
	})

	res, err := m.Initialize(ctx, "u1", "s1", "")
	require.NoError(t, err)
	defer m.Stop(ctx, "s1")

	dir := filepath.Join(res.LocalPath, "node_modules", "pkg")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.js"), []byte("js"), 0o644))
	waitSync()

	for _, key := range fake.Keys() {
		assert.NotContains(t, key, "node_modules")
	}
	mu.Lock()
	assert.Equal(t, 0, events)
	mu.Unlock()
}

func TestOversizedFileSkipped(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	res, err := m.Initialize(ctx, "u1", "s1", "")
	require.NoError(t, err)

	// exactly the cap syncs, one over does not
	atCap := make([]byte, 1024)
	over := make([]byte, 1025)
	require.NoError(t, os.WriteFile(filepath.Join(res.LocalPath, "at.bin"), atCap, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(res.LocalPath, "over.bin"), over, 0o644))
	waitSync()
	require.NoError(t, m.Stop(ctx, "s1"))

	_, err = fake.Get(ctx, "workspaces/u1/files/at.bin")
	assert.NoError(t, err)
	_, err = fake.Get(ctx, "workspaces/u1/files/over.bin")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestStopIsABarrier(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	res, err := m.Initialize(ctx, "u1", "s1", "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(res.LocalPath, "f.txt"), []byte("v"), 0o644))
	require.NoError(t, m.Stop(ctx, "s1"))

	before := fake.Keys()
	// writes after Stop must not reach the cloud
	require.NoError(t, os.WriteFile(filepath.Join(res.LocalPath, "late.txt"), []byte("late"), 0o644))
	waitSync()
	assert.Equal(t, before, fake.Keys())
}

func TestSecondSessionSameUserStopsPrior(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Initialize(ctx, "u1", "s1", "")
	require.NoError(t, err)
	_, err = m.Initialize(ctx, "u1", "s2", "")
	require.NoError(t, err)
	defer m.Stop(ctx, "s2")

	assert.Equal(t, 1, m.ActiveCount())
	assert.ErrorIs(t, m.Stop(ctx, "s1"), ErrNotFound)
}

func TestDeleteRemovesEverything(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	res, err := m.Initialize(ctx, "u1", "s1", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(res.LocalPath, "f.txt"), []byte("v"), 0o644))
	require.NoError(t, m.Stop(ctx, "s1"))

	require.NoError(t, m.Delete(ctx, "u1"))

	assert.Empty(t, fake.Keys())
	assert.NoDirExists(t, res.LocalPath)
}

func TestListUserWorkspaces(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	metas, err := m.ListUserWorkspaces(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, metas)

	_, err = m.Initialize(ctx, "u1", "s1", "m")
	require.NoError(t, err)
	defer m.Stop(ctx, "s1")

	metas, err = m.ListUserWorkspaces(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "u1", metas[0].UserID)
}

func TestForceSyncToCloud(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	res, err := m.Initialize(ctx, "u1", "s1", "")
	require.NoError(t, err)
	defer m.Stop(ctx, "s1")

	require.NoError(t, os.WriteFile(filepath.Join(res.LocalPath, "f.txt"), []byte("v"), 0o644))
	n, err := m.ForceSyncToCloud(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := fake.Get(ctx, "workspaces/u1/files/f.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestForceSyncFromCloud(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, fake.Put(ctx, "workspaces/u1/files/remote.txt", []byte("r"), ""))
	// metadata exists so Initialize resumes
	meta, _ := json.Marshal(Metadata{UserID: "u1", Status: "stopped"})
	require.NoError(t, fake.Put(ctx, "workspaces/u1/metadata.json", meta, ""))

	res, err := m.Initialize(ctx, "u1", "s1", "")
	require.NoError(t, err)
	defer m.Stop(ctx, "s1")

	require.NoError(t, os.Remove(filepath.Join(res.LocalPath, "remote.txt")))
	n, err := m.ForceSyncFromCloud(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, filepath.Join(res.LocalPath, "remote.txt"))
}
