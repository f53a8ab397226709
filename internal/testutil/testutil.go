// Package testutil carries shared fixtures for package tests.
package testutil

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/agenticwork/sessiond/internal/config"
	"github.com/agenticwork/sessiond/internal/store"
)

// Logger returns a logger that only surfaces errors, keeping test output
// readable.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestConfig returns a Config with test defaults rooted at base.
func TestConfig(base string) *config.Config {
	return &config.Config{
		MaxSessionsPerUser: 3,
		MaxWorkspaceSizeMB: 100,
		WorkspacesPath:     base,
		Agent: config.AgentConfig{
			Path:         "agenticode",
			DefaultModel: "qwen2.5-coder:7b",
			OllamaHost:   "http://localhost:11434",
			APIEndpoint:  "https://api.agenticwork.example",
		},
		IDE: config.IDEConfig{
			BasePort:       3100,
			MaxInstances:   4,
			BinaryPath:     "code-server",
			StartupTimeout: time.Second,
		},
		Storage: config.StorageConfig{
			DownloadOnStart:  true,
			MaxFileSizeBytes: 1 << 20,
			DebounceMs:       30,
		},
	}
}

// TestRecord returns a persisted-session row in the running state.
func TestRecord(id string) store.Record {
	now := time.Now().UTC()
	return store.Record{
		ID:            id,
		UserID:        "u1",
		Model:         "qwen2.5-coder:7b",
		Mode:          "ollama",
		Status:        "running",
		WorkspacePath: "/workspaces/u1",
		PID:           12345,
		CreatedAt:     now,
		LastActivity:  now,
	}
}

// NewTestStore creates an in-memory session store.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", 1)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
