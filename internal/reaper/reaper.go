// Package reaper stops sessions that outlive their idle timeout or max
// lifetime, and reconciles persisted state after a restart so crashed
// sessions do not leak sandbox users.
package reaper

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/agenticwork/sessiond/internal/sandbox"
	"github.com/agenticwork/sessiond/internal/store"
)

// SessionManager is what the reaper needs from the session layer.
type SessionManager interface {
	ExpiredSessions(idleTimeout, maxLifetime time.Duration) []string
	StopAndWait(ctx context.Context, sessionID string) error
}

// SandboxManager reclaims leaked OS users during reconciliation.
type SandboxManager interface {
	Delete(ctx context.Context, u *sandbox.User, keepWorkspace bool)
	Enabled() bool
}

// RecordStore is the persisted-session view the reaper reads and updates.
type RecordStore interface {
	ListActive() ([]*store.Record, error)
	UpdateStatus(id, status string) error
}

type Reaper struct {
	sessions  SessionManager
	sandboxes SandboxManager
	store     RecordStore
	homesBase string

	interval    time.Duration
	idleTimeout time.Duration
	maxLifetime time.Duration
	logger      *slog.Logger
}

func New(sm SessionManager, sb SandboxManager, st RecordStore, homesBase string,
	interval, idleTimeout, maxLifetime time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		sessions:    sm,
		sandboxes:   sb,
		store:       st,
		homesBase:   homesBase,
		interval:    interval,
		idleTimeout: idleTimeout,
		maxLifetime: maxLifetime,
		logger:      logger,
	}
}

// Run reconciles once at startup, then reaps on a fixed schedule until
// the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started",
		"interval", r.interval, "idle_timeout", r.idleTimeout, "max_lifetime", r.maxLifetime)

	r.Reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.ReapExpired(ctx)
		}
	}
}

// ReapExpired stops every session past its idle timeout or lifetime cap.
func (r *Reaper) ReapExpired(ctx context.Context) int {
	expired := r.sessions.ExpiredSessions(r.idleTimeout, r.maxLifetime)
	for _, id := range expired {
		r.logger.Info("reaping expired session", "session_id", id)
		if err := r.sessions.StopAndWait(ctx, id); err != nil {
			r.logger.Error("reaper: stop session", "session_id", id, "error", err)
		}
	}
	if len(expired) > 0 {
		r.logger.Info("reaper: reaped sessions", "count", len(expired))
	}
	return len(expired)
}

// Reconcile runs once at boot. Any session persisted as active belongs to
// a previous process; its agent is gone, but its sandbox user may still
// exist on the host and must be reclaimed.
func (r *Reaper) Reconcile(ctx context.Context) {
	records, err := r.store.ListActive()
	if err != nil {
		r.logger.Error("reconcile: list active sessions", "error", err)
		return
	}

	for _, rec := range records {
		r.logger.Warn("reconcile: marking stale session stopped",
			"session_id", rec.ID, "user_id", rec.UserID)

		if rec.SandboxUsername != "" && r.sandboxes.Enabled() {
			r.sandboxes.Delete(ctx, &sandbox.User{
				UID:           rec.SandboxUID,
				GID:           rec.SandboxUID,
				Username:      rec.SandboxUsername,
				HomeDir:       filepath.Join(r.homesBase, rec.SandboxUsername),
				WorkspacePath: rec.WorkspacePath,
			}, true)
		}

		if err := r.store.UpdateStatus(rec.ID, "stopped"); err != nil {
			r.logger.Error("reconcile: update status", "session_id", rec.ID, "error", err)
		}
	}

	if len(records) > 0 {
		r.logger.Info("reconciliation complete", "reclaimed", len(records))
	}
}
