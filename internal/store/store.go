// Package store persists session metadata in SQLite so a restarted
// manager can reconcile leaked sandbox users and report historical
// sessions. Persistence is best-effort from the session manager's point
// of view; callers log and continue on failure.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("session not found")

// isBusyLock reports whether err indicates SQLITE_BUSY, including wrapped
// errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Record is one persisted session.
type Record struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Model           string    `json:"model,omitempty"`
	Mode            string    `json:"mode"` // api | ollama
	Status          string    `json:"status"`
	WorkspacePath   string    `json:"workspacePath"`
	SandboxUID      int       `json:"sandboxUid,omitempty"`
	SandboxUsername string    `json:"sandboxUsername,omitempty"`
	PID             int       `json:"pid,omitempty"`
	IDEPort         int       `json:"idePort,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivity    time.Time `json:"lastActivity"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	model            TEXT NOT NULL DEFAULT '',
	mode             TEXT NOT NULL DEFAULT 'ollama',
	status           TEXT NOT NULL DEFAULT 'starting',
	workspace_path   TEXT NOT NULL DEFAULT '',
	sandbox_uid      INTEGER NOT NULL DEFAULT 0,
	sandbox_username TEXT NOT NULL DEFAULT '',
	pid              INTEGER NOT NULL DEFAULT 0,
	ide_port         INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	last_activity    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

// DefaultMaxOpenConns is the connection pool size for concurrent reads.
// WAL mode allows multiple readers + 1 writer.
const DefaultMaxOpenConns = 4

// dsnWithPragmas applies WAL, busy_timeout, and perf pragmas on every new
// connection; the driver applies DSN pragmas per-connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the pool size (0 = default).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const recordColumns = `id, user_id, model, mode, status, workspace_path,
	sandbox_uid, sandbox_username, pid, ide_port, created_at, last_activity`

func (s *Store) Upsert(rec *Record) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO sessions (`+recordColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				model = excluded.model,
				mode = excluded.mode,
				status = excluded.status,
				workspace_path = excluded.workspace_path,
				sandbox_uid = excluded.sandbox_uid,
				sandbox_username = excluded.sandbox_username,
				pid = excluded.pid,
				ide_port = excluded.ide_port,
				last_activity = excluded.last_activity`,
			rec.ID, rec.UserID, rec.Model, rec.Mode, rec.Status, rec.WorkspacePath,
			rec.SandboxUID, rec.SandboxUsername, rec.PID, rec.IDEPort,
			rec.CreatedAt.UTC(), rec.LastActivity.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT `+recordColumns+` FROM sessions WHERE id = ?`, id,
	)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *Store) List() ([]*Record, error) {
	rows, err := s.db.Query(
		`SELECT ` + recordColumns + ` FROM sessions ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *Store) ListByUser(userID string) ([]*Record, error) {
	rows, err := s.db.Query(
		`SELECT `+recordColumns+` FROM sessions WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing user sessions: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListActive returns sessions persisted as starting or running. After a
// crash these are the sessions whose sandbox users may be leaked.
func (s *Store) ListActive() ([]*Record, error) {
	rows, err := s.db.Query(
		`SELECT ` + recordColumns + ` FROM sessions WHERE status IN ('starting', 'running')`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *Store) UpdateStatus(id, status string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET status = ?, last_activity = ? WHERE id = ?`,
			status, time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return checkRowAffected(result)
}

func (s *Store) TouchActivity(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET last_activity = ? WHERE id = ?`,
			time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("touching session activity: %w", err)
	}
	return checkRowAffected(result)
}

func (s *Store) Delete(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return checkRowAffected(result)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Model, &rec.Mode, &rec.Status, &rec.WorkspacePath,
		&rec.SandboxUID, &rec.SandboxUsername, &rec.PID, &rec.IDEPort,
		&rec.CreatedAt, &rec.LastActivity,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return recs, nil
}

func checkRowAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
