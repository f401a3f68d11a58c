// Package store maintains the SQLite session index at
// <baseDir>/.haivemind/haivemind.db. The per-project JSON files remain
// the source of truth; the index makes the control-plane list and
// summary endpoints cheap.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haivemind/haivemind/pkg/models"
)

// DB wraps the SQLite index connection.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// Path returns the index database path for a base directory.
func Path(baseDir string) string {
	return filepath.Join(baseDir, ".haivemind", "haivemind.db")
}

// Open opens (and creates if needed) the index at the given path, with
// WAL mode for concurrent reads, and applies pending migrations.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// migrate applies pending schema migrations.
func (db *DB) migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Sessions},
		{2, migrationV2Reflections},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_slug TEXT NOT NULL,
	status TEXT NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	task_count INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0.0,
	started_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_slug);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

const migrationV2Reflections = `
CREATE TABLE IF NOT EXISTS reflections (
	session_id TEXT PRIMARY KEY,
	project_slug TEXT NOT NULL,
	status TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	task_count INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	fail_count INTEGER NOT NULL DEFAULT 0,
	retry_rate REAL NOT NULL DEFAULT 0.0,
	cost REAL NOT NULL DEFAULT 0.0
);

CREATE INDEX IF NOT EXISTS idx_reflections_project ON reflections(project_slug);
`

// SessionRow is one indexed session.
type SessionRow struct {
	ID          string     `json:"id"`
	ProjectSlug string     `json:"projectSlug"`
	Status      string     `json:"status"`
	Prompt      string     `json:"prompt"`
	TaskCount   int        `json:"taskCount"`
	Cost        float64    `json:"cost"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// IndexSession inserts or replaces a session's index row.
func (db *DB) IndexSession(s *models.Session) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	cost := 0.0
	if s.CostSummary != nil {
		cost = s.CostSummary.Total
	}
	var completed any
	if s.CompletedAt != nil {
		completed = formatTime(*s.CompletedAt)
	}

	_, err := db.conn.Exec(`
		INSERT OR REPLACE INTO sessions
			(id, project_slug, status, prompt, task_count, cost, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.ProjectSlug, string(s.Status), s.Prompt, len(s.Plan), cost,
		formatTime(s.StartedAt), completed)
	if err != nil {
		return fmt.Errorf("index session %s: %w", s.ID, err)
	}
	return nil
}

// Sessions lists indexed sessions, newest first. Empty slug lists all
// projects.
func (db *DB) Sessions(projectSlug string) ([]SessionRow, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	query := `
		SELECT id, project_slug, status, prompt, task_count, cost, started_at, completed_at
		FROM sessions`
	var args []any
	if projectSlug != "" {
		query += " WHERE project_slug = ?"
		args = append(args, projectSlug)
	}
	query += " ORDER BY started_at DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var started string
		var completed sql.NullString
		if err := rows.Scan(&r.ID, &r.ProjectSlug, &r.Status, &r.Prompt,
			&r.TaskCount, &r.Cost, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		r.StartedAt, _ = parseTime(started)
		r.CompletedAt = parseNullableTime(completed)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Session returns one indexed session, or nil.
func (db *DB) Session(id string) (*SessionRow, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var r SessionRow
	var started string
	var completed sql.NullString
	err := db.conn.QueryRow(`
		SELECT id, project_slug, status, prompt, task_count, cost, started_at, completed_at
		FROM sessions WHERE id = ?
	`, id).Scan(&r.ID, &r.ProjectSlug, &r.Status, &r.Prompt,
		&r.TaskCount, &r.Cost, &started, &completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	r.StartedAt, _ = parseTime(started)
	r.CompletedAt = parseNullableTime(completed)
	return &r, nil
}

// IndexReflection inserts or replaces a reflection's index row.
func (db *DB) IndexReflection(projectSlug string, r *models.Reflection) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	cost := 0.0
	if r.CostSummary != nil {
		cost = r.CostSummary.Total
	}
	_, err := db.conn.Exec(`
		INSERT OR REPLACE INTO reflections
			(session_id, project_slug, status, duration_ms, task_count,
			 success_count, fail_count, retry_rate, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.SessionID, projectSlug, string(r.Status), r.DurationMs, r.TaskCount,
		r.SuccessCount, r.FailCount, r.RetryRate, cost)
	if err != nil {
		return fmt.Errorf("index reflection %s: %w", r.SessionID, err)
	}
	return nil
}

// Reflections lists a project's indexed reflections.
func (db *DB) Reflections(projectSlug string) ([]*models.Reflection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT session_id, status, duration_ms, task_count, success_count,
		       fail_count, retry_rate, cost
		FROM reflections WHERE project_slug = ?
	`, projectSlug)
	if err != nil {
		return nil, fmt.Errorf("list reflections: %w", err)
	}
	defer rows.Close()

	var out []*models.Reflection
	for rows.Next() {
		r := &models.Reflection{}
		var cost float64
		var status string
		if err := rows.Scan(&r.SessionID, &status, &r.DurationMs, &r.TaskCount,
			&r.SuccessCount, &r.FailCount, &r.RetryRate, &cost); err != nil {
			return nil, fmt.Errorf("scan reflection row: %w", err)
		}
		r.Status = models.SessionStatus(status)
		if cost > 0 {
			r.CostSummary = &models.CostSummary{Total: cost}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeOldSessions deletes index rows for sessions completed before the
// retention window. Returns the number deleted.
func (db *DB) PurgeOldSessions(olderThan time.Duration) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	cutoff := formatTime(time.Now().Add(-olderThan))
	result, err := db.conn.Exec(`
		DELETE FROM sessions WHERE completed_at IS NOT NULL AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge old sessions: %w", err)
	}
	return result.RowsAffected()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
