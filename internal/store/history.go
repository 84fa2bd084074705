// Package store keeps a queryable SQLite mirror of design sessions.
//
// The JSON session document stays authoritative for the active session. The
// history database only accumulates: every iteration of every session and the
// render artifacts attached to it, for the status, history and export commands.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"scadsmith/internal/logging"
	"scadsmith/internal/types"
)

const (
	// historySchemaVersion is bumped whenever initSchema changes a table.
	historySchemaVersion = 1

	// timeLayout is fixed-width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// HistoryStore is the SQLite-backed session history.
type HistoryStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// IterationRecord is one stored iteration.
type IterationRecord struct {
	SessionID      string
	Prompt         string // stored once per session
	Index          int    // zero-based position within the session
	Feedback       string
	Code           string
	Views          []types.ViewSpec
	ChangesSummary string
	Model          string
	CreatedAt      time.Time
	Renders        []RenderRecord // filled by ListIterations
}

// RenderRecord is one rendered view of an iteration.
type RenderRecord struct {
	View      string
	Path      string
	SizeBytes int
}

// SessionSummary is a row of ListSessions.
type SessionSummary struct {
	ID         string
	Prompt     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Iterations int
	Rendered   int // iterations with at least one render
}

// NewHistoryStore opens or creates the history database at path.
func NewHistoryStore(path string) (*HistoryStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewHistoryStore")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &HistoryStore{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Store("History store opened at %s", path)
	return s, nil
}

// Close closes the database connection.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *HistoryStore) Path() string {
	return s.dbPath
}

func (s *HistoryStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS design_sessions (
		session_id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS design_iterations (
		session_id TEXT NOT NULL REFERENCES design_sessions(session_id) ON DELETE CASCADE,
		iteration INTEGER NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL,
		views_json TEXT NOT NULL,
		changes TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY (session_id, iteration)
	);

	CREATE TABLE IF NOT EXISTS design_renders (
		session_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		view TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL,
		PRIMARY KEY (session_id, iteration, view),
		FOREIGN KEY (session_id, iteration) REFERENCES design_iterations(session_id, iteration) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_design_iterations_created ON design_iterations(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO schema_versions (version, applied_at) VALUES (?, ?)",
		historySchemaVersion, formatTime(time.Now()),
	)
	return err
}

// RecordIteration stores an iteration, creating the session row on first use.
// Re-recording the same (session, index) replaces the earlier row.
func (s *HistoryStore) RecordIteration(ctx context.Context, rec IterationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	viewsJSON, err := json.Marshal(rec.Views)
	if err != nil {
		return fmt.Errorf("failed to encode views: %w", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO design_sessions (session_id, prompt, created_at) VALUES (?, ?, ?)",
		rec.SessionID, rec.Prompt, formatTime(created),
	); err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO design_iterations
		 (session_id, iteration, feedback, code, views_json, changes, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, iteration) DO UPDATE SET
		   feedback = excluded.feedback, code = excluded.code, views_json = excluded.views_json,
		   changes = excluded.changes, model = excluded.model, created_at = excluded.created_at`,
		rec.SessionID, rec.Index, rec.Feedback, rec.Code, string(viewsJSON),
		rec.ChangesSummary, rec.Model, formatTime(created),
	); err != nil {
		return fmt.Errorf("failed to record iteration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit iteration: %w", err)
	}

	logging.StoreDebug("Recorded iteration: session=%s iteration=%d views=%d", rec.SessionID, rec.Index, len(rec.Views))
	return nil
}

// RecordRenders stores the renders attached to an iteration.
func (s *HistoryStore) RecordRenders(ctx context.Context, sessionID string, index int, renders []RenderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, r := range renders {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO design_renders (session_id, iteration, view, path, size_bytes, position)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, index, r.View, r.Path, r.SizeBytes, i,
		); err != nil {
			return fmt.Errorf("failed to record render %s: %w", r.View, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit renders: %w", err)
	}

	logging.StoreDebug("Recorded %d renders: session=%s iteration=%d", len(renders), sessionID, index)
	return nil
}

// ListSessions returns sessions, most recently updated first.
func (s *HistoryStore) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, s.prompt, s.created_at,
		        COALESCE(MAX(i.created_at), s.created_at),
		        COUNT(i.iteration),
		        COUNT(DISTINCT r.iteration)
		 FROM design_sessions s
		 LEFT JOIN design_iterations i ON i.session_id = s.session_id
		 LEFT JOIN (SELECT DISTINCT session_id, iteration FROM design_renders) r
		        ON r.session_id = i.session_id AND r.iteration = i.iteration
		 GROUP BY s.session_id
		 ORDER BY 4 DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var created, updated string
		if err := rows.Scan(&sum.ID, &sum.Prompt, &created, &updated, &sum.Iterations, &sum.Rendered); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.CreatedAt = parseTime(created)
		sum.UpdatedAt = parseTime(updated)
		sessions = append(sessions, sum)
	}
	return sessions, rows.Err()
}

// ListIterations returns the iterations of a session in order, with renders.
func (s *HistoryStore) ListIterations(ctx context.Context, sessionID string) ([]IterationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var prompt string
	err := s.db.QueryRowContext(ctx,
		"SELECT prompt FROM design_sessions WHERE session_id = ?", sessionID,
	).Scan(&prompt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT iteration, feedback, code, views_json, changes, model, created_at
		 FROM design_iterations WHERE session_id = ? ORDER BY iteration`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}

	var iterations []IterationRecord
	for rows.Next() {
		rec := IterationRecord{SessionID: sessionID, Prompt: prompt}
		var viewsJSON, created string
		if err := rows.Scan(&rec.Index, &rec.Feedback, &rec.Code, &viewsJSON, &rec.ChangesSummary, &rec.Model, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		if err := json.Unmarshal([]byte(viewsJSON), &rec.Views); err != nil {
			logging.StoreWarn("Corrupt views_json for session=%s iteration=%d: %v", sessionID, rec.Index, err)
		}
		rec.CreatedAt = parseTime(created)
		iterations = append(iterations, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	renders, err := s.db.QueryContext(ctx,
		`SELECT iteration, view, path, size_bytes FROM design_renders
		 WHERE session_id = ? ORDER BY iteration, position`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query renders: %w", err)
	}
	defer renders.Close()

	byIndex := make(map[int]int, len(iterations))
	for i, it := range iterations {
		byIndex[it.Index] = i
	}
	for renders.Next() {
		var index int
		var r RenderRecord
		if err := renders.Scan(&index, &r.View, &r.Path, &r.SizeBytes); err != nil {
			return nil, fmt.Errorf("failed to scan render: %w", err)
		}
		if i, ok := byIndex[index]; ok {
			iterations[i].Renders = append(iterations[i].Renders, r)
		}
	}
	return iterations, renders.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
