package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/floegence/redeven-orchestrator/internal/subagent"
)

const FileName = "runs.sqlite"

// Store is the local SQLite ledger of subagent runs and executed tool-call ids.
//
// Notes:
// - Rows are scoped by session_id; one process owns one session at a time.
// - WAL is enabled so `history` can read while a session writes.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

// OpenInStateDir opens <stateDir>/runs.sqlite.
func OpenInStateDir(stateDir string) (*Store, error) {
	stateDir = strings.TrimSpace(stateDir)
	if stateDir == "" {
		return nil, errors.New("missing state dir")
	}
	return Open(filepath.Join(stateDir, FileName))
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunRecord is one row of subagent_runs.
type RunRecord struct {
	SubagentID       string `json:"subagent_id"`
	SessionID        string `json:"session_id"`
	Task             string `json:"task"`
	PID              int    `json:"pid"`
	Status           string `json:"status"`
	Result           string `json:"result"`
	Error            string `json:"error"`
	StartedAtUnixMs  int64  `json:"started_at_unix_ms"`
	FinishedAtUnixMs int64  `json:"finished_at_unix_ms"`
}

func (r RunRecord) Duration() time.Duration {
	if r.FinishedAtUnixMs <= 0 || r.StartedAtUnixMs <= 0 {
		return 0
	}
	return time.Duration(r.FinishedAtUnixMs-r.StartedAtUnixMs) * time.Millisecond
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// RecordSpawn inserts a running row for a freshly spawned subagent.
func (s *Store) RecordSpawn(ctx context.Context, run subagent.Run) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSpace(run.ID)
	if id == "" {
		return errors.New("missing subagent id")
	}
	started := unixMs(run.StartedAt)
	if started == 0 {
		started = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO subagent_runs(subagent_id, session_id, task, pid, status, started_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(subagent_id) DO UPDATE SET
  session_id = excluded.session_id,
  task = excluded.task,
  pid = excluded.pid,
  status = excluded.status,
  started_at_unix_ms = excluded.started_at_unix_ms
`, id, strings.TrimSpace(run.SessionID), run.Task, run.PID, string(run.Status), started)
	return err
}

// RecordFinish stores the terminal outcome. A run never seen by RecordSpawn is inserted.
func (s *Store) RecordFinish(ctx context.Context, run subagent.Run) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSpace(run.ID)
	if id == "" {
		return errors.New("missing subagent id")
	}
	finished := unixMs(run.FinishedAt)
	if finished == 0 {
		finished = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO subagent_runs(subagent_id, session_id, task, pid, status, result, error, started_at_unix_ms, finished_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(subagent_id) DO UPDATE SET
  status = excluded.status,
  result = excluded.result,
  error = excluded.error,
  finished_at_unix_ms = excluded.finished_at_unix_ms
`, id, strings.TrimSpace(run.SessionID), run.Task, run.PID, string(run.Status), run.Result, run.Error, unixMs(run.StartedAt), finished)
	return err
}

// RecordExecutedCall remembers that callID ran in sessionID. Repeats are ignored.
func (s *Store) RecordExecutedCall(sessionID string, callID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	callID = strings.TrimSpace(callID)
	if sessionID == "" || callID == "" {
		return errors.New("invalid request")
	}
	_, err := s.db.Exec(`
INSERT OR IGNORE INTO executed_calls(session_id, call_id, created_at_unix_ms)
VALUES(?, ?, ?)
`, sessionID, callID, time.Now().UnixMilli())
	return err
}

// ExecutedCalls lists the call ids of a session in execution order.
func (s *Store) ExecutedCalls(ctx context.Context, sessionID string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT call_id FROM executed_calls
WHERE session_id = ?
ORDER BY created_at_unix_ms ASC, rowid ASC
`, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListRuns returns the newest runs first. An empty sessionID lists every session.
func (s *Store) ListRuns(ctx context.Context, sessionID string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}

	args := []any{}
	where := ""
	if sid := strings.TrimSpace(sessionID); sid != "" {
		where = "WHERE session_id = ?"
		args = append(args, sid)
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
SELECT subagent_id, session_id, task, pid, status, result, error, started_at_unix_ms, finished_at_unix_ms
FROM subagent_runs
%s
ORDER BY started_at_unix_ms DESC, subagent_id DESC
LIMIT ?
`, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]RunRecord, 0, limit)
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.SubagentID, &r.SessionID, &r.Task, &r.PID, &r.Status, &r.Result, &r.Error, &r.StartedAtUnixMs, &r.FinishedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkAbandoned fails running rows left behind by a process that exited without
// recording an outcome. It returns the number of rows updated.
func (s *Store) MarkAbandoned(ctx context.Context, sessionID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE subagent_runs
SET status = ?, error = ?, finished_at_unix_ms = ?
WHERE status = ? AND session_id <> ?
`, string(subagent.StatusFailed), "Subagent abandoned by a previous session", time.Now().UnixMilli(), string(subagent.StatusRunning), strings.TrimSpace(sessionID))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS subagent_runs (
  subagent_id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL DEFAULT '',
  task TEXT NOT NULL DEFAULT '',
  pid INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'running',
  result TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  started_at_unix_ms INTEGER NOT NULL,
  finished_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_subagent_runs_session ON subagent_runs(session_id, started_at_unix_ms DESC);`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS executed_calls (
  session_id TEXT NOT NULL,
  call_id TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY(session_id, call_id)
);
`); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
