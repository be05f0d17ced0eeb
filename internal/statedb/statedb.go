// Package statedb persists agents, tasks and turns in SQLite.
package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// StateDB is safe for concurrent use. WAL mode and a busy timeout let a
// second process (the hook command, a CLI query) read while serve writes.
type StateDB struct {
	db *sql.DB
}

// AgentRow is one agents row.
type AgentRow struct {
	ID                string
	ProjectPath       string
	ProjectName       string
	TerminalSessionID string
	SessionName       string
	CurrentTaskID     string
	CachedState       string
	CreatedAt         time.Time
	LastSeenAt        time.Time
}

// TaskRow is one tasks row. Zero times are stored as NULL.
type TaskRow struct {
	ID             string
	AgentID        string
	State          string
	StartedAt      time.Time
	CompletedAt    time.Time
	EndedAt        time.Time
	CommandSummary string
	PriorityScore  sql.NullInt64
	PriorityReason string
	UpdatedAt      time.Time
}

// TurnRow is one turns row.
type TurnRow struct {
	ID        string
	TaskID    string
	Seq       int
	Actor     string
	Kind      string
	Text      string
	CreatedAt time.Time
}

// Open creates or opens the database at dbPath. Use ":memory:" for tests
// that do not need a file.
func Open(dbPath string) (*StateDB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("statedb: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", pragma, err)
		}
	}
	return &StateDB{db: db}, nil
}

// Close checkpoints the WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// --- Agents ---

func (s *StateDB) SaveAgent(a *AgentRow) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (
			id, project_path, project_name, terminal_session_id, session_name,
			current_task_id, cached_state, created_at, last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_path = excluded.project_path,
			project_name = excluded.project_name,
			terminal_session_id = excluded.terminal_session_id,
			session_name = excluded.session_name,
			current_task_id = excluded.current_task_id,
			cached_state = excluded.cached_state,
			last_seen_at = excluded.last_seen_at
	`,
		a.ID, a.ProjectPath, a.ProjectName, a.TerminalSessionID, a.SessionName,
		a.CurrentTaskID, a.CachedState, toMillis(a.CreatedAt), toMillis(a.LastSeenAt),
	)
	if err != nil {
		return fmt.Errorf("statedb: save agent %s: %w", a.ID, err)
	}
	return nil
}

// DeleteAgent removes the agent and, through ON DELETE CASCADE, its tasks
// and their turns.
func (s *StateDB) DeleteAgent(id string) error {
	if _, err := s.db.Exec("DELETE FROM agents WHERE id = ?", id); err != nil {
		return fmt.Errorf("statedb: delete agent %s: %w", id, err)
	}
	return nil
}

func (s *StateDB) LoadAgents() ([]*AgentRow, error) {
	rows, err := s.db.Query(`
		SELECT id, project_path, project_name, terminal_session_id, session_name,
			current_task_id, cached_state, created_at, last_seen_at
		FROM agents ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("statedb: load agents: %w", err)
	}
	defer rows.Close()

	var out []*AgentRow
	for rows.Next() {
		r := &AgentRow{}
		var created, seen int64
		if err := rows.Scan(&r.ID, &r.ProjectPath, &r.ProjectName, &r.TerminalSessionID,
			&r.SessionName, &r.CurrentTaskID, &r.CachedState, &created, &seen); err != nil {
			return nil, fmt.Errorf("statedb: scan agent: %w", err)
		}
		r.CreatedAt = fromMillis(created)
		r.LastSeenAt = fromMillis(seen)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Tasks ---

func (s *StateDB) SaveTask(t *TaskRow) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (
			id, agent_id, state, started_at, completed_at, ended_at,
			command_summary, priority_score, priority_reason, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			completed_at = excluded.completed_at,
			ended_at = excluded.ended_at,
			command_summary = excluded.command_summary,
			priority_score = excluded.priority_score,
			priority_reason = excluded.priority_reason,
			updated_at = excluded.updated_at
	`,
		t.ID, t.AgentID, t.State, toMillis(t.StartedAt), nullMillis(t.CompletedAt), nullMillis(t.EndedAt),
		t.CommandSummary, t.PriorityScore, t.PriorityReason, toMillis(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("statedb: save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *StateDB) LoadTasks() ([]*TaskRow, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, state, started_at, completed_at, ended_at,
			command_summary, priority_score, priority_reason, updated_at
		FROM tasks ORDER BY started_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("statedb: load tasks: %w", err)
	}
	defer rows.Close()

	var out []*TaskRow
	for rows.Next() {
		r := &TaskRow{}
		var started, updated int64
		var completed, ended sql.NullInt64
		if err := rows.Scan(&r.ID, &r.AgentID, &r.State, &started, &completed, &ended,
			&r.CommandSummary, &r.PriorityScore, &r.PriorityReason, &updated); err != nil {
			return nil, fmt.Errorf("statedb: scan task: %w", err)
		}
		r.StartedAt = fromMillis(started)
		r.UpdatedAt = fromMillis(updated)
		if completed.Valid {
			r.CompletedAt = fromMillis(completed.Int64)
		}
		if ended.Valid {
			r.EndedAt = fromMillis(ended.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Turns ---

// SaveTurn appends a turn. Turns are immutable, so a duplicate id is an
// error.
func (s *StateDB) SaveTurn(t *TurnRow) error {
	_, err := s.db.Exec(`
		INSERT INTO turns (id, task_id, seq, actor, kind, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TaskID, t.Seq, t.Actor, t.Kind, t.Text, toMillis(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("statedb: save turn %s: %w", t.ID, err)
	}
	return nil
}

func (s *StateDB) LoadTurns() ([]*TurnRow, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, seq, actor, kind, text, created_at
		FROM turns ORDER BY task_id, seq
	`)
	if err != nil {
		return nil, fmt.Errorf("statedb: load turns: %w", err)
	}
	defer rows.Close()

	var out []*TurnRow
	for rows.Next() {
		r := &TurnRow{}
		var created int64
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Seq, &r.Actor, &r.Kind, &r.Text, &created); err != nil {
			return nil, fmt.Errorf("statedb: scan turn: %w", err)
		}
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Metadata ---

func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("statedb: set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta returns "" for a missing key.
func (s *StateDB) GetMeta(key string) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("statedb: get meta %s: %w", key, err)
	}
	return v, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
