package statedb

import (
	"fmt"
	"strconv"
)

// SchemaVersion is the newest migration.
const SchemaVersion = 2

// migrations[i] upgrades the schema from version i to i+1.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS agents (
		id                  TEXT PRIMARY KEY,
		project_path        TEXT NOT NULL DEFAULT '',
		project_name        TEXT NOT NULL DEFAULT '',
		terminal_session_id TEXT NOT NULL,
		session_name        TEXT NOT NULL DEFAULT '',
		current_task_id     TEXT NOT NULL DEFAULT '',
		cached_state        TEXT NOT NULL DEFAULT 'idle',
		created_at          INTEGER NOT NULL,
		last_seen_at        INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS tasks (
		id              TEXT PRIMARY KEY,
		agent_id        TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		state           TEXT NOT NULL,
		started_at      INTEGER NOT NULL,
		completed_at    INTEGER,
		ended_at        INTEGER,
		command_summary TEXT NOT NULL DEFAULT '',
		priority_score  INTEGER,
		priority_reason TEXT NOT NULL DEFAULT '',
		updated_at      INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS turns (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		actor      TEXT NOT NULL,
		kind       TEXT NOT NULL,
		text       TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	`,
	`
	CREATE INDEX IF NOT EXISTS idx_agents_terminal ON agents(terminal_session_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_turns_task ON turns(task_id, seq);
	`,
}

// Migrate brings the schema up to SchemaVersion inside one transaction.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	current := 0
	var raw string
	if err := tx.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&raw); err == nil {
		current, _ = strconv.Atoi(raw)
	}
	if current > SchemaVersion {
		return fmt.Errorf("statedb: schema version %d is newer than supported %d", current, SchemaVersion)
	}

	for v := current; v < SchemaVersion; v++ {
		if _, err := tx.Exec(migrations[v]); err != nil {
			return fmt.Errorf("statedb: migrate to v%d: %w", v+1, err)
		}
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}
	return tx.Commit()
}
