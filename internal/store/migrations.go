package store

import "fmt"

// migrate applies forward-only schema migrations, recording each version in
// schema_version. A store written by a newer binary is refused.
func (s *Store) migrate() error {
	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.conn.QueryRow(
		"SELECT COALESCE(MAX(version), 0) FROM schema_version",
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if current > len(migrations) {
		return fmt.Errorf("%w: store at v%d, binary understands v%d",
			ErrSchemaTooNew, current, len(migrations))
	}

	for i, ddl := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", version, err)
		}
		if _, err := tx.Exec(ddl); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_version (version) VALUES (?)", version,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", version, err)
		}
	}

	return nil
}

var migrations = []string{
	// v1: projects
	`
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	spec_path TEXT NOT NULL,
	project_path TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'QUEUED',
	main_session TEXT,
	enqueued_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	batch_id TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	failed_components TEXT NOT NULL DEFAULT '',
	merged_status TEXT,
	merged_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);

-- At most one PROCESSING project, and no two PROCESSING rows may share a
-- tmux session. The queue re-checks the count inside its promote
-- transaction; this index is the backstop.
CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_processing_session
	ON projects(main_session) WHERE status = 'PROCESSING';
`,
	// v2: scheduled tasks
	`
CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_name TEXT NOT NULL,
	role TEXT NOT NULL,
	window_index INTEGER NOT NULL,
	interval_minutes INTEGER NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	next_run_epoch INTEGER NOT NULL,
	one_shot INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'pending',
	last_dispatched_epoch INTEGER NOT NULL DEFAULT 0,
	dispatch_count INTEGER NOT NULL DEFAULT 0,
	dedup_key TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON scheduled_tasks(next_run_epoch);
`,
	// v3: session states
	`
CREATE TABLE IF NOT EXISTS session_states (
	project_name TEXT PRIMARY KEY,
	session_name TEXT NOT NULL,
	created_at TEXT NOT NULL,
	phases_completed TEXT NOT NULL DEFAULT '[]',
	agents TEXT NOT NULL DEFAULT '{}',
	failure_reason TEXT NOT NULL DEFAULT '',
	subscription_plan TEXT NOT NULL DEFAULT '',
	velocity_metrics TEXT NOT NULL DEFAULT '{}'
);
`,
	// v4: agent health snapshots
	`
CREATE TABLE IF NOT EXISTS agent_health (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	session_name TEXT NOT NULL,
	role TEXT NOT NULL,
	window_index INTEGER NOT NULL,
	checked_at TEXT NOT NULL,
	pane_command TEXT NOT NULL DEFAULT '',
	agent_present INTEGER NOT NULL DEFAULT 0,
	is_stuck INTEGER NOT NULL DEFAULT 0,
	stuck_since TEXT,
	recovery_attempts INTEGER NOT NULL DEFAULT 0,
	last_recovery_epoch INTEGER NOT NULL DEFAULT 0,
	health_blob TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_agent_health_project ON agent_health(project_id);
`,
	// v5: authorizations
	`
CREATE TABLE IF NOT EXISTS authorizations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_name TEXT NOT NULL,
	request_id TEXT NOT NULL UNIQUE,
	priority INTEGER NOT NULL,
	from_role TEXT NOT NULL,
	to_role TEXT NOT NULL,
	action TEXT NOT NULL,
	timeout_minutes INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	created_at TEXT NOT NULL,
	resolved_at TEXT,
	resolution TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_auth_session_status
	ON authorizations(session_name, status);
CREATE INDEX IF NOT EXISTS idx_auth_priority_created
	ON authorizations(priority, created_at);
`,
	// v6: failure journal
	`
CREATE TABLE IF NOT EXISTS failure_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at TEXT NOT NULL,
	project_id INTEGER NOT NULL,
	session_name TEXT NOT NULL DEFAULT '',
	reason_tag TEXT NOT NULL,
	duration_hours REAL NOT NULL DEFAULT 0,
	spec_path TEXT NOT NULL DEFAULT '',
	agent_count INTEGER NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT '',
	report_path TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_failures_recorded ON failure_records(recorded_at);
`,
}
