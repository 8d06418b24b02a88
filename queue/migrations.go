package queue

import (
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create core tables",
		sql: `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	project TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'backlog'
		CHECK (status IN ('backlog','active','dispatched','in_review','completed','failed')),
	priority TEXT NOT NULL DEFAULT 'medium'
		CHECK (priority IN ('low','medium','high','critical')),
	complexity TEXT NOT NULL DEFAULT '',
	external_id TEXT,
	external_source TEXT,
	locked_by TEXT,
	locked_at TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	mirror_path TEXT NOT NULL DEFAULT '',
	token_budget INTEGER,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_external
	ON tasks(external_id, external_source)
	WHERE external_id IS NOT NULL AND external_source IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	depends_on_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	PRIMARY KEY (task_id, depends_on_task_id),
	CHECK (task_id <> depends_on_task_id)
);

CREATE TABLE IF NOT EXISTS task_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	old_status TEXT NOT NULL,
	new_status TEXT NOT NULL,
	changed_by TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_log_task ON task_log(task_id);

CREATE TABLE IF NOT EXISTS dispatch_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	worker_id TEXT NOT NULL DEFAULT '',
	model_id TEXT NOT NULL DEFAULT '',
	branch_name TEXT NOT NULL DEFAULT '',
	mission_brief_path TEXT NOT NULL DEFAULT '',
	review_status TEXT NOT NULL DEFAULT ''
		CHECK (review_status IN ('passed','failed','skipped','')),
	tokens_used INTEGER NOT NULL DEFAULT 0,
	usage_stats TEXT NOT NULL DEFAULT '{}',
	output_log TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dispatch_results_task ON dispatch_results(task_id);

CREATE TABLE IF NOT EXISTS cost_ledger (
	date TEXT PRIMARY KEY,
	tokens_input INTEGER NOT NULL DEFAULT 0,
	tokens_output INTEGER NOT NULL DEFAULT 0,
	estimated_cost_usd REAL NOT NULL DEFAULT 0,
	ceiling_usd REAL NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);
`,
	},
}

// migrate brings the schema to the latest version. Each migration runs
// in its own transaction; the version is tracked in schema_version.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}

	return nil
}
