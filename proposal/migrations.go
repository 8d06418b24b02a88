package proposal

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
		name:    "create proposals table",
		sql: `
CREATE TABLE IF NOT EXISTS overlord_proposals (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT '{}',
	state TEXT NOT NULL DEFAULT 'pending'
		CHECK (state IN ('pending','approved','denied','executing','completed','failed','expired')),
	thread_ts TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	resolved_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_proposals_state ON overlord_proposals(state);
CREATE INDEX IF NOT EXISTS idx_proposals_thread ON overlord_proposals(thread_ts);
`,
	},
	{
		version: 2,
		name:    "add result summary",
		sql:     `ALTER TABLE overlord_proposals ADD COLUMN result_summary TEXT NOT NULL DEFAULT '';`,
	},
}

// migrate applies pending schema migrations in order.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
