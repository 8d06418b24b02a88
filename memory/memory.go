// Package memory keeps a lightweight append-only journal of notable
// events (releases, sweep findings, decisions) in the work queue database.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const timeFormat = time.RFC3339Nano

// Entry is one journal line.
type Entry struct {
	ID        int64
	Category  string
	Content   string
	CreatedAt time.Time
}

// Store reads and writes memory entries over a shared database handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New prepares the memory table on the given database.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS memory_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_category ON memory_entries(category)`)
	if err != nil {
		return nil, fmt.Errorf("create memory table: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Log appends one entry.
func (s *Store) Log(ctx context.Context, category, content string) error {
	if category == "" || content == "" {
		return fmt.Errorf("category and content are required")
	}
	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (category, content, created_at) VALUES (?, ?, ?)`,
		category, content, now)
	if err != nil {
		return fmt.Errorf("insert memory entry: %w", err)
	}
	s.logger.Debug("Memory logged", "category", category)
	return nil
}

// Search returns entries whose content or category contains the query,
// newest first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, content, created_at FROM memory_entries
		WHERE content LIKE ? OR category LIKE ?
		ORDER BY id DESC LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns the newest entries.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, content, created_at FROM memory_entries
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Category, &e.Content, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
