package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/c360studio/overlord/events"
	"github.com/c360studio/overlord/metrics"
)

const timeFormat = time.RFC3339Nano

// Store is the durable work queue backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	pub    events.Publisher
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(pub events.Publisher) StoreOption {
	return func(s *Store) {
		s.pub = pub
	}
}

// Open opens (or creates) the work queue database at path and runs
// migrations. The connection enforces foreign keys.
func Open(path string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open work queue db: %w", err)
	}
	// Single-writer model: one connection serializes all writes.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: slog.Default(),
		pub:    events.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so sibling stores (memory log) can
// share the same database file and connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// AddTask creates a task in backlog and returns its id.
func (s *Store) AddTask(ctx context.Context, nt NewTask) (string, error) {
	if nt.Title == "" {
		return "", fmt.Errorf("title is required")
	}
	if nt.Project == "" {
		return "", fmt.Errorf("project is required")
	}
	if nt.Priority == "" {
		nt.Priority = PriorityMedium
	}
	if !nt.Priority.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, nt.Priority)
	}

	id := uuid.New().String()
	now := time.Now().UTC().Format(timeFormat)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, project, description, status, priority, complexity,
			external_id, external_source, token_budget, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'backlog', ?, ?, ?, ?, ?, ?, ?)`,
		id, nt.Title, nt.Project, nt.Description, string(nt.Priority), nt.Complexity,
		nullString(nt.ExternalID), nullString(nt.ExternalSource), nullInt(nt.TokenBudget), now, now)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}

	s.logger.Debug("Task added", "task_id", id, "project", nt.Project, "title", nt.Title)
	return id, nil
}

const taskColumns = `id, title, project, description, status, priority, complexity,
	external_id, external_source, locked_by, locked_at, retry_count, mirror_path,
	token_budget, created_at, updated_at`

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// ListTasks returns tasks newest-first, optionally filtered by status
// and project. limit <= 0 means no limit.
func (s *Store) ListTasks(ctx context.Context, status Status, project string, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
		}
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// Transition moves a task to newStatus, enforcing the state machine and
// appending an audit log row in the same transaction. retry_count is
// incremented only on failed -> backlog.
func (s *Store) Transition(ctx context.Context, id string, newStatus Status, changedBy, reason string) error {
	if !newStatus.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, newStatus)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("read status: %w", err)
	}

	oldStatus := Status(current)
	if !oldStatus.CanTransitionTo(newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
	}

	now := time.Now().UTC().Format(timeFormat)
	if oldStatus == StatusFailed && newStatus == StatusBacklog {
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
			string(newStatus), now, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
			string(newStatus), now, id)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO task_log (task_id, old_status, new_status, changed_by, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(oldStatus), string(newStatus), changedBy, reason, now)
	if err != nil {
		return fmt.Errorf("append task log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}

	metrics.TaskTransitions.WithLabelValues(string(oldStatus), string(newStatus)).Inc()
	s.pub.Publish(events.SubjectTaskTransition, map[string]string{
		"task_id":    id,
		"old_status": string(oldStatus),
		"new_status": string(newStatus),
		"changed_by": changedBy,
		"reason":     reason,
	})
	s.logger.Info("Task transitioned",
		"task_id", id,
		"from", string(oldStatus),
		"to", string(newStatus),
		"changed_by", changedBy)
	return nil
}

// LockTask acquires the dispatch lock for workerID. Locking an already
// locked task returns ErrTaskLocked.
func (s *Store) LockTask(ctx context.Context, id, workerID string) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET locked_by = ?, locked_at = ? WHERE id = ? AND locked_by IS NULL`,
		workerID, now, id)
	if err != nil {
		return fmt.Errorf("lock task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lock task: %w", err)
	}
	if n == 0 {
		// Missing or already locked; look to tell which.
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrTaskLocked, id)
	}
	return nil
}

// UnlockTask releases the dispatch lock. Unlocking an unlocked task is
// a no-op.
func (s *Store) UnlockTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET locked_by = NULL, locked_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("unlock task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("unlock task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ReclaimStaleLocks clears locks older than timeout and returns the
// reclaimed task ids. Safe to run repeatedly.
func (s *Store) ReclaimStaleLocks(ctx context.Context, timeout time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-timeout).Format(timeFormat)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE locked_by IS NOT NULL AND locked_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stale locks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale lock: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.UnlockTask(ctx, id); err != nil {
			return nil, err
		}
		s.logger.Warn("Reclaimed stale lock", "task_id", id)
	}
	return ids, nil
}

// GetEligibleForDispatch returns active, unlocked tasks whose
// dependencies are all completed. project "" means any project.
func (s *Store) GetEligibleForDispatch(ctx context.Context, project string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks t
		WHERE t.status = 'active'
		  AND t.locked_by IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on_task_id
			WHERE d.task_id = t.id AND dep.status <> 'completed'
		  )`
	var args []any
	if project != "" {
		query += ` AND t.project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY t.created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eligible tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// AddDependency records that taskID depends on dependsOnID.
func (s *Store) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	if taskID == dependsOnID {
		return ErrSelfDependency
	}
	// Surface missing tasks as ErrNotFound rather than an FK violation.
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	if _, err := s.GetTask(ctx, dependsOnID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_dependencies (task_id, depends_on_task_id) VALUES (?, ?)`,
		taskID, dependsOnID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s -> %s", ErrDuplicateDependency, taskID, dependsOnID)
		}
		return fmt.Errorf("add dependency: %w", err)
	}
	return nil
}

// GetDependencies returns the ids this task depends on.
func (s *Store) GetDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_task_id`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("get dependencies: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetTaskLog returns the chronological audit trail for a task.
func (s *Store) GetTaskLog(ctx context.Context, taskID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, old_status, new_status, changed_by, reason, created_at
		 FROM task_log WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task log: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var oldStatus, newStatus, createdAt string
		if err := rows.Scan(&e.TaskID, &oldStatus, &newStatus, &e.ChangedBy, &e.Reason, &createdAt); err != nil {
			return nil, err
		}
		e.OldStatus = Status(oldStatus)
		e.NewStatus = Status(newStatus)
		e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HasTaskInStatus reports whether any task in project (other than
// excludeID) currently has the given status.
func (s *Store) HasTaskInStatus(ctx context.Context, project string, status Status, excludeID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tasks WHERE project = ? AND status = ? AND id <> ?`,
		project, string(status), excludeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count tasks in status: %w", err)
	}
	return n > 0, nil
}

// CountByStatus returns task counts per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// RecordDispatchResult stores one execution attempt.
func (s *Store) RecordDispatchResult(ctx context.Context, rec DispatchResult) error {
	if !rec.ReviewStatus.Valid() {
		return fmt.Errorf("invalid review status %q", rec.ReviewStatus)
	}
	stats := rec.UsageStats
	if stats == nil {
		stats = map[string]any{}
	}
	blob, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal usage stats: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dispatch_results (task_id, worker_id, model_id, branch_name,
			mission_brief_path, review_status, tokens_used, usage_stats, output_log, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.WorkerID, rec.ModelID, rec.BranchName,
		rec.MissionBriefPath, string(rec.ReviewStatus), rec.TokensUsed, string(blob), rec.OutputLog,
		time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record dispatch result: %w", err)
	}
	return nil
}

// GetDispatchResults returns all execution attempts for a task,
// oldest first.
func (s *Store) GetDispatchResults(ctx context.Context, taskID string) ([]DispatchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, worker_id, model_id, branch_name, mission_brief_path,
			review_status, tokens_used, usage_stats, output_log, created_at
		 FROM dispatch_results WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get dispatch results: %w", err)
	}
	defer rows.Close()

	var results []DispatchResult
	for rows.Next() {
		var r DispatchResult
		var reviewStatus, stats, createdAt string
		if err := rows.Scan(&r.ID, &r.TaskID, &r.WorkerID, &r.ModelID, &r.BranchName,
			&r.MissionBriefPath, &reviewStatus, &r.TokensUsed, &stats, &r.OutputLog, &createdAt); err != nil {
			return nil, err
		}
		r.ReviewStatus = ReviewStatus(reviewStatus)
		if err := json.Unmarshal([]byte(stats), &r.UsageStats); err != nil {
			return nil, fmt.Errorf("unmarshal usage stats: %w", err)
		}
		r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		results = append(results, r)
	}
	return results, rows.Err()
}

// RecordTokenUsage accumulates token counts and cost into today's
// ledger row via UPSERT.
func (s *Store) RecordTokenUsage(ctx context.Context, tokensInput, tokensOutput int, costUSD, ceilingUSD float64) error {
	now := time.Now().UTC()
	date := now.Format("2006-01-02")

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_ledger (date, tokens_input, tokens_output, estimated_cost_usd, ceiling_usd, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(date) DO UPDATE SET
			tokens_input = tokens_input + excluded.tokens_input,
			tokens_output = tokens_output + excluded.tokens_output,
			estimated_cost_usd = estimated_cost_usd + excluded.estimated_cost_usd,
			ceiling_usd = excluded.ceiling_usd,
			updated_at = excluded.updated_at`,
		date, tokensInput, tokensOutput, costUSD, ceilingUSD, now.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record token usage: %w", err)
	}

	metrics.Tokens.WithLabelValues("input").Add(float64(tokensInput))
	metrics.Tokens.WithLabelValues("output").Add(float64(tokensOutput))
	return nil
}

// GetDailyUsage returns the ledger row for a UTC date (YYYY-MM-DD).
// Empty date means today. A missing row returns zeroes.
func (s *Store) GetDailyUsage(ctx context.Context, date string) (DailyUsage, error) {
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	u := DailyUsage{Date: date}
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT tokens_input, tokens_output, estimated_cost_usd, ceiling_usd, updated_at
		 FROM cost_ledger WHERE date = ?`, date).
		Scan(&u.TokensInput, &u.TokensOutput, &u.EstimatedCostUSD, &u.CeilingUSD, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return u, fmt.Errorf("get daily usage: %w", err)
	}
	u.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return u, nil
}

// CheckBudgetAvailable reports whether today's accumulated cost is
// under the ceiling, and the percentage consumed.
//
// With no usage the budget is always available at 0%. A non-positive
// ceiling with any usage reports unavailable at 100%: spend without a
// ceiling means the operator disabled cost recording but something
// charged anyway, so dispatch stops until they look.
func (s *Store) CheckBudgetAvailable(ctx context.Context, ceilingUSD float64) (bool, float64, error) {
	usage, err := s.GetDailyUsage(ctx, "")
	if err != nil {
		return false, 0, err
	}

	if usage.EstimatedCostUSD == 0 {
		return true, 0, nil
	}
	if ceilingUSD <= 0 {
		return false, 100, nil
	}

	pct := usage.EstimatedCostUSD / ceilingUSD * 100
	return usage.EstimatedCostUSD < ceilingUSD, pct, nil
}

// GithubUpsert holds the fields of an external-tracker upsert.
type GithubUpsert struct {
	ExternalID     string
	ExternalSource string
	Title          string
	Project        string
	Description    string
	Priority       Priority
	TokenBudget    *int
}

// UpsertFromGithub creates or updates a task from an external tracker
// item, keyed by (external_id, external_source). Updates touch title,
// description, priority and updated_at; status is never overwritten.
// Returns the task id and whether it was newly created.
func (s *Store) UpsertFromGithub(ctx context.Context, up GithubUpsert) (string, bool, error) {
	if up.ExternalID == "" || up.ExternalSource == "" {
		return "", false, fmt.Errorf("external_id and external_source are required")
	}
	if up.Priority == "" {
		up.Priority = PriorityMedium
	}
	if !up.Priority.Valid() {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidPriority, up.Priority)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE external_id = ? AND external_source = ?`,
		up.ExternalID, up.ExternalSource).Scan(&id)

	now := time.Now().UTC().Format(timeFormat)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.New().String()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (id, title, project, description, status, priority,
				external_id, external_source, token_budget, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 'backlog', ?, ?, ?, ?, ?, ?)`,
			id, up.Title, up.Project, up.Description, string(up.Priority),
			up.ExternalID, up.ExternalSource, nullInt(up.TokenBudget), now, now)
		if err != nil {
			return "", false, fmt.Errorf("insert upserted task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", false, err
		}
		s.logger.Info("Task ingested from tracker",
			"task_id", id, "external_id", up.ExternalID, "source", up.ExternalSource)
		return id, true, nil

	case err != nil:
		return "", false, fmt.Errorf("lookup external task: %w", err)

	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET title = ?, description = ?, priority = ?, updated_at = ? WHERE id = ?`,
			up.Title, up.Description, string(up.Priority), now, id)
		if err != nil {
			return "", false, fmt.Errorf("update upserted task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", false, err
		}
		return id, false, nil
	}
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var status, priority, createdAt, updatedAt string
	var externalID, externalSource, lockedBy, lockedAt sql.NullString
	var tokenBudget sql.NullInt64

	err := row.Scan(&t.ID, &t.Title, &t.Project, &t.Description, &status, &priority,
		&t.Complexity, &externalID, &externalSource, &lockedBy, &lockedAt,
		&t.RetryCount, &t.MirrorPath, &tokenBudget, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Priority = Priority(priority)
	t.ExternalID = externalID.String
	t.ExternalSource = externalSource.String
	t.LockedBy = lockedBy.String
	if lockedAt.Valid {
		t.LockedAt, _ = time.Parse(timeFormat, lockedAt.String)
	}
	if tokenBudget.Valid {
		budget := int(tokenBudget.Int64)
		t.TokenBudget = &budget
	}
	t.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	t.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}
