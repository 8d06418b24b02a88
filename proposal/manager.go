package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/c360studio/overlord/dispatch"
	"github.com/c360studio/overlord/events"
	"github.com/c360studio/overlord/govern"
	"github.com/c360studio/overlord/metrics"

	"github.com/google/uuid"
)

// ErrNotFound means no proposal matches the id or thread.
var ErrNotFound = errors.New("proposal not found")

const timeFormat = time.RFC3339Nano

// Medium is the out-of-band approval surface, typically a chat thread.
type Medium interface {
	// PostMessage posts to the channel and returns the thread id.
	PostMessage(ctx context.Context, channel, text string) (string, error)
	// PostReply posts into an existing thread.
	PostReply(ctx context.Context, channel, threadTS, text string) error
	// ThreadReplies returns the reply texts of a thread, oldest first.
	ThreadReplies(ctx context.Context, channel, threadTS string) ([]string, error)
}

// PlanExecutor runs an approved plan. Satisfied by dispatch.Engine.
type PlanExecutor interface {
	Execute(ctx context.Context, plan dispatch.Plan, autoApprove bool) dispatch.PlanResult
}

// CompletionHook runs after an approved plan finishes successfully.
type CompletionHook func(ctx context.Context, p *Proposal, plan dispatch.Plan)

// Manager owns the proposal lifecycle and the in-memory plan cache.
type Manager struct {
	db        *sql.DB
	medium    Medium
	channel   string
	executor  PlanExecutor
	pub       events.Publisher
	logger    *slog.Logger
	completed CompletionHook

	mu    sync.Mutex
	plans map[string]dispatch.Plan
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMedium binds the chat medium and the channel proposals post to.
func WithMedium(m Medium, channel string) ManagerOption {
	return func(mgr *Manager) {
		mgr.medium = m
		mgr.channel = channel
	}
}

// WithExecutor sets the plan executor for approved proposals.
func WithExecutor(e PlanExecutor) ManagerOption {
	return func(mgr *Manager) {
		mgr.executor = e
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(pub events.Publisher) ManagerOption {
	return func(mgr *Manager) {
		mgr.pub = pub
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(mgr *Manager) {
		mgr.logger = logger
	}
}

// WithCompletionHook registers a callback invoked after an approved
// plan executes to completion.
func WithCompletionHook(h CompletionHook) ManagerOption {
	return func(mgr *Manager) {
		mgr.completed = h
	}
}

// Open opens (creating if needed) the proposal database.
func Open(path string, opts ...ManagerOption) (*Manager, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open proposal db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	m := &Manager{
		db:     db,
		pub:    events.Nop{},
		logger: slog.Default(),
		plans:  make(map[string]dispatch.Plan),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Close releases the database handle.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Propose records a pending proposal, posts it to the medium, and caches
// the plan for execution on approval.
func (m *Manager) Propose(ctx context.Context, title, reason string, scope govern.ActionScope, plan *dispatch.Plan) (string, error) {
	if title == "" {
		return "", fmt.Errorf("title is required")
	}

	id := uuid.New().String()
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return "", fmt.Errorf("marshal scope: %w", err)
	}

	threadTS := ""
	if m.medium != nil {
		threadTS, err = m.medium.PostMessage(ctx, m.channel, formatProposal(id, title, reason, scope))
		if err != nil {
			m.logger.Error("Failed to post proposal", "proposal_id", id, "error", err)
			threadTS = ""
		}
	}

	now := time.Now().UTC().Format(timeFormat)
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO overlord_proposals (id, title, reason, scope, state, thread_ts, channel, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
		id, title, reason, string(scopeJSON), threadTS, m.channel, now, now)
	if err != nil {
		return "", fmt.Errorf("insert proposal: %w", err)
	}

	if plan != nil {
		m.mu.Lock()
		m.plans[id] = *plan
		m.mu.Unlock()
	}

	m.logger.Info("Proposal created", "proposal_id", id, "title", title, "thread_ts", threadTS)
	return id, nil
}

// Get returns one proposal by id.
func (m *Manager) Get(ctx context.Context, id string) (*Proposal, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, title, reason, scope, state, thread_ts, channel, created_at, updated_at, resolved_at, result_summary
		FROM overlord_proposals WHERE id = ?`, id)
	return scanProposal(row)
}

// ListPending returns pending proposals, oldest first.
func (m *Manager) ListPending(ctx context.Context) ([]*Proposal, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, title, reason, scope, state, thread_ts, channel, created_at, updated_at, resolved_at, result_summary
		FROM overlord_proposals WHERE state = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClassifyReply maps a free-text reply to approved, denied, or unmatched.
func ClassifyReply(text string) string {
	word := strings.ToLower(strings.TrimSpace(text))
	switch {
	case approveWords[word]:
		return ReplyApproved
	case denyWords[word]:
		return ReplyDenied
	}
	return ReplyUnmatched
}

// HandleReply resolves the pending proposal bound to a thread from a
// free-text reply. Approval triggers execution.
func (m *Manager) HandleReply(ctx context.Context, threadTS, text string) (string, error) {
	verdict := ClassifyReply(text)
	if verdict == ReplyUnmatched {
		return ReplyUnmatched, nil
	}

	p, err := m.byThread(ctx, threadTS)
	if err != nil {
		return "", err
	}

	switch verdict {
	case ReplyApproved:
		if err := m.setState(ctx, p.ID, StateApproved); err != nil {
			return "", err
		}
		if err := m.ExecuteApproved(ctx, p.ID); err != nil {
			return ReplyApproved, err
		}
	case ReplyDenied:
		if err := m.resolve(ctx, p.ID, StateDenied, ""); err != nil {
			return "", err
		}
	}
	return verdict, nil
}

// Approve approves a pending proposal by id and triggers execution.
func (m *Manager) Approve(ctx context.Context, id string) error {
	p, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.State != StatePending {
		return fmt.Errorf("proposal %s is %s, want pending", id, p.State)
	}
	if err := m.setState(ctx, id, StateApproved); err != nil {
		return err
	}
	return m.ExecuteApproved(ctx, id)
}

// Deny denies a pending proposal by id.
func (m *Manager) Deny(ctx context.Context, id string) error {
	p, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.State != StatePending {
		return fmt.Errorf("proposal %s is %s, want pending", id, p.State)
	}
	if err := m.resolve(ctx, id, StateDenied, ""); err != nil {
		return err
	}
	m.postUpdate(ctx, p, fmt.Sprintf("Proposal %s denied.", shortID(id)))
	return nil
}

// ExecuteApproved hands the cached plan to the executor and resolves the
// proposal from the result.
func (m *Manager) ExecuteApproved(ctx context.Context, id string) error {
	p, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.State != StateApproved {
		return fmt.Errorf("proposal %s is %s, want approved", id, p.State)
	}

	if err := m.setState(ctx, id, StateExecuting); err != nil {
		return err
	}

	m.mu.Lock()
	plan, hasPlan := m.plans[id]
	delete(m.plans, id)
	m.mu.Unlock()

	final := StateCompleted
	detail := "completed"
	if hasPlan {
		if m.executor == nil {
			final, detail = StateFailed, "no executor configured"
		} else {
			res := m.executor.Execute(ctx, plan, true)
			if res.Status != dispatch.PlanCompleted {
				final, detail = StateFailed, res.Reason
			}
		}
	}

	if err := m.resolve(ctx, id, final, detail); err != nil {
		return err
	}
	if final == StateCompleted && hasPlan && m.completed != nil {
		m.completed(ctx, p, plan)
	}
	m.postUpdate(ctx, p, fmt.Sprintf("Proposal %s: %s", shortID(id), detail))
	if final == StateFailed {
		return fmt.Errorf("plan execution failed: %s", detail)
	}
	return nil
}

// CleanupExpired marks pending proposals older than ttl as expired and
// returns how many were expired.
func (m *Manager) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cutoff := time.Now().UTC().Add(-ttl).Format(timeFormat)
	now := time.Now().UTC().Format(timeFormat)

	res, err := m.db.ExecContext(ctx, `
		UPDATE overlord_proposals
		SET state = 'expired', updated_at = ?, resolved_at = ?
		WHERE state = 'pending' AND created_at < ?`, now, now, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.Proposals.WithLabelValues(string(StateExpired)).Add(float64(n))
		m.logger.Info("Expired pending proposals", "count", n)
	}

	// Cached plans for expired proposals are dead weight.
	m.mu.Lock()
	for id := range m.plans {
		p, err := m.Get(ctx, id)
		if err == nil && p.State == StateExpired {
			delete(m.plans, id)
		}
	}
	m.mu.Unlock()
	return int(n), nil
}

// ReconcilePendingProposals resolves proposals that were answered while
// the daemon was offline by replaying thread histories. A chat error on
// one proposal skips it; batches are separated by a short sleep.
func (m *Manager) ReconcilePendingProposals(ctx context.Context, batchSize int) error {
	if m.medium == nil {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 5
	}

	pending, err := m.ListPending(ctx)
	if err != nil {
		return err
	}

	for i, p := range pending {
		if p.ThreadTS == "" {
			continue
		}
		if i > 0 && i%batchSize == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}

		replies, err := m.medium.ThreadReplies(ctx, p.Channel, p.ThreadTS)
		if err != nil {
			m.logger.Warn("Skipping proposal during reconciliation",
				"proposal_id", p.ID, "error", err)
			continue
		}

		verdict := ReplyUnmatched
		for _, reply := range replies {
			if v := ClassifyReply(reply); v != ReplyUnmatched {
				verdict = v
			}
		}
		if verdict == ReplyUnmatched {
			continue
		}

		if _, err := m.HandleReply(ctx, p.ThreadTS, verdict); err != nil {
			m.logger.Warn("Failed to apply offline resolution",
				"proposal_id", p.ID, "error", err)
			continue
		}
		m.postUpdate(ctx, p, fmt.Sprintf("Proposal %s was %s while I was offline; resolved now.",
			shortID(p.ID), verdict))
	}
	return nil
}

// byThread finds the pending proposal bound to a thread.
func (m *Manager) byThread(ctx context.Context, threadTS string) (*Proposal, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, title, reason, scope, state, thread_ts, channel, created_at, updated_at, resolved_at, result_summary
		FROM overlord_proposals WHERE thread_ts = ? AND state = 'pending'`, threadTS)
	return scanProposal(row)
}

// setState updates a proposal's state without resolving it.
func (m *Manager) setState(ctx context.Context, id string, state State) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := m.db.ExecContext(ctx, `
		UPDATE overlord_proposals SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// resolve moves a proposal to a terminal state, recording the outcome
// summary when there is one.
func (m *Manager) resolve(ctx context.Context, id string, state State, summary string) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := m.db.ExecContext(ctx, `
		UPDATE overlord_proposals SET state = ?, updated_at = ?, resolved_at = ?, result_summary = ?
		WHERE id = ?`,
		string(state), now, now, summary, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	metrics.Proposals.WithLabelValues(string(state)).Inc()
	m.pub.Publish(events.SubjectProposalResolved, map[string]any{
		"proposal_id": id,
		"state":       string(state),
	})
	m.logger.Info("Proposal resolved", "proposal_id", id, "state", state)
	return nil
}

// postUpdate posts a status line into the proposal thread, best effort.
func (m *Manager) postUpdate(ctx context.Context, p *Proposal, text string) {
	if m.medium == nil || p.ThreadTS == "" {
		return
	}
	if err := m.medium.PostReply(ctx, p.Channel, p.ThreadTS, text); err != nil {
		m.logger.Warn("Failed to post proposal update", "proposal_id", p.ID, "error", err)
	}
}

// CachedPlan returns the plan cached for a proposal, if any.
func (m *Manager) CachedPlan(id string) (dispatch.Plan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	return plan, ok
}

func formatProposal(id, title, reason string, scope govern.ActionScope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Proposal %s*: %s\n", shortID(id), title)
	if reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", reason)
	}
	if len(scope.Projects) > 0 {
		fmt.Fprintf(&b, "Projects: %s\n", strings.Join(scope.Projects, ", "))
	}
	fmt.Fprintf(&b, "Impact: %s", scope.EstimatedImpact)
	if scope.Destructive {
		b.WriteString(" (destructive)")
	}
	if scope.AffectsRemote {
		b.WriteString(" (touches remote)")
	}
	b.WriteString("\nReply `approve` or `deny` in this thread.")
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*Proposal, error) {
	var p Proposal
	var scopeJSON, createdAt, updatedAt string
	var resolvedAt sql.NullString

	err := row.Scan(&p.ID, &p.Title, &p.Reason, &scopeJSON, (*string)(&p.State),
		&p.ThreadTS, &p.Channel, &createdAt, &updatedAt, &resolvedAt, &p.ResultSummary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scopeJSON), &p.Scope); err != nil {
		return nil, fmt.Errorf("decode scope: %w", err)
	}
	p.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	p.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	if resolvedAt.Valid {
		p.ResolvedAt, _ = time.Parse(timeFormat, resolvedAt.String)
	}
	return &p, nil
}
