package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "work_queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addTask(t *testing.T, s *Store, title, project string) string {
	t.Helper()
	id, err := s.AddTask(context.Background(), NewTask{Title: title, Project: project})
	require.NoError(t, err)
	return id
}

func TestAddAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	budget := 50000
	id, err := s.AddTask(ctx, NewTask{
		Title:       "Add auth",
		Project:     "core",
		Description: "JWT middleware",
		Priority:    PriorityHigh,
		Complexity:  "high",
		TokenBudget: &budget,
	})
	require.NoError(t, err)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Add auth", task.Title)
	assert.Equal(t, "core", task.Project)
	assert.Equal(t, "JWT middleware", task.Description)
	assert.Equal(t, StatusBacklog, task.Status)
	assert.Equal(t, PriorityHigh, task.Priority)
	assert.Equal(t, "high", task.Complexity)
	assert.Equal(t, 0, task.RetryCount)
	require.NotNil(t, task.TokenBudget)
	assert.Equal(t, 50000, *task.TokenBudget)
	assert.False(t, task.Locked())
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddTaskValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddTask(ctx, NewTask{Project: "core"})
	assert.Error(t, err)

	_, err = s.AddTask(ctx, NewTask{Title: "x"})
	assert.Error(t, err)

	_, err = s.AddTask(ctx, NewTask{Title: "x", Project: "core", Priority: "urgent-ish"})
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestTransitionTable(t *testing.T) {
	allowed := map[Status][]Status{
		StatusBacklog:    {StatusActive, StatusFailed},
		StatusActive:     {StatusDispatched, StatusBacklog, StatusFailed},
		StatusDispatched: {StatusInReview, StatusFailed},
		StatusInReview:   {StatusCompleted, StatusFailed, StatusActive},
		StatusFailed:     {StatusBacklog},
		StatusCompleted:  {},
	}
	all := []Status{StatusBacklog, StatusActive, StatusDispatched, StatusInReview, StatusCompleted, StatusFailed}

	for from, targets := range allowed {
		permitted := make(map[Status]bool)
		for _, to := range targets {
			permitted[to] = true
		}
		for _, to := range all {
			assert.Equal(t, permitted[to], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionWritesAuditLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := addTask(t, s, "task", "core")

	require.NoError(t, s.Transition(ctx, id, StatusActive, "triage", "promoted"))
	require.NoError(t, s.Transition(ctx, id, StatusDispatched, "dispatcher", "worker claude"))

	log, err := s.GetTaskLog(ctx, id)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, StatusBacklog, log[0].OldStatus)
	assert.Equal(t, StatusActive, log[0].NewStatus)
	assert.Equal(t, "triage", log[0].ChangedBy)
	assert.Equal(t, "promoted", log[0].Reason)
	assert.Equal(t, StatusActive, log[1].OldStatus)
	assert.Equal(t, StatusDispatched, log[1].NewStatus)
}

func TestInvalidTransitionWritesNoLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := addTask(t, s, "task", "core")

	err := s.Transition(ctx, id, StatusCompleted, "test", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	log, err := s.GetTaskLog(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, log)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusBacklog, task.Status)
}

func TestCompletedIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := addTask(t, s, "task", "core")

	for _, step := range []Status{StatusActive, StatusDispatched, StatusInReview, StatusCompleted} {
		require.NoError(t, s.Transition(ctx, id, step, "test", ""))
	}

	for _, target := range []Status{StatusBacklog, StatusActive, StatusFailed} {
		err := s.Transition(ctx, id, target, "test", "")
		assert.ErrorIs(t, err, ErrInvalidTransition, "completed -> %s", target)
	}
}

func TestRetryCountIncrementsOnlyOnFailedToBacklog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := addTask(t, s, "task", "core")

	require.NoError(t, s.Transition(ctx, id, StatusActive, "test", ""))
	require.NoError(t, s.Transition(ctx, id, StatusFailed, "test", "boom"))

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, task.RetryCount)

	require.NoError(t, s.Transition(ctx, id, StatusBacklog, "test", "retry"))
	task, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount)

	require.NoError(t, s.Transition(ctx, id, StatusActive, "test", ""))
	task, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount)
}

func TestLockExclusivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := addTask(t, s, "task", "core")

	require.NoError(t, s.LockTask(ctx, id, "claude"))

	err := s.LockTask(ctx, id, "gemini")
	assert.ErrorIs(t, err, ErrTaskLocked)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "claude", task.LockedBy)

	require.NoError(t, s.UnlockTask(ctx, id))
	require.NoError(t, s.LockTask(ctx, id, "gemini"))
}

func TestLockMissingTask(t *testing.T) {
	s := newTestStore(t)
	err := s.LockTask(context.Background(), "nope", "claude")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReclaimStaleLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	stale := addTask(t, s, "stale", "core")
	fresh := addTask(t, s, "fresh", "core")

	require.NoError(t, s.LockTask(ctx, stale, "claude"))
	require.NoError(t, s.LockTask(ctx, fresh, "gemini"))

	// Backdate the stale lock directly.
	old := time.Now().UTC().Add(-2 * time.Hour).Format(timeFormat)
	_, err := s.db.Exec(`UPDATE tasks SET locked_at = ? WHERE id = ?`, old, stale)
	require.NoError(t, err)

	reclaimed, err := s.ReclaimStaleLocks(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, reclaimed)

	// Idempotent.
	reclaimed, err = s.ReclaimStaleLocks(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	task, err := s.GetTask(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, "gemini", task.LockedBy)
}

func TestGetEligibleForDispatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	eligible := addTask(t, s, "eligible", "core")
	require.NoError(t, s.Transition(ctx, eligible, StatusActive, "test", ""))

	backlogged := addTask(t, s, "backlogged", "core")
	_ = backlogged

	locked := addTask(t, s, "locked", "core")
	require.NoError(t, s.Transition(ctx, locked, StatusActive, "test", ""))
	require.NoError(t, s.LockTask(ctx, locked, "claude"))

	blocked := addTask(t, s, "blocked", "core")
	require.NoError(t, s.Transition(ctx, blocked, StatusActive, "test", ""))
	dep := addTask(t, s, "dep", "core")
	require.NoError(t, s.AddDependency(ctx, blocked, dep))

	otherProject := addTask(t, s, "other", "infra")
	require.NoError(t, s.Transition(ctx, otherProject, StatusActive, "test", ""))

	tasks, err := s.GetEligibleForDispatch(ctx, "core")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, eligible, tasks[0].ID)

	// Completing the dependency unblocks the task.
	for _, step := range []Status{StatusActive, StatusDispatched, StatusInReview, StatusCompleted} {
		require.NoError(t, s.Transition(ctx, dep, step, "test", ""))
	}
	tasks, err = s.GetEligibleForDispatch(ctx, "core")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	// No project filter includes infra.
	tasks, err = s.GetEligibleForDispatch(ctx, "")
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestDependencyValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := addTask(t, s, "a", "core")
	b := addTask(t, s, "b", "core")

	assert.ErrorIs(t, s.AddDependency(ctx, a, a), ErrSelfDependency)
	assert.ErrorIs(t, s.AddDependency(ctx, a, "ghost"), ErrNotFound)

	require.NoError(t, s.AddDependency(ctx, a, b))
	assert.ErrorIs(t, s.AddDependency(ctx, a, b), ErrDuplicateDependency)

	deps, err := s.GetDependencies(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, deps)
}

func TestListTasksNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := addTask(t, s, "first", "core")
	time.Sleep(2 * time.Millisecond)
	second := addTask(t, s, "second", "core")

	tasks, err := s.ListTasks(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, second, tasks[0].ID)
	assert.Equal(t, first, tasks[1].ID)

	tasks, err = s.ListTasks(ctx, StatusBacklog, "core", 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, second, tasks[0].ID)
}

func TestDispatchResultRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := addTask(t, s, "task", "core")

	rec := DispatchResult{
		TaskID:           id,
		WorkerID:         "claude",
		ModelID:          "claude-sonnet-4-5",
		BranchName:       "atom/" + id[:8],
		MissionBriefPath: "/tmp/wt/MISSION_BRIEF.md",
		ReviewStatus:     ReviewPassed,
		TokensUsed:       700,
		UsageStats: map[string]any{
			"input_tokens":  float64(500),
			"output_tokens": float64(200),
			"model":         "claude-sonnet-4-5",
		},
		OutputLog: "done",
	}
	require.NoError(t, s.RecordDispatchResult(ctx, rec))

	results, err := s.GetDispatchResults(ctx, id)
	require.NoError(t, err)
	require.Len(t, results, 1)
	got := results[0]
	assert.Equal(t, rec.WorkerID, got.WorkerID)
	assert.Equal(t, rec.BranchName, got.BranchName)
	assert.Equal(t, rec.ReviewStatus, got.ReviewStatus)
	assert.Equal(t, rec.TokensUsed, got.TokensUsed)
	assert.Equal(t, rec.UsageStats, got.UsageStats)
}

func TestDispatchResultInvalidReviewStatus(t *testing.T) {
	s := newTestStore(t)
	id := addTask(t, s, "task", "core")

	err := s.RecordDispatchResult(context.Background(), DispatchResult{
		TaskID:       id,
		ReviewStatus: "maybe",
	})
	assert.Error(t, err)
}

func TestCostLedgerAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTokenUsage(ctx, 500, 200, 0.5, 20))
	require.NoError(t, s.RecordTokenUsage(ctx, 300, 100, 0.25, 20))

	usage, err := s.GetDailyUsage(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 800, usage.TokensInput)
	assert.Equal(t, 300, usage.TokensOutput)
	assert.InDelta(t, 0.75, usage.EstimatedCostUSD, 1e-9)
	assert.Equal(t, 20.0, usage.CeilingUSD)
}

func TestCheckBudgetAvailable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// No usage: available at 0% under any ceiling.
	ok, pct, err := s.CheckBudgetAvailable(ctx, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.0, pct)

	ok, _, err = s.CheckBudgetAvailable(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.RecordTokenUsage(ctx, 1000, 500, 5, 10))

	// Under ceiling.
	ok, pct, err = s.CheckBudgetAvailable(ctx, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 50, pct, 1e-9)

	// At exactly the ceiling.
	ok, pct, err = s.CheckBudgetAvailable(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, pct, 100.0)

	// Zero ceiling with usage.
	ok, pct, err = s.CheckBudgetAvailable(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 100.0, pct)
}

func TestUpsertFromGithubIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	up := GithubUpsert{
		ExternalID:     "42",
		ExternalSource: "github:acme/core",
		Title:          "Fix login",
		Project:        "core",
		Description:    "500 on bad password",
		Priority:       PriorityHigh,
	}

	id1, isNew, err := s.UpsertFromGithub(ctx, up)
	require.NoError(t, err)
	assert.True(t, isNew)

	// Move the task along; a later sync must not reset status.
	require.NoError(t, s.Transition(ctx, id1, StatusActive, "triage", ""))

	up.Title = "Fix login flow"
	up.Priority = PriorityCritical
	id2, isNew, err := s.UpsertFromGithub(ctx, up)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, id1, id2)

	task, err := s.GetTask(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "Fix login flow", task.Title)
	assert.Equal(t, PriorityCritical, task.Priority)
	assert.Equal(t, StatusActive, task.Status)
}

func TestUpsertFromGithubDistinctSources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, _, err := s.UpsertFromGithub(ctx, GithubUpsert{
		ExternalID: "1", ExternalSource: "github:acme/core", Title: "a", Project: "core",
	})
	require.NoError(t, err)

	id2, _, err := s.UpsertFromGithub(ctx, GithubUpsert{
		ExternalID: "1", ExternalSource: "github:acme/infra", Title: "b", Project: "infra",
	})
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestHasTaskInStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := addTask(t, s, "a", "core")
	require.NoError(t, s.Transition(ctx, a, StatusActive, "test", ""))
	require.NoError(t, s.Transition(ctx, a, StatusDispatched, "test", ""))

	b := addTask(t, s, "b", "core")

	busy, err := s.HasTaskInStatus(ctx, "core", StatusDispatched, b)
	require.NoError(t, err)
	assert.True(t, busy)

	// The dispatched task itself is excluded.
	busy, err = s.HasTaskInStatus(ctx, "core", StatusDispatched, a)
	require.NoError(t, err)
	assert.False(t, busy)

	busy, err = s.HasTaskInStatus(ctx, "infra", StatusDispatched, "")
	require.NoError(t, err)
	assert.False(t, busy)
}
