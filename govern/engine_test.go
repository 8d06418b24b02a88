package govern

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/queue"
)

func newEngineFixture(t *testing.T, workspace string, opts ...EngineOption) (*Engine, *queue.Store) {
	t.Helper()
	store, err := queue.Open(filepath.Join(t.TempDir(), "work_queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	projects := map[string]config.ProjectConfig{
		"core": {
			Path:        filepath.Join(workspace, "core"),
			BranchModel: config.BranchModelDevelopMain,
		},
		"rooted": {
			Path: workspace,
		},
	}
	return NewEngine(workspace, projects, store, opts...), store
}

func mustTask(t *testing.T, store *queue.Store, title, project string) *queue.Task {
	t.Helper()
	ctx := context.Background()
	id, err := store.AddTask(ctx, queue.NewTask{Title: title, Project: project})
	require.NoError(t, err)
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	return task
}

func TestRootWorkspaceHardBlock(t *testing.T) {
	engine, store := newEngineFixture(t, "/srv/workspace")
	task := mustTask(t, store, "anything", "rooted")

	result, err := engine.PreDispatchCheck(context.Background(), task)
	require.NoError(t, err)

	assert.False(t, result.Approved())
	require.Len(t, result.Violations, 1)
	assert.Equal(t, RuleRootWorkspace, result.Violations[0].Rule)
	assert.Equal(t, SeverityHardBlock, result.Violations[0].Severity)
}

func TestConcurrencyHardBlock(t *testing.T) {
	engine, store := newEngineFixture(t, "/srv/workspace")
	ctx := context.Background()

	a := mustTask(t, store, "task a", "core")
	require.NoError(t, store.Transition(ctx, a.ID, queue.StatusActive, "test", ""))
	require.NoError(t, store.Transition(ctx, a.ID, queue.StatusDispatched, "test", ""))

	b := mustTask(t, store, "task b", "core")
	result, err := engine.PreDispatchCheck(ctx, b)
	require.NoError(t, err)

	assert.False(t, result.Approved())
	require.Len(t, result.Violations, 1)
	assert.Equal(t, RuleConcurrency, result.Violations[0].Rule)
	assert.Equal(t, SeverityHardBlock, result.Violations[0].Severity)
}

func TestUnregisteredProject(t *testing.T) {
	engine, store := newEngineFixture(t, "/srv/workspace")
	task := mustTask(t, store, "task", "ghost")

	_, err := engine.PreDispatchCheck(context.Background(), task)
	assert.Error(t, err)
}

func TestBranchPolicyWarning(t *testing.T) {
	branch := "experiments/wild"
	lookup := func(ctx context.Context, path string) (string, error) {
		return branch, nil
	}
	engine, store := newEngineFixture(t, "/srv/workspace", WithBranchLookup(lookup))
	task := mustTask(t, store, "task", "core")

	result, err := engine.PreDispatchCheck(context.Background(), task)
	require.NoError(t, err)

	// Warning only: dispatch is still approved.
	assert.True(t, result.Approved())
	require.Len(t, result.Warnings(), 1)
	assert.Equal(t, RuleBranchPolicy, result.Warnings()[0].Rule)

	for _, ok := range []string{"feat/auth", "fix/login", "docs/readme", "chore/deps", "develop", "main"} {
		branch = ok
		result, err := engine.PreDispatchCheck(context.Background(), task)
		require.NoError(t, err)
		assert.Empty(t, result.Violations, "branch %s", ok)
	}
}

func TestStrategicDriftWarning(t *testing.T) {
	engine, store := newEngineFixture(t, "/srv/workspace",
		WithPriorityKeywords([]string{"auth", "billing"}))

	aligned := mustTask(t, store, "Improve Auth flow", "core")
	result, err := engine.PreDispatchCheck(context.Background(), aligned)
	require.NoError(t, err)
	assert.Empty(t, result.Violations)

	drifting := mustTask(t, store, "Refactor logging", "core")
	result, err = engine.PreDispatchCheck(context.Background(), drifting)
	require.NoError(t, err)
	assert.True(t, result.Approved())
	require.Len(t, result.Warnings(), 1)
	assert.Equal(t, RuleStrategicDrift, result.Warnings()[0].Rule)
}

func TestCheckConflicts(t *testing.T) {
	engine, store := newEngineFixture(t, "/srv/workspace")

	newTask := mustTask(t, store, "Refactor internal/auth/jwt.go", "core")
	overlapping := mustTask(t, store, "Fix token parsing in internal/auth/jwt.go", "core")
	unrelated := mustTask(t, store, "Update README.md", "core")

	violations := engine.CheckConflicts(newTask, []*queue.Task{overlapping, unrelated})
	require.Len(t, violations, 1)
	assert.Equal(t, RuleConflict, violations[0].Rule)
	assert.Equal(t, SeverityHardBlock, violations[0].Severity)
	assert.Contains(t, violations[0].Message, "internal/auth/jwt.go")
}

func TestCheckConflictsModuleTokens(t *testing.T) {
	engine, store := newEngineFixture(t, "/srv/workspace")

	newTask := mustTask(t, store, "Tune api.v2.users throttling", "core")
	active := mustTask(t, store, "Add pagination to api.v2.users", "core")

	violations := engine.CheckConflicts(newTask, []*queue.Task{active})
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Message, "api.v2.users")
}

func TestCheckConflictsNoTokens(t *testing.T) {
	engine, store := newEngineFixture(t, "/srv/workspace")

	newTask := mustTask(t, store, "Improve onboarding", "core")
	active := mustTask(t, store, "Improve onboarding copy", "core")

	assert.Empty(t, engine.CheckConflicts(newTask, []*queue.Task{active}))
}

func TestCheckConflictsIgnoresSelf(t *testing.T) {
	engine, store := newEngineFixture(t, "/srv/workspace")

	task := mustTask(t, store, "Touch main.go", "core")
	assert.Empty(t, engine.CheckConflicts(task, []*queue.Task{task}))
}
