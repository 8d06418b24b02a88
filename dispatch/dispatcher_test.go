package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/govern"
	"github.com/c360studio/overlord/metrics"
	"github.com/c360studio/overlord/queue"
	"github.com/c360studio/overlord/worker"
)

// fakeWorker is a scriptable worker backend.
type fakeWorker struct {
	name     string
	result   worker.Result
	requests []worker.Request
}

func (f *fakeWorker) Name() string    { return f.name }
func (f *fakeWorker) Available() bool { return true }
func (f *fakeWorker) Execute(req worker.Request) worker.Result {
	f.requests = append(f.requests, req)
	return f.result
}

// fakeProvisioner hands out plain temp directories as worktrees.
type fakeProvisioner struct {
	root  string
	calls int
}

func (p *fakeProvisioner) Provision(ctx context.Context, project, remote, taskID string) (string, error) {
	p.calls++
	dir := filepath.Join(p.root, project, taskID[:8])
	return dir, os.MkdirAll(dir, 0o755)
}

// memoNotifier records notifications.
type memoNotifier struct {
	messages []string
}

func (n *memoNotifier) Notify(ctx context.Context, text string) error {
	n.messages = append(n.messages, text)
	return nil
}

type fixture struct {
	store      *queue.Store
	cfg        *config.Config
	dispatcher *Dispatcher
	executor   *fakeWorker
	reviewer   *fakeWorker
	prov       *fakeProvisioner
	notifier   *memoNotifier
}

func newFixture(t *testing.T, opts ...DispatcherOption) *fixture {
	t.Helper()

	store, err := queue.Open(filepath.Join(t.TempDir(), "work_queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	workspace := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Workspace = workspace
	cfg.Projects = map[string]config.ProjectConfig{
		"core": {
			Path:        filepath.Join(workspace, "core"),
			Role:        config.RoleSharedLibrary,
			BranchModel: config.BranchModelTrunkBased,
		},
	}

	f := &fixture{
		store: store,
		cfg:   cfg,
		executor: &fakeWorker{name: "claude", result: worker.Result{
			Success: true, Output: "done", ModelUsed: "claude-sonnet-4-5",
			TokensInput: 500, TokensOutput: 200, TokensTotal: 700,
		}},
		reviewer: &fakeWorker{name: "gemini", result: worker.Result{
			Success: true, Output: "PASS, work looks correct",
		}},
		prov:     &fakeProvisioner{root: t.TempDir()},
		notifier: &memoNotifier{},
	}

	selector := worker.NewSelector([]worker.Worker{f.executor, f.reviewer}, nil)
	gov := govern.NewEngine(workspace, cfg.Projects, store)
	f.dispatcher = NewDispatcher(store, cfg, selector, gov, f.prov,
		append([]DispatcherOption{WithNotifier(f.notifier)}, opts...)...)
	return f
}

func (f *fixture) addActiveTask(t *testing.T, nt queue.NewTask) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.AddTask(ctx, nt)
	require.NoError(t, err)
	require.NoError(t, f.store.Transition(ctx, id, queue.StatusActive, "test", "triage"))
	return id
}

func TestDispatchHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core"})

	require.NoError(t, f.dispatcher.Dispatch(ctx, id, Options{}))

	task, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, task.Status)
	assert.False(t, task.Locked())

	results, err := f.store.GetDispatchResults(ctx, id)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "claude", results[0].WorkerID)
	assert.Equal(t, queue.ReviewPassed, results[0].ReviewStatus)
	assert.Equal(t, "atom/"+id[:8], results[0].BranchName)
	assert.Equal(t, 700, results[0].TokensUsed)
	assert.FileExists(t, results[0].MissionBriefPath)

	// Reviewer is a different worker and sees the executor output.
	require.Len(t, f.reviewer.requests, 1)
	assert.Contains(t, f.reviewer.requests[0].Prompt, "done")

	usage, err := f.store.GetDailyUsage(ctx, time.Now().UTC().Format("2006-01-02"))
	require.NoError(t, err)
	assert.Equal(t, 500, usage.TokensInput)
}

func TestDispatchRequiresActiveTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.store.AddTask(ctx, queue.NewTask{Title: "x", Project: "core"})
	require.NoError(t, err)

	err = f.dispatcher.Dispatch(ctx, id, Options{})
	assert.ErrorIs(t, err, ErrNotDispatchable)
}

func TestDispatchUnknownProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addActiveTask(t, queue.NewTask{Title: "x", Project: "ghost"})

	err := f.dispatcher.Dispatch(ctx, id, Options{})
	assert.ErrorIs(t, err, ErrUnknownProject)
}

func TestDispatchDryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core"})

	require.NoError(t, f.dispatcher.Dispatch(ctx, id, Options{DryRun: true}))

	task, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDispatched, task.Status)
	assert.False(t, task.Locked())

	// Workers never run.
	assert.Empty(t, f.executor.requests)
	assert.Empty(t, f.reviewer.requests)

	results, err := f.store.GetDispatchResults(ctx, id)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "dry-run", results[0].OutputLog)
	assert.Equal(t, queue.ReviewSkipped, results[0].ReviewStatus)
	assert.FileExists(t, results[0].MissionBriefPath)
}

func TestDispatchWorkerFailure(t *testing.T) {
	f := newFixture(t)
	f.executor.result = worker.Result{Success: false, Error: "timed out"}
	ctx := context.Background()
	id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core"})

	err := f.dispatcher.Dispatch(ctx, id, Options{})
	require.Error(t, err)

	task, gerr := f.store.GetTask(ctx, id)
	require.NoError(t, gerr)
	assert.Equal(t, queue.StatusFailed, task.Status)
	assert.False(t, task.Locked())

	results, rerr := f.store.GetDispatchResults(ctx, id)
	require.NoError(t, rerr)
	require.Len(t, results, 1)
	assert.Equal(t, "timed out", results[0].OutputLog)
}

func TestDispatchReviewFailure(t *testing.T) {
	f := newFixture(t)
	f.reviewer.result = worker.Result{Success: true, Output: "FAIL: tests are red"}
	ctx := context.Background()
	id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core"})

	err := f.dispatcher.Dispatch(ctx, id, Options{})
	require.Error(t, err)

	task, gerr := f.store.GetTask(ctx, id)
	require.NoError(t, gerr)
	assert.Equal(t, queue.StatusFailed, task.Status)

	results, rerr := f.store.GetDispatchResults(ctx, id)
	require.NoError(t, rerr)
	require.Len(t, results, 1)
	assert.Equal(t, queue.ReviewFailed, results[0].ReviewStatus)
}

func TestDispatchSkipReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core"})

	require.NoError(t, f.dispatcher.Dispatch(ctx, id, Options{SkipReview: true}))

	task, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, task.Status)
	assert.Empty(t, f.reviewer.requests)

	results, err := f.store.GetDispatchResults(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.ReviewSkipped, results[0].ReviewStatus)
}

func TestDispatchBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Spend the whole ceiling up front.
	require.NoError(t, f.store.RecordTokenUsage(ctx, 0, 0,
		f.cfg.CostControls.DailyCeilingUSD, f.cfg.CostControls.DailyCeilingUSD))

	id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core"})

	err := f.dispatcher.Dispatch(ctx, id, Options{})
	assert.ErrorIs(t, err, ErrBudgetExhausted)

	task, gerr := f.store.GetTask(ctx, id)
	require.NoError(t, gerr)
	assert.Equal(t, queue.StatusFailed, task.Status)
	assert.Empty(t, f.executor.requests)
}

func TestDispatchCountsTokensOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core"})

	inBefore := testutil.ToFloat64(metrics.Tokens.WithLabelValues("input"))
	outBefore := testutil.ToFloat64(metrics.Tokens.WithLabelValues("output"))

	require.NoError(t, f.dispatcher.Dispatch(ctx, id, Options{}))

	// The worker reported 500 in / 200 out; the counters must match
	// exactly, not double.
	assert.Equal(t, float64(500),
		testutil.ToFloat64(metrics.Tokens.WithLabelValues("input"))-inBefore)
	assert.Equal(t, float64(200),
		testutil.ToFloat64(metrics.Tokens.WithLabelValues("output"))-outBefore)
}

func TestDispatchDryRunIgnoresBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.RecordTokenUsage(ctx, 0, 0,
		f.cfg.CostControls.DailyCeilingUSD, f.cfg.CostControls.DailyCeilingUSD))

	id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core"})
	assert.NoError(t, f.dispatcher.Dispatch(ctx, id, Options{DryRun: true}))
}

func TestDispatchPerTaskBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	budget := 100
	id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core", TokenBudget: &budget})

	err := f.dispatcher.Dispatch(ctx, id, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget")

	task, gerr := f.store.GetTask(ctx, id)
	require.NoError(t, gerr)
	assert.Equal(t, queue.StatusFailed, task.Status)
}

func TestDispatchUnhealthyProject(t *testing.T) {
	f := newFixture(t, WithHealthProbe(func(ctx context.Context, project string) []string {
		return []string{"uncommitted changes"}
	}))
	ctx := context.Background()
	id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core"})

	err := f.dispatcher.Dispatch(ctx, id, Options{})
	assert.ErrorIs(t, err, ErrUnhealthyProject)

	task, gerr := f.store.GetTask(ctx, id)
	require.NoError(t, gerr)
	assert.Equal(t, queue.StatusFailed, task.Status)
}

func TestDispatchGovernanceConcurrencyBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another core task already sits in dispatched.
	other := f.addActiveTask(t, queue.NewTask{Title: "other", Project: "core"})
	require.NoError(t, f.store.Transition(ctx, other, queue.StatusDispatched, "test", "x"))

	id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core"})

	err := f.dispatcher.Dispatch(ctx, id, Options{})
	assert.ErrorIs(t, err, ErrGovernanceBlock)

	// The blocked task is not consumed.
	task, gerr := f.store.GetTask(ctx, id)
	require.NoError(t, gerr)
	assert.Equal(t, queue.StatusActive, task.Status)
	assert.False(t, task.Locked())
}

func TestDispatchExplicitWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core"})

	require.NoError(t, f.dispatcher.Dispatch(ctx, id, Options{WorkerName: "gemini", SkipReview: true}))
	require.Len(t, f.reviewer.requests, 1)
	assert.Empty(t, f.executor.requests)
}

func TestDispatchUnknownWorkerFailsTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core"})

	err := f.dispatcher.Dispatch(ctx, id, Options{WorkerName: "ghost"})
	require.Error(t, err)

	task, gerr := f.store.GetTask(ctx, id)
	require.NoError(t, gerr)
	assert.Equal(t, queue.StatusFailed, task.Status)
}

func TestDispatchBudgetWarningOncePerDay(t *testing.T) {
	f := newFixture(t)
	f.cfg.CostControls.WarningThresholdPct = 0.000001
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core"})
		require.NoError(t, f.dispatcher.Dispatch(ctx, id, Options{SkipReview: true}))
	}

	assert.Len(t, f.notifier.messages, 1)
}

func TestDispatchPMBrief(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addActiveTask(t, queue.NewTask{Title: "Add auth", Project: "core"})

	require.NoError(t, f.dispatcher.Dispatch(ctx, id, Options{
		SkipReview:       true,
		Role:             "pm",
		EcosystemContext: "api is frozen",
	}))

	require.Len(t, f.executor.requests, 1)
	assert.Contains(t, f.executor.requests[0].Prompt, "## Project Manager")
	assert.Contains(t, f.executor.requests[0].Prompt, "api is frozen")
}
