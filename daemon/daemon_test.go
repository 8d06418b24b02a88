package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/dispatch"
	"github.com/c360studio/overlord/govern"
	"github.com/c360studio/overlord/memory"
	"github.com/c360studio/overlord/queue"
)

type fakeProposalSvc struct {
	proposed   []dispatch.Plan
	titles     []string
	reconciled bool
	cleaned    int
}

func (f *fakeProposalSvc) Propose(ctx context.Context, title, reason string, scope govern.ActionScope, plan *dispatch.Plan) (string, error) {
	f.titles = append(f.titles, title)
	if plan != nil {
		f.proposed = append(f.proposed, *plan)
	}
	return "prop-1", nil
}

func (f *fakeProposalSvc) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	f.cleaned++
	return 0, nil
}

func (f *fakeProposalSvc) ReconcilePendingProposals(ctx context.Context, batchSize int) error {
	f.reconciled = true
	return nil
}

type fakeExecutor struct {
	plans  []dispatch.Plan
	auto   []bool
	result dispatch.PlanResult
}

func (f *fakeExecutor) Execute(ctx context.Context, plan dispatch.Plan, autoApprove bool) dispatch.PlanResult {
	f.plans = append(f.plans, plan)
	f.auto = append(f.auto, autoApprove)
	return f.result
}

type fakeBranches struct {
	byProject map[string][]string
	bases     map[string]string
}

func (f *fakeBranches) MergedTaskBranches(ctx context.Context, project, base string) ([]string, error) {
	if f.bases == nil {
		f.bases = map[string]string{}
	}
	f.bases[project] = base
	return f.byProject[project], nil
}

type fakeMedium struct {
	posts []string
}

func (f *fakeMedium) PostMessage(ctx context.Context, channel, text string) (string, error) {
	f.posts = append(f.posts, text)
	return fmt.Sprintf("ts-%d", len(f.posts)), nil
}

func (f *fakeMedium) PostReply(ctx context.Context, channel, threadTS, text string) error {
	return nil
}

func (f *fakeMedium) ThreadReplies(ctx context.Context, channel, threadTS string) ([]string, error) {
	return nil, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Projects = map[string]config.ProjectConfig{
		"core": {Path: filepath.Join(t.TempDir(), "core"), BranchModel: config.BranchModelDevelopMain},
		"api":  {Path: filepath.Join(t.TempDir(), "api"), BranchModel: config.BranchModelTrunkBased},
	}
	return cfg
}

func newDaemon(t *testing.T, cfg *config.Config, opts ...Option) (*Daemon, *queue.Store) {
	t.Helper()
	store, err := queue.Open(filepath.Join(t.TempDir(), "work_queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(cfg, store, govern.NewAutonomy(cfg.Autonomy), opts...), store
}

func TestBuildJobsFiltersUnknownAndDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule = map[string]config.ScheduleEntry{
		"scan":                 {Cron: "0 * * * *", Enabled: true},
		"test-all":             {Cron: "0 2 * * *", Enabled: false},
		"frobnicate":           {Cron: "0 3 * * *", Enabled: true},
		"clean-stale-branches": {Cron: "not a cron", Enabled: true},
	}
	cfg.Notifications.DigestEnabled = true
	cfg.Notifications.DigestCron = "0 9 * * *"

	d, _ := newDaemon(t, cfg)
	jobs := d.buildJobs()

	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.name)
	}
	assert.Equal(t, []string{"scan", "digest"}, names)
}

func TestRunScanRecordsFindings(t *testing.T) {
	cfg := testConfig(t)
	medium := &fakeMedium{}

	d, store := newDaemon(t, cfg, WithMedium(medium, "#ops"))
	mem, err := memory.New(store.DB(), nil)
	require.NoError(t, err)
	d.mem = mem

	// Both project paths are absent, so the scan reports them unreachable.
	d.runScan(context.Background())

	require.Len(t, medium.posts, 1)
	assert.Contains(t, medium.posts[0], "unreachable")

	entries, err := mem.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "scan", entries[0].Category)
	assert.Contains(t, entries[0].Content, "2 unreachable")
}

func TestRunTestAll(t *testing.T) {
	cfg := testConfig(t)
	executor := &fakeExecutor{result: dispatch.PlanResult{
		Status: dispatch.PlanCompleted,
		Steps: []dispatch.StepResult{
			{Status: dispatch.StepSimulated},
			{Status: dispatch.StepSimulated},
		},
	}}

	d, store := newDaemon(t, cfg, WithExecutor(executor))
	mem, err := memory.New(store.DB(), nil)
	require.NoError(t, err)
	d.mem = mem

	d.runTestAll(context.Background())

	require.Len(t, executor.plans, 1)
	assert.Len(t, executor.plans[0].Steps, 2)
	assert.False(t, executor.auto[0])

	entries, err := mem.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Content, "test-all: completed")
}

func TestCleanStaleBranchesProposes(t *testing.T) {
	cfg := testConfig(t)
	proposals := &fakeProposalSvc{}
	branches := &fakeBranches{byProject: map[string][]string{
		"core": {"atom/12345678", "atom/deadbeef"},
	}}

	d, _ := newDaemon(t, cfg, WithProposals(proposals), WithBranchLister(branches))
	d.runCleanStaleBranches(context.Background())

	// Branch model decides the merge base per project.
	assert.Equal(t, "develop", branches.bases["core"])
	assert.Equal(t, "main", branches.bases["api"])

	require.Len(t, proposals.proposed, 1)
	plan := proposals.proposed[0]
	assert.True(t, plan.RequiresApproval)
	assert.True(t, plan.Scope.Destructive)
	assert.Equal(t, []string{"core"}, plan.Scope.Projects)
	assert.Contains(t, proposals.titles[0], "2 merged task branches")
}

func TestCleanStaleBranchesNoFindings(t *testing.T) {
	cfg := testConfig(t)
	proposals := &fakeProposalSvc{}

	d, store := newDaemon(t, cfg, WithProposals(proposals), WithBranchLister(&fakeBranches{}))
	mem, err := memory.New(store.DB(), nil)
	require.NoError(t, err)
	d.mem = mem

	d.runCleanStaleBranches(context.Background())

	assert.Empty(t, proposals.proposed)
	entries, err := mem.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Content, "nothing to clean")
}

func TestRunDigest(t *testing.T) {
	cfg := testConfig(t)
	medium := &fakeMedium{}

	d, store := newDaemon(t, cfg, WithMedium(medium, "#ops"))
	ctx := context.Background()

	_, err := store.AddTask(ctx, queue.NewTask{Title: "pending work", Project: "core"})
	require.NoError(t, err)

	d.runDigest(ctx)

	require.Len(t, medium.posts, 1)
	assert.Contains(t, medium.posts[0], "Daily digest")
	assert.Contains(t, medium.posts[0], "backlog=1")
	assert.Contains(t, medium.posts[0], "$0.00")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule = map[string]config.ScheduleEntry{}
	proposals := &fakeProposalSvc{}

	d, _ := newDaemon(t, cfg, WithProposals(proposals))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop on context cancellation")
	}
	assert.True(t, proposals.reconciled)
}

func TestMergeBase(t *testing.T) {
	assert.Equal(t, "develop", mergeBase(config.BranchModelDevelopMain))
	assert.Equal(t, "develop", mergeBase(config.BranchModelGitflow))
	assert.Equal(t, "main", mergeBase(config.BranchModelTrunkBased))
	assert.Equal(t, "main", mergeBase(""))
}
