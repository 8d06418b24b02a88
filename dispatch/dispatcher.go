// Package dispatch drives the task lifecycle from an active queue entry
// through worker execution and review to a terminal state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/events"
	"github.com/c360studio/overlord/govern"
	"github.com/c360studio/overlord/metrics"
	"github.com/c360studio/overlord/queue"
	"github.com/c360studio/overlord/worker"
	"github.com/c360studio/overlord/worktree"
)

// Dispatch failure modes surfaced to callers.
var (
	ErrNotDispatchable  = errors.New("task is not dispatchable")
	ErrUnknownProject   = errors.New("project is not registered")
	ErrGovernanceBlock  = errors.New("governance hard block")
	ErrBudgetExhausted  = errors.New("daily budget exhausted")
	ErrUnhealthyProject = errors.New("project is unhealthy")
)

// Token pricing used for the ledger estimate, USD per million tokens.
const (
	costPerMTokenInput  = 3.0
	costPerMTokenOutput = 15.0
)

// Provisioner creates the task worktree. Satisfied by worktree.Manager.
type Provisioner interface {
	Provision(ctx context.Context, project, remote, taskID string) (string, error)
}

// HealthProbe reports blocking issues for a project, or none.
type HealthProbe func(ctx context.Context, project string) []string

// Notifier posts out-of-band one-line notifications.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Options control a single dispatch run.
type Options struct {
	DryRun     bool
	WorkerName string
	SkipReview bool

	// Role selects the mission brief variant ("pm" or default).
	Role string

	// EcosystemContext is spliced into the brief verbatim when set.
	EcosystemContext string
}

// Dispatcher owns the Analyze, Brief, Provision, Execute, Review lifecycle.
type Dispatcher struct {
	store    *queue.Store
	cfg      *config.Config
	selector *worker.Selector
	govern   *govern.Engine
	prov     Provisioner
	health   HealthProbe
	notifier Notifier
	pub      events.Publisher
	logger   *slog.Logger

	mu           sync.Mutex
	lastWarnDate string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHealthProbe installs the pre-dispatch project health probe.
func WithHealthProbe(probe HealthProbe) DispatcherOption {
	return func(d *Dispatcher) {
		d.health = probe
	}
}

// WithNotifier installs the budget warning notifier.
func WithNotifier(n Notifier) DispatcherOption {
	return func(d *Dispatcher) {
		d.notifier = n
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(pub events.Publisher) DispatcherOption {
	return func(d *Dispatcher) {
		d.pub = pub
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher wires a dispatcher over its collaborators.
func NewDispatcher(store *queue.Store, cfg *config.Config, selector *worker.Selector, gov *govern.Engine, prov Provisioner, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		cfg:      cfg,
		selector: selector,
		govern:   gov,
		prov:     prov,
		pub:      events.Nop{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs the full lifecycle for one task. The task lock is
// released on every exit path; any error after the task left active
// triggers a best-effort transition to failed.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string, opts Options) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != queue.StatusActive {
		return fmt.Errorf("%w: task %s is %s, want active", ErrNotDispatchable, taskID, task.Status)
	}
	project, ok := d.cfg.Projects[task.Project]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProject, task.Project)
	}

	check, err := d.govern.PreDispatchCheck(ctx, task)
	if err != nil {
		return fmt.Errorf("governance check: %w", err)
	}
	if !check.Approved() {
		return fmt.Errorf("%w: %s", ErrGovernanceBlock, describeViolations(check))
	}
	for _, warning := range check.Warnings() {
		d.logger.Warn("Governance warning", "task_id", taskID, "rule", warning.Rule, "message", warning.Message)
	}

	if !opts.DryRun {
		if d.health != nil {
			if issues := d.health(ctx, task.Project); len(issues) > 0 {
				reason := "unhealthy repo: " + strings.Join(issues, "; ")
				if terr := d.store.Transition(ctx, taskID, queue.StatusFailed, "dispatcher", reason); terr != nil {
					return terr
				}
				return fmt.Errorf("%w: %s", ErrUnhealthyProject, strings.Join(issues, "; "))
			}
		}

		available, pct, err := d.store.CheckBudgetAvailable(ctx, d.cfg.CostControls.DailyCeilingUSD)
		if err != nil {
			return fmt.Errorf("budget check: %w", err)
		}
		if !available {
			if terr := d.store.Transition(ctx, taskID, queue.StatusFailed, "dispatcher", "budget exhausted"); terr != nil {
				return terr
			}
			return fmt.Errorf("%w: %.0f%% of daily ceiling used", ErrBudgetExhausted, pct)
		}
	}

	tier := worker.InferTier(task.Title+" "+task.Description, task.Complexity)
	executor, err := d.selectWorker(opts.WorkerName, tier)
	if err != nil {
		if terr := d.store.Transition(ctx, taskID, queue.StatusFailed, "dispatcher", "no worker available: "+err.Error()); terr != nil {
			return terr
		}
		return err
	}

	if err := d.store.LockTask(ctx, taskID, executor.Name()); err != nil {
		return err
	}
	defer func() {
		if uerr := d.store.UnlockTask(context.WithoutCancel(ctx), taskID); uerr != nil {
			d.logger.Error("Failed to unlock task", "task_id", taskID, "error", uerr)
		}
	}()

	if err := d.store.Transition(ctx, taskID, queue.StatusDispatched, "dispatcher", "dispatched to "+executor.Name()); err != nil {
		return err
	}
	metrics.TasksDispatched.WithLabelValues(executor.Name()).Inc()

	err = d.run(ctx, task, project, executor, tier, opts)
	if err != nil {
		d.failInFlight(ctx, taskID, err)
	}
	return err
}

// run covers provision through review for a task already in dispatched.
func (d *Dispatcher) run(ctx context.Context, task *queue.Task, project config.ProjectConfig, executor worker.Worker, tier worker.Tier, opts Options) error {
	wtPath, err := d.prov.Provision(ctx, task.Project, project.Remote, task.ID)
	if err != nil {
		return fmt.Errorf("provision worktree: %w", err)
	}

	briefPath, err := WriteBrief(wtPath, BriefInput{
		Task:             task,
		Project:          project,
		Role:             opts.Role,
		EcosystemContext: opts.EcosystemContext,
	})
	if err != nil {
		return err
	}

	record := queue.DispatchResult{
		TaskID:           task.ID,
		WorkerID:         executor.Name(),
		BranchName:       worktree.BranchName(task.ID),
		MissionBriefPath: briefPath,
	}

	if opts.DryRun {
		record.ReviewStatus = queue.ReviewSkipped
		record.OutputLog = "dry-run"
		if err := d.store.RecordDispatchResult(ctx, record); err != nil {
			return err
		}
		d.logger.Info("Dry-run dispatch complete", "task_id", task.ID, "brief", briefPath)
		return nil
	}

	prompt := "Read MISSION_BRIEF.md and execute the mission it describes.\n\n" + RenderBrief(BriefInput{
		Task:             task,
		Project:          project,
		Role:             opts.Role,
		EcosystemContext: opts.EcosystemContext,
	})
	res := executor.Execute(worker.Request{
		Prompt:      prompt,
		ProjectPath: wtPath,
		TaskType:    task.Complexity,
		Model:       d.heavyModelFor(executor.Name(), tier),
	})

	record.ModelID = res.ModelUsed
	record.TokensUsed = res.TokensTotal
	record.OutputLog = res.Output
	record.UsageStats = map[string]any{
		"tokens_input":  res.TokensInput,
		"tokens_output": res.TokensOutput,
		"tokens_total":  res.TokensTotal,
		"duration_ms":   res.Duration.Milliseconds(),
		"worker_type":   res.WorkerType,
	}

	if err := d.recordUsage(ctx, res); err != nil {
		d.logger.Error("Failed to record token usage", "task_id", task.ID, "error", err)
	}

	if !res.Success {
		metrics.WorkerFailures.WithLabelValues(executor.Name()).Inc()
		record.ReviewStatus = queue.ReviewSkipped
		record.OutputLog = res.Error
		if rerr := d.store.RecordDispatchResult(ctx, record); rerr != nil {
			return rerr
		}
		return fmt.Errorf("worker %s failed: %s", executor.Name(), res.Error)
	}

	if over, budget := d.overTaskBudget(task, res.TokensTotal); over {
		record.ReviewStatus = queue.ReviewSkipped
		if rerr := d.store.RecordDispatchResult(ctx, record); rerr != nil {
			return rerr
		}
		return fmt.Errorf("task %s used %d tokens, budget is %d", task.ID, res.TokensTotal, budget)
	}

	if err := d.store.Transition(ctx, task.ID, queue.StatusInReview, "dispatcher", "execution finished"); err != nil {
		return err
	}

	if opts.SkipReview {
		record.ReviewStatus = queue.ReviewSkipped
	} else {
		passed, reviewErr := d.review(ctx, task, executor, prompt, res.Output, wtPath)
		if reviewErr != nil {
			return reviewErr
		}
		if passed {
			record.ReviewStatus = queue.ReviewPassed
		} else {
			record.ReviewStatus = queue.ReviewFailed
			if rerr := d.store.RecordDispatchResult(ctx, record); rerr != nil {
				return rerr
			}
			return fmt.Errorf("review failed for task %s", task.ID)
		}
	}

	if err := d.store.RecordDispatchResult(ctx, record); err != nil {
		return err
	}
	if err := d.store.Transition(ctx, task.ID, queue.StatusCompleted, "dispatcher", "dispatch complete"); err != nil {
		return err
	}

	d.pub.Publish(events.SubjectTaskDispatched, map[string]any{
		"task_id": task.ID,
		"project": task.Project,
		"worker":  executor.Name(),
		"tokens":  res.TokensTotal,
	})
	d.logger.Info("Dispatch complete",
		"task_id", task.ID,
		"worker", executor.Name(),
		"tokens", res.TokensTotal,
		"review", record.ReviewStatus)
	return nil
}

// review runs the second-worker review. It returns whether the review
// passed; transport-level selection failure is an error.
func (d *Dispatcher) review(ctx context.Context, task *queue.Task, executor worker.Worker, brief, output, wtPath string) (bool, error) {
	reviewer, err := d.selector.SelectReviewer(executor.Name())
	if err != nil {
		return false, fmt.Errorf("select reviewer: %w", err)
	}

	prompt := fmt.Sprintf(
		"Review the following completed work.\n\n## Mission\n\n%s\n\n## Executor Output\n\n%s\n\nRespond with PASS if the work satisfies the mission, FAIL otherwise, followed by your reasoning.",
		brief, output)
	res := reviewer.Execute(worker.Request{
		Prompt:      prompt,
		ProjectPath: wtPath,
		TaskType:    "review",
	})
	if !res.Success {
		metrics.WorkerFailures.WithLabelValues(reviewer.Name()).Inc()
		return false, nil
	}
	if derr := d.recordUsage(ctx, res); derr != nil {
		d.logger.Error("Failed to record reviewer usage", "task_id", task.ID, "error", derr)
	}
	return !strings.Contains(strings.ToUpper(res.Output), "FAIL"), nil
}

// selectWorker resolves the explicit worker name or falls back to tier routing.
func (d *Dispatcher) selectWorker(name string, tier worker.Tier) (worker.Worker, error) {
	if name != "" {
		return d.selector.SelectByName(name)
	}
	return d.selector.Select(tier)
}

// heavyModelFor forces the configured heavy model for cloud-heavy work.
func (d *Dispatcher) heavyModelFor(workerName string, tier worker.Tier) string {
	if tier != worker.TierCloudHeavy {
		return ""
	}
	wc, ok := d.cfg.Workers[workerName]
	if !ok {
		return ""
	}
	return wc.ModelOverrides["heavy"]
}

// overTaskBudget applies the per-task token ceiling.
func (d *Dispatcher) overTaskBudget(task *queue.Task, tokensTotal int) (bool, int) {
	budget := d.cfg.CostControls.DefaultTaskBudgetTokens
	if task.TokenBudget != nil {
		budget = *task.TokenBudget
	}
	if budget > 0 && tokensTotal > budget {
		return true, budget
	}
	return false, budget
}

// recordUsage writes worker token counts into the daily ledger and
// fires the once-per-day budget warning. The store bumps the token
// counters when it writes the ledger row.
func (d *Dispatcher) recordUsage(ctx context.Context, res worker.Result) error {
	cost := float64(res.TokensInput)/1e6*costPerMTokenInput +
		float64(res.TokensOutput)/1e6*costPerMTokenOutput

	ceiling := d.cfg.CostControls.DailyCeilingUSD
	if err := d.store.RecordTokenUsage(ctx, res.TokensInput, res.TokensOutput, cost, ceiling); err != nil {
		return err
	}

	_, pct, err := d.store.CheckBudgetAvailable(ctx, ceiling)
	if err != nil {
		return err
	}
	threshold := d.cfg.CostControls.WarningThresholdPct
	if threshold > 0 && pct >= threshold {
		d.warnBudget(ctx, pct)
	}
	return nil
}

// warnBudget posts the warning at most once per UTC day.
func (d *Dispatcher) warnBudget(ctx context.Context, pct float64) {
	if d.notifier == nil {
		return
	}
	today := time.Now().UTC().Format("2006-01-02")

	d.mu.Lock()
	already := d.lastWarnDate == today
	if !already {
		d.lastWarnDate = today
	}
	d.mu.Unlock()
	if already {
		return
	}

	msg := fmt.Sprintf("Budget warning: %.0f%% of the daily ceiling is spent.", pct)
	if err := d.notifier.Notify(ctx, msg); err != nil {
		d.logger.Error("Failed to post budget warning", "error", err)
	}
}

// failInFlight moves a task stuck in dispatched or in_review to failed.
func (d *Dispatcher) failInFlight(ctx context.Context, taskID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if task.Status != queue.StatusDispatched && task.Status != queue.StatusInReview {
		return
	}
	if err := d.store.Transition(ctx, taskID, queue.StatusFailed, "dispatcher", cause.Error()); err != nil {
		d.logger.Error("Failed to mark task failed", "task_id", taskID, "error", err)
	}
}

func describeViolations(check govern.CheckResult) string {
	var parts []string
	for _, v := range check.Violations {
		if v.Severity == govern.SeverityHardBlock {
			parts = append(parts, v.Rule+": "+v.Message)
		}
	}
	return strings.Join(parts, "; ")
}
