package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"

	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/govern"
	"github.com/c360studio/overlord/worker"
	"github.com/c360studio/overlord/worktree"
)

// CommandRunner executes a shell command in a directory.
type CommandRunner func(ctx context.Context, dir, command string) (string, error)

func defaultRunner(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%s: %w: %s", command, err, string(output))
	}
	return string(output), nil
}

// Phrase table mapping step actions to direct commands.
var (
	testsPattern    = regexp.MustCompile(`(?i)^(?:run |validate )?tests?$`)
	lintPattern     = regexp.MustCompile(`(?i)^lint$`)
	mergePattern    = regexp.MustCompile(`(?i)^merge (\S+) (?:to|into) (\S+)$`)
	checkoutPattern = regexp.MustCompile(`(?i)^checkout (\S+)$`)
	tagPattern      = regexp.MustCompile(`(?i)^tag (\S+)$`)
	pushPattern     = regexp.MustCompile(`(?i)^push$`)
)

// actionToCommand maps a direct-command action phrase to a shell command.
func actionToCommand(action string) (string, bool) {
	switch {
	case testsPattern.MatchString(action):
		return "pytest -v", true
	case lintPattern.MatchString(action):
		return "ruff check .", true
	case checkoutPattern.MatchString(action):
		m := checkoutPattern.FindStringSubmatch(action)
		return "git checkout " + m[1], true
	case mergePattern.MatchString(action):
		m := mergePattern.FindStringSubmatch(action)
		return fmt.Sprintf("git checkout %s && git merge --no-ff %s", m[2], m[1]), true
	case tagPattern.MatchString(action):
		m := tagPattern.FindStringSubmatch(action)
		return "git tag " + m[1], true
	case pushPattern.MatchString(action):
		return "git push origin HEAD --tags", true
	}
	return "", false
}

// Engine executes dispatch plans step by step.
type Engine struct {
	cfg      *config.Config
	autonomy *govern.Autonomy
	selector *worker.Selector
	runner   CommandRunner
	logger   *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRunner replaces the shell command runner.
func WithRunner(r CommandRunner) EngineOption {
	return func(e *Engine) {
		e.runner = r
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine builds a plan executor.
func NewEngine(cfg *config.Config, autonomy *govern.Autonomy, selector *worker.Selector, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:      cfg,
		autonomy: autonomy,
		selector: selector,
		runner:   defaultRunner,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the plan. Steps run sequentially in dependency order; the
// first failure halts the plan and completed steps stay committed.
func (e *Engine) Execute(ctx context.Context, plan Plan, autoApprove bool) PlanResult {
	if plan.RequiresApproval && !autoApprove {
		if e.autonomy == nil || !e.autonomy.CanAutoExecute(plan.Description, plan.Scope, "") {
			return PlanResult{
				Status: PlanCancelled,
				Reason: "plan requires approval and autonomy does not permit auto-execution",
			}
		}
	}

	ordered, err := orderSteps(plan.Steps)
	if err != nil {
		e.logger.Error("Plan has a dependency cycle, using input order",
			"plan_id", plan.ID, "error", err)
		ordered = plan.Steps
	}

	result := PlanResult{Status: PlanCompleted}
	for _, step := range ordered {
		stepResult := e.executeStep(ctx, step)
		result.Steps = append(result.Steps, stepResult)

		if stepResult.Status == StepFailed {
			result.Status = PlanFailed
			result.Reason = fmt.Sprintf("step %s failed: %s", step.ID, stepResult.Error)
			return result
		}
	}
	return result
}

// executeStep runs one step, routing to a worker or the phrase table.
func (e *Engine) executeStep(ctx context.Context, step Step) StepResult {
	res := StepResult{StepID: step.ID, Action: step.Action}

	projectPath := ""
	if pc, ok := e.cfg.Projects[step.Project]; ok {
		projectPath = pc.Path
	}

	if step.ModelTier != "" {
		w, err := e.selector.Select(step.ModelTier)
		if err != nil {
			res.Status = StepFailed
			res.Error = err.Error()
			return res
		}
		wr := w.Execute(worker.Request{
			Prompt:      step.Action,
			ProjectPath: projectPath,
		})
		res.Output = wr.Output
		if wr.Success {
			res.Status = StepCompleted
		} else {
			res.Status = StepFailed
			res.Error = wr.Error
		}
		return res
	}

	command, ok := actionToCommand(step.Action)
	if !ok {
		e.logger.Info("No command mapping for action, simulating",
			"step_id", step.ID, "action", step.Action)
		res.Status = StepSimulated
		res.Output = "simulated: no command mapping"
		return res
	}

	if !runnableProjectDir(projectPath, step.Action) {
		e.logger.Info("Project directory not runnable, simulating",
			"step_id", step.ID, "project", step.Project, "path", projectPath)
		res.Status = StepSimulated
		res.Output = "simulated: " + command
		return res
	}

	runCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	output, err := e.runner(runCtx, projectPath, command)
	res.Output = output
	if err != nil {
		res.Status = StepFailed
		res.Error = err.Error()
		return res
	}
	res.Status = StepCompleted
	return res
}

// isExecutableProjectDir requires an existing directory containing a
// .git entry before a direct command is run for real.
func isExecutableProjectDir(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = os.Stat(path + "/.git")
	return err == nil
}

// runnableProjectDir gates direct execution on the checkout shape:
// every command needs a git checkout, and test or lint commands also
// need a build manifest to run against.
func runnableProjectDir(path, action string) bool {
	if !isExecutableProjectDir(path) {
		return false
	}
	if testsPattern.MatchString(action) || lintPattern.MatchString(action) {
		return worktree.HasTestManifest(path)
	}
	return true
}

// orderSteps topologically sorts steps, deterministic with respect to
// input order for independent steps.
func orderSteps(steps []Step) ([]Step, error) {
	indegree := make(map[string]int, len(steps))
	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("step %s depends on unknown step %s", s.ID, dep)
			}
			indegree[s.ID]++
		}
	}

	done := make(map[string]bool, len(steps))
	ordered := make([]Step, 0, len(steps))
	for len(ordered) < len(steps) {
		progressed := false
		for _, s := range steps {
			if done[s.ID] || indegree[s.ID] != 0 {
				continue
			}
			done[s.ID] = true
			ordered = append(ordered, s)
			progressed = true
			for _, t := range steps {
				for _, dep := range t.DependsOn {
					if dep == s.ID {
						indegree[t.ID]--
					}
				}
			}
		}
		if !progressed {
			return nil, fmt.Errorf("dependency cycle among plan steps")
		}
	}
	return ordered, nil
}
