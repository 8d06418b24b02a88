package govern

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/queue"
)

// Severity grades a governance violation.
type Severity string

// Violation severities. Hard blocks reject dispatch; warnings annotate.
const (
	SeverityHardBlock Severity = "hard-block"
	SeverityWarning   Severity = "warning"
)

// Governance rule names.
const (
	RuleRootWorkspace  = "root-workspace"
	RuleConcurrency    = "concurrency"
	RuleBranchPolicy   = "branch-policy"
	RuleStrategicDrift = "strategic-drift"
	RuleConflict       = "conflict"
)

// Violation is one governance finding.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
}

// CheckResult aggregates governance findings for one dispatch.
type CheckResult struct {
	Violations []Violation
}

// Approved reports whether no hard-block violation was found.
func (r CheckResult) Approved() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityHardBlock {
			return false
		}
	}
	return true
}

// Warnings returns the non-blocking findings.
func (r CheckResult) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityWarning {
			out = append(out, v)
		}
	}
	return out
}

// BranchLookup returns the current git branch of a working copy.
type BranchLookup func(ctx context.Context, path string) (string, error)

// Engine runs the deterministic pre-dispatch governance checks.
type Engine struct {
	workspaceRoot    string
	projects         map[string]config.ProjectConfig
	priorityKeywords []string
	store            *queue.Store
	branchLookup     BranchLookup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPriorityKeywords sets the strategic-priority keyword set.
func WithPriorityKeywords(keywords []string) EngineOption {
	return func(e *Engine) {
		e.priorityKeywords = keywords
	}
}

// WithBranchLookup sets how the engine reads a repo's current branch.
func WithBranchLookup(fn BranchLookup) EngineOption {
	return func(e *Engine) {
		e.branchLookup = fn
	}
}

// NewEngine builds the governance engine for a workspace.
func NewEngine(workspaceRoot string, projects map[string]config.ProjectConfig, store *queue.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		workspaceRoot: workspaceRoot,
		projects:      projects,
		store:         store,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// allowedBranchPrefixes for projects on the develop-main branch model.
var allowedBranchPrefixes = []string{"feat/", "fix/", "docs/", "chore/", "develop", "main"}

// PreDispatchCheck runs every governance rule against a task about to
// be dispatched. The result carries all findings; any hard-block
// rejects the dispatch.
func (e *Engine) PreDispatchCheck(ctx context.Context, task *queue.Task) (CheckResult, error) {
	var result CheckResult

	project, registered := e.projects[task.Project]
	if !registered {
		return result, fmt.Errorf("project %s is not registered", task.Project)
	}

	// root-workspace: never operate on the workspace root itself.
	if e.workspaceRoot != "" && filepath.Clean(project.Path) == filepath.Clean(e.workspaceRoot) {
		result.Violations = append(result.Violations, Violation{
			Rule:     RuleRootWorkspace,
			Severity: SeverityHardBlock,
			Message:  fmt.Sprintf("project path %s is the workspace root", project.Path),
		})
	}

	// concurrency: one dispatched task per project at a time.
	busy, err := e.store.HasTaskInStatus(ctx, task.Project, queue.StatusDispatched, task.ID)
	if err != nil {
		return result, fmt.Errorf("concurrency check: %w", err)
	}
	if busy {
		result.Violations = append(result.Violations, Violation{
			Rule:     RuleConcurrency,
			Severity: SeverityHardBlock,
			Message:  fmt.Sprintf("another task in project %s is already dispatched", task.Project),
		})
	}

	// branch-policy: develop-main projects must sit on a conventional branch.
	if project.BranchModel == config.BranchModelDevelopMain && e.branchLookup != nil {
		branch, err := e.branchLookup(ctx, project.Path)
		if err == nil && branch != "" && !branchAllowed(branch) {
			result.Violations = append(result.Violations, Violation{
				Rule:     RuleBranchPolicy,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("branch %q does not match the develop-main model", branch),
			})
		}
	}

	// strategic-drift: the task should touch at least one priority keyword.
	if len(e.priorityKeywords) > 0 {
		text := strings.ToLower(task.Title + " " + task.Description)
		matched := false
		for _, kw := range e.priorityKeywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				matched = true
				break
			}
		}
		if !matched {
			result.Violations = append(result.Violations, Violation{
				Rule:     RuleStrategicDrift,
				Severity: SeverityWarning,
				Message:  "task matches no configured strategic priority keyword",
			})
		}
	}

	return result, nil
}

func branchAllowed(branch string) bool {
	for _, prefix := range allowedBranchPrefixes {
		if strings.HasPrefix(branch, prefix) {
			return true
		}
	}
	return false
}

// fileTokenPattern matches file-like tokens (README.md, pkg/auth/jwt.go).
var fileTokenPattern = regexp.MustCompile(`[\w./]+\.\w{1,5}`)

// moduleTokenPattern matches dotted or slashed module tokens
// (internal/auth, api.v2.users).
var moduleTokenPattern = regexp.MustCompile(`\w+(?:[./]\w+)+`)

// CheckConflicts flags overlap between the file and module tokens of
// the new task and any active task in the same project.
func (e *Engine) CheckConflicts(task *queue.Task, activeTasks []*queue.Task) []Violation {
	newTokens := extractTokens(task.Title + " " + task.Description)
	if len(newTokens) == 0 {
		return nil
	}

	var violations []Violation
	for _, active := range activeTasks {
		if active.ID == task.ID {
			continue
		}
		activeTokens := extractTokens(active.Title + " " + active.Description)
		overlap := intersect(newTokens, activeTokens)
		if len(overlap) > 0 {
			violations = append(violations, Violation{
				Rule:     RuleConflict,
				Severity: SeverityHardBlock,
				Message: fmt.Sprintf("task %s touches the same paths: %s",
					active.ID, strings.Join(overlap, ", ")),
			})
		}
	}
	return violations
}

// extractTokens pulls file-like and module-like tokens from free text.
func extractTokens(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, m := range fileTokenPattern.FindAllString(text, -1) {
		tokens[strings.Trim(m, ".")] = true
	}
	for _, m := range moduleTokenPattern.FindAllString(text, -1) {
		tokens[strings.Trim(m, ".")] = true
	}
	return tokens
}

func intersect(a, b map[string]bool) []string {
	var out []string
	for token := range a {
		if b[token] {
			out = append(out, token)
		}
	}
	sort.Strings(out)
	return out
}
