// Package planner turns natural-language requests and release intents
// into executable dispatch plans.
package planner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/dispatch"
	"github.com/c360studio/overlord/govern"
	"github.com/c360studio/overlord/worker"
)

// Request patterns, first hit wins.
var (
	mergeInProjectPattern = regexp.MustCompile(`(?i)^merge\s+(\S+)\s+(\S+)\s+(?:to|into)\s+(\S+)$`)
	mergeSuffixPattern    = regexp.MustCompile(`(?i)^merge\s+(\S+)\s+(?:to|into)\s+(\S+)\s+in\s+(\S+)$`)
	testSinglePattern     = regexp.MustCompile(`(?i)^(?:run\s+)?tests?\s+in\s+(\S+)$`)
	testAllPattern        = regexp.MustCompile(`(?i)tests?\s+across\s+all`)
	cleanBranchesPattern  = regexp.MustCompile(`(?i)^clean\s+(?:stale\s+)?branch(?:es)?\s+in\s+(.+)$`)
	updateDepPattern      = regexp.MustCompile(`(?i)^update\s+(\S+)\s+in\s+(.+)$`)
)

// Parser maps free-text requests onto plans over the configured projects.
type Parser struct {
	cfg *config.Config
}

// NewParser builds a parser over the project registry.
func NewParser(cfg *config.Config) *Parser {
	return &Parser{cfg: cfg}
}

// Step timing defaults applied to every emitted plan.
const (
	defaultStepTimeout = 10 * time.Minute
	perStepEstimate    = 5 * time.Minute
)

// finishPlan applies step timeouts and the overall duration estimate.
func finishPlan(plan dispatch.Plan) dispatch.Plan {
	for i := range plan.Steps {
		if plan.Steps[i].Timeout == 0 {
			plan.Steps[i].Timeout = defaultStepTimeout
		}
	}
	plan.EstimatedDuration = time.Duration(len(plan.Steps)) * perStepEstimate
	return plan
}

// Parse converts one request into a plan. Unknown project names are an
// error; anything unmatched becomes a single worker-routed fallback step.
func (p *Parser) Parse(text string) (dispatch.Plan, error) {
	plan, err := p.parse(text)
	if err != nil {
		return dispatch.Plan{}, err
	}
	return finishPlan(plan), nil
}

func (p *Parser) parse(text string) (dispatch.Plan, error) {
	text = strings.TrimSpace(text)

	if m := mergeSuffixPattern.FindStringSubmatch(text); m != nil {
		return p.mergePlan(m[3], m[1], m[2])
	}
	if m := mergeInProjectPattern.FindStringSubmatch(text); m != nil {
		return p.mergePlan(m[1], m[2], m[3])
	}
	if m := testSinglePattern.FindStringSubmatch(text); m != nil {
		return p.testSinglePlan(m[1])
	}
	if testAllPattern.MatchString(text) {
		return p.testAllPlan()
	}
	if m := cleanBranchesPattern.FindStringSubmatch(text); m != nil {
		return p.cleanBranchesPlan(splitProjectList(m[1]))
	}
	if m := updateDepPattern.FindStringSubmatch(text); m != nil {
		return p.updateDepPlan(m[1], splitProjectList(m[2]))
	}
	return p.fallbackPlan(text)
}

func (p *Parser) mergePlan(project, source, target string) (dispatch.Plan, error) {
	if err := p.checkProjects(project); err != nil {
		return dispatch.Plan{}, err
	}
	return dispatch.Plan{
		ID:          uuid.New().String(),
		Description: fmt.Sprintf("merge %s to %s in %s", source, target, project),
		Steps: []dispatch.Step{
			{ID: "step-1", Action: fmt.Sprintf("merge %s to %s", source, target), Project: project},
		},
		Scope: govern.ActionScope{
			Projects:        []string{project},
			Branches:        []string{source, target},
			Reversible:      true,
			EstimatedImpact: govern.ImpactMedium,
		},
		RequiresApproval: true,
	}, nil
}

func (p *Parser) testSinglePlan(project string) (dispatch.Plan, error) {
	if err := p.checkProjects(project); err != nil {
		return dispatch.Plan{}, err
	}
	return dispatch.Plan{
		ID:          uuid.New().String(),
		Description: "run tests in " + project,
		Steps: []dispatch.Step{
			{ID: "step-1", Action: "run tests", Project: project},
		},
		Scope: govern.ActionScope{
			Projects:        []string{project},
			Reversible:      true,
			EstimatedImpact: govern.ImpactLow,
		},
	}, nil
}

func (p *Parser) testAllPlan() (dispatch.Plan, error) {
	projects := p.projectNames()
	if len(projects) == 0 {
		return dispatch.Plan{}, fmt.Errorf("no projects configured")
	}

	steps := make([]dispatch.Step, 0, len(projects))
	for i, project := range projects {
		steps = append(steps, dispatch.Step{
			ID:      fmt.Sprintf("step-%d", i+1),
			Action:  "run tests",
			Project: project,
		})
	}
	return dispatch.Plan{
		ID:          uuid.New().String(),
		Description: "run tests across all projects",
		Steps:       steps,
		Scope: govern.ActionScope{
			Projects:        projects,
			Reversible:      true,
			EstimatedImpact: govern.ImpactMedium,
		},
	}, nil
}

func (p *Parser) cleanBranchesPlan(projects []string) (dispatch.Plan, error) {
	if err := p.checkProjects(projects...); err != nil {
		return dispatch.Plan{}, err
	}

	steps := make([]dispatch.Step, 0, len(projects))
	for i, project := range projects {
		steps = append(steps, dispatch.Step{
			ID:      fmt.Sprintf("step-%d", i+1),
			Action:  "clean stale branches",
			Project: project,
		})
	}
	return dispatch.Plan{
		ID:          uuid.New().String(),
		Description: "clean stale branches in " + strings.Join(projects, ", "),
		Steps:       steps,
		Scope: govern.ActionScope{
			Projects:        projects,
			Destructive:     true,
			EstimatedImpact: govern.ImpactLow,
		},
		RequiresApproval: true,
	}, nil
}

func (p *Parser) updateDepPlan(dep string, projects []string) (dispatch.Plan, error) {
	if err := p.checkProjects(projects...); err != nil {
		return dispatch.Plan{}, err
	}

	steps := make([]dispatch.Step, 0, len(projects))
	for i, project := range projects {
		steps = append(steps, dispatch.Step{
			ID:      fmt.Sprintf("step-%d", i+1),
			Action:  "update " + dep,
			Project: project,
		})
	}
	return dispatch.Plan{
		ID:          uuid.New().String(),
		Description: fmt.Sprintf("update %s in %s", dep, strings.Join(projects, ", ")),
		Steps:       steps,
		Scope: govern.ActionScope{
			Projects:        projects,
			Reversible:      true,
			EstimatedImpact: govern.ImpactMedium,
		},
		RequiresApproval: true,
	}, nil
}

func (p *Parser) fallbackPlan(text string) (dispatch.Plan, error) {
	projects := p.projectNames()
	if len(projects) == 0 {
		return dispatch.Plan{}, fmt.Errorf("no projects configured")
	}

	return dispatch.Plan{
		ID:          uuid.New().String(),
		Description: text,
		Steps: []dispatch.Step{
			{ID: "step-1", Action: text, Project: projects[0], ModelTier: worker.TierCloudFast},
		},
		Scope: govern.ActionScope{
			Projects:        []string{projects[0]},
			EstimatedImpact: govern.ImpactMedium,
		},
		RequiresApproval: true,
	}, nil
}

// checkProjects rejects project names absent from the registry.
func (p *Parser) checkProjects(names ...string) error {
	for _, name := range names {
		if _, ok := p.cfg.Projects[name]; !ok {
			return fmt.Errorf("unknown project %q", name)
		}
	}
	return nil
}

// projectNames returns configured projects, sorted for determinism.
func (p *Parser) projectNames() []string {
	names := make([]string, 0, len(p.cfg.Projects))
	for name := range p.cfg.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// splitProjectList splits "a and b and c" or comma-separated lists.
func splitProjectList(s string) []string {
	s = strings.ReplaceAll(s, ",", " and ")
	parts := strings.Split(s, " and ")
	var out []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
