package planner

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/c360studio/overlord/dispatch"
	"github.com/c360studio/overlord/govern"
	"github.com/c360studio/overlord/graph"
)

// ReleaseOptions tune the generated release plan.
type ReleaseOptions struct {
	// Source and Target default to develop and main.
	Source string
	Target string
	// UpdateDependents adds update+test steps for every downstream
	// project. Defaults to true via PlanRelease.
	UpdateDependents bool
	// PushToRemote appends push steps and marks the scope remote.
	PushToRemote bool
}

// DefaultReleaseOptions returns the standard release shape.
func DefaultReleaseOptions() ReleaseOptions {
	return ReleaseOptions{
		Source:           "develop",
		Target:           "main",
		UpdateDependents: true,
	}
}

// Coordinator plans multi-project releases over the dependency graph.
type Coordinator struct {
	graph *graph.Graph
}

// NewCoordinator builds a release coordinator.
func NewCoordinator(g *graph.Graph) *Coordinator {
	return &Coordinator{graph: g}
}

// PlanRelease emits the deterministic release step sequence for a
// project: test, merge, tag, then per-downstream updates and optional
// pushes, wired with dependencies.
func (c *Coordinator) PlanRelease(project, version string, opts ReleaseOptions) (dispatch.Plan, error) {
	if !c.graph.Has(project) {
		return dispatch.Plan{}, fmt.Errorf("unknown project %q", project)
	}
	if version == "" {
		return dispatch.Plan{}, fmt.Errorf("version is required")
	}
	if opts.Source == "" {
		opts.Source = "develop"
	}
	if opts.Target == "" {
		opts.Target = "main"
	}

	steps := []dispatch.Step{
		{ID: "test-" + project, Action: "validate tests", Project: project},
		{ID: "merge-" + project, Action: fmt.Sprintf("merge %s to %s", opts.Source, opts.Target),
			Project: project, DependsOn: []string{"test-" + project}},
		{ID: "tag-" + project, Action: "tag " + version,
			Project: project, DependsOn: []string{"merge-" + project}},
	}
	tagID := "tag-" + project

	var downstream []string
	if opts.UpdateDependents {
		downstream = c.downstreamInOrder(project)
		for _, d := range downstream {
			steps = append(steps,
				dispatch.Step{
					ID:        "update-" + d,
					Action:    fmt.Sprintf("update %s to %s", project, version),
					Project:   d,
					DependsOn: []string{tagID},
				},
				dispatch.Step{
					ID:        "test-" + d,
					Action:    "validate tests",
					Project:   d,
					DependsOn: []string{tagID},
				})
		}
	}

	if opts.PushToRemote {
		pushDeps := []string{tagID}
		for _, d := range downstream {
			pushDeps = append(pushDeps, "test-"+d)
		}
		pushID := "push-" + project
		steps = append(steps, dispatch.Step{
			ID: pushID, Action: "push", Project: project, DependsOn: pushDeps,
		})
		for _, d := range downstream {
			steps = append(steps, dispatch.Step{
				ID: "push-" + d, Action: "push", Project: d, DependsOn: []string{pushID},
			})
		}
	}

	return finishPlan(dispatch.Plan{
		ID:          uuid.New().String(),
		Description: fmt.Sprintf("release %s %s", project, version),
		Steps:       steps,
		Scope: govern.ActionScope{
			Projects:        c.graph.AffectedBy(project),
			Branches:        []string{opts.Source, opts.Target},
			AffectsRemote:   opts.PushToRemote,
			EstimatedImpact: govern.ImpactHigh,
		},
		RequiresApproval: true,
	}), nil
}

// downstreamInOrder returns the project's downstream set in release order.
func (c *Coordinator) downstreamInOrder(project string) []string {
	downstream := make(map[string]bool)
	for _, d := range c.graph.Downstream(project) {
		downstream[d] = true
	}

	order, err := c.graph.ReleaseOrder()
	if err != nil {
		// The graph constructor already rejects cycles.
		return c.graph.Downstream(project)
	}

	var out []string
	for _, p := range order {
		if downstream[p] {
			out = append(out, p)
		}
	}
	return out
}
