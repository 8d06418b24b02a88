package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/dispatch"
	"github.com/c360studio/overlord/govern"
	"github.com/c360studio/overlord/graph"
)

// core <- api <- web, core <- cli
func releaseGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.New(map[string][]string{
		"core": nil,
		"api":  {"core"},
		"web":  {"api"},
		"cli":  {"core"},
	})
	require.NoError(t, err)
	return g
}

func stepByID(t *testing.T, plan dispatch.Plan, id string) dispatch.Step {
	t.Helper()
	for _, s := range plan.Steps {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("step %s not in plan %v", id, stepIDs(plan.Steps))
	return dispatch.Step{}
}

func TestPlanReleaseBaseSequence(t *testing.T) {
	c := NewCoordinator(releaseGraph(t))

	plan, err := c.PlanRelease("web", "1.2.0", ReleaseOptions{})
	require.NoError(t, err)

	// web has no downstream; just test, merge, tag.
	assert.Equal(t, []string{"test-web", "merge-web", "tag-web"}, stepIDs(plan.Steps))
	assert.Equal(t, "validate tests", plan.Steps[0].Action)
	assert.Equal(t, "merge develop to main", plan.Steps[1].Action)
	assert.Equal(t, []string{"test-web"}, plan.Steps[1].DependsOn)
	assert.Equal(t, "tag 1.2.0", plan.Steps[2].Action)
	assert.Equal(t, []string{"merge-web"}, plan.Steps[2].DependsOn)

	assert.True(t, plan.RequiresApproval)
	assert.Equal(t, govern.ImpactHigh, plan.Scope.EstimatedImpact)
	assert.False(t, plan.Scope.AffectsRemote)
	assert.Equal(t, []string{"web"}, plan.Scope.Projects)
}

func TestPlanReleaseUpdatesDependentsInOrder(t *testing.T) {
	c := NewCoordinator(releaseGraph(t))

	plan, err := c.PlanRelease("core", "2.0.0", ReleaseOptions{UpdateDependents: true})
	require.NoError(t, err)

	ids := stepIDs(plan.Steps)
	// api before web (release order); cli is independent of api/web.
	apiIdx := indexOf(ids, "update-api")
	webIdx := indexOf(ids, "update-web")
	require.GreaterOrEqual(t, apiIdx, 0)
	require.GreaterOrEqual(t, webIdx, 0)
	assert.Less(t, apiIdx, webIdx)
	assert.Contains(t, ids, "update-cli")

	update := stepByID(t, plan, "update-api")
	assert.Equal(t, "update core to 2.0.0", update.Action)
	assert.Equal(t, []string{"tag-core"}, update.DependsOn)

	test := stepByID(t, plan, "test-api")
	assert.Equal(t, []string{"tag-core"}, test.DependsOn)

	assert.ElementsMatch(t, []string{"core", "api", "web", "cli"}, plan.Scope.Projects)
}

func TestPlanReleasePush(t *testing.T) {
	c := NewCoordinator(releaseGraph(t))

	plan, err := c.PlanRelease("core", "2.0.0", ReleaseOptions{
		UpdateDependents: true,
		PushToRemote:     true,
	})
	require.NoError(t, err)
	assert.True(t, plan.Scope.AffectsRemote)

	push := stepByID(t, plan, "push-core")
	assert.Contains(t, push.DependsOn, "tag-core")
	assert.Contains(t, push.DependsOn, "test-api")
	assert.Contains(t, push.DependsOn, "test-web")
	assert.Contains(t, push.DependsOn, "test-cli")

	downstreamPush := stepByID(t, plan, "push-api")
	assert.Equal(t, []string{"push-core"}, downstreamPush.DependsOn)
}

func TestPlanReleaseDefaults(t *testing.T) {
	c := NewCoordinator(releaseGraph(t))

	plan, err := c.PlanRelease("web", "1.0.0", DefaultReleaseOptions())
	require.NoError(t, err)
	assert.Equal(t, "merge develop to main", stepByID(t, plan, "merge-web").Action)
	assert.Equal(t, []string{"develop", "main"}, plan.Scope.Branches)
}

func TestPlanReleaseValidation(t *testing.T) {
	c := NewCoordinator(releaseGraph(t))

	_, err := c.PlanRelease("ghost", "1.0.0", ReleaseOptions{})
	assert.Error(t, err)

	_, err = c.PlanRelease("core", "", ReleaseOptions{})
	assert.Error(t, err)
}

func TestReleasePlanIsExecutableOrder(t *testing.T) {
	c := NewCoordinator(releaseGraph(t))

	plan, err := c.PlanRelease("core", "2.0.0", ReleaseOptions{
		UpdateDependents: true,
		PushToRemote:     true,
	})
	require.NoError(t, err)

	// The engine finds a valid topological order and, with no project
	// directories on disk, simulates every step to completion.
	cfg := config.DefaultConfig()
	cfg.Projects = map[string]config.ProjectConfig{
		"core": {}, "api": {}, "web": {}, "cli": {},
	}
	e := dispatch.NewEngine(cfg, nil, nil)
	res := e.Execute(context.Background(), plan, true)
	assert.Equal(t, dispatch.PlanCompleted, res.Status)
	assert.Len(t, res.Steps, len(plan.Steps))
}

func indexOf(list []string, want string) int {
	for i, s := range list {
		if s == want {
			return i
		}
	}
	return -1
}
