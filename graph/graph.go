// Package graph models the project dependency DAG derived from the
// project registry. The graph is immutable after construction; all
// queries are O(V+E).
package graph

import (
	"fmt"
	"sort"
)

// CycleError is returned when the registry contains a dependency cycle.
type CycleError struct {
	Remaining int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular project dependency detected: %d projects could not be ordered", e.Remaining)
}

// Graph is the immutable project dependency DAG.
type Graph struct {
	// dependsOn maps project -> its upstream dependencies.
	dependsOn map[string][]string
	// dependents maps project -> projects that depend on it.
	dependents map[string][]string
}

// New builds a graph from project -> depends_on lists. Unknown
// dependency names are an error.
func New(dependsOn map[string][]string) (*Graph, error) {
	g := &Graph{
		dependsOn:  make(map[string][]string, len(dependsOn)),
		dependents: make(map[string][]string, len(dependsOn)),
	}

	for name := range dependsOn {
		g.dependsOn[name] = nil
		g.dependents[name] = nil
	}
	for name, deps := range dependsOn {
		for _, dep := range deps {
			if _, exists := g.dependsOn[dep]; !exists {
				return nil, fmt.Errorf("project %s depends on unknown project %s", name, dep)
			}
			g.dependsOn[name] = append(g.dependsOn[name], dep)
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}

	// Deterministic neighbor order regardless of map iteration.
	for name := range g.dependsOn {
		sort.Strings(g.dependsOn[name])
		sort.Strings(g.dependents[name])
	}

	// Reject cycles up front so queries never have to.
	if _, err := g.ReleaseOrder(); err != nil {
		return nil, err
	}

	return g, nil
}

// Has reports whether the project is in the graph.
func (g *Graph) Has(project string) bool {
	_, ok := g.dependsOn[project]
	return ok
}

// Projects returns all project names in sorted order.
func (g *Graph) Projects() []string {
	names := make([]string, 0, len(g.dependsOn))
	for name := range g.dependsOn {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DependsOn returns the direct upstream dependencies of a project.
func (g *Graph) DependsOn(project string) []string {
	return append([]string(nil), g.dependsOn[project]...)
}

// Upstream returns every project p transitively depends on, excluding
// p itself. BFS over depends_on edges.
func (g *Graph) Upstream(project string) []string {
	return g.bfs(project, g.dependsOn)
}

// Downstream returns every project that transitively depends on p,
// excluding p itself. BFS over reverse edges.
func (g *Graph) Downstream(project string) []string {
	return g.bfs(project, g.dependents)
}

// AffectedBy returns p followed by everything downstream of it: the
// full blast radius of a change to p.
func (g *Graph) AffectedBy(project string) []string {
	return append([]string{project}, g.Downstream(project)...)
}

// ReleaseOrder returns a topological ordering of all projects such
// that every dependency precedes its dependents (Kahn's algorithm).
// Ties break alphabetically so the order is deterministic.
func (g *Graph) ReleaseOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.dependsOn))
	for name, deps := range g.dependsOn {
		inDegree[name] = len(deps)
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.dependsOn))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)

		var unblocked []string
		for _, dependent := range g.dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				unblocked = append(unblocked, dependent)
			}
		}
		sort.Strings(unblocked)
		queue = append(queue, unblocked...)
	}

	if len(order) != len(g.dependsOn) {
		return nil, &CycleError{Remaining: len(g.dependsOn) - len(order)}
	}
	return order, nil
}

// Subgraph projects the graph onto the given set, keeping only edges
// with both endpoints in it.
func (g *Graph) Subgraph(projects []string) *Graph {
	keep := make(map[string]bool, len(projects))
	for _, p := range projects {
		if g.Has(p) {
			keep[p] = true
		}
	}

	sub := &Graph{
		dependsOn:  make(map[string][]string, len(keep)),
		dependents: make(map[string][]string, len(keep)),
	}
	for name := range keep {
		sub.dependsOn[name] = nil
		sub.dependents[name] = nil
	}
	for name := range keep {
		for _, dep := range g.dependsOn[name] {
			if keep[dep] {
				sub.dependsOn[name] = append(sub.dependsOn[name], dep)
				sub.dependents[dep] = append(sub.dependents[dep], name)
			}
		}
	}
	for name := range sub.dependsOn {
		sort.Strings(sub.dependsOn[name])
		sort.Strings(sub.dependents[name])
	}
	return sub
}

// bfs walks edges from start, returning every reached node except
// start itself, in sorted order.
func (g *Graph) bfs(start string, edges map[string][]string) []string {
	if _, ok := edges[start]; !ok {
		return nil
	}

	visited := map[string]bool{start: true}
	queue := append([]string(nil), edges[start]...)
	var result []string

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true
		result = append(result, name)
		queue = append(queue, edges[name]...)
	}

	sort.Strings(result)
	return result
}
