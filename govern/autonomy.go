package govern

import (
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/overlord/config"
)

// Autonomy resolves effective autonomy levels and decides what may run
// unattended. The global level is mutable at runtime (chat command);
// overrides and pre-approved lists are fixed at load.
type Autonomy struct {
	mu          sync.RWMutex
	global      config.AutonomyLevel
	overrides   map[string]config.AutonomyLevel
	preApproved map[string][]string
}

// NewAutonomy builds the autonomy resolver from configuration.
func NewAutonomy(cfg config.AutonomyConfig) *Autonomy {
	return &Autonomy{
		global:      cfg.Global,
		overrides:   cfg.Overrides,
		preApproved: cfg.PreApproved,
	}
}

// Global returns the current global autonomy level.
func (a *Autonomy) Global() config.AutonomyLevel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.global
}

// SetGlobal changes the global level for the life of the process.
func (a *Autonomy) SetGlobal(level config.AutonomyLevel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.global = level
}

// Reload replaces overrides and pre-approved lists, keeping the
// runtime global level.
func (a *Autonomy) Reload(cfg config.AutonomyConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.overrides = cfg.Overrides
	a.preApproved = cfg.PreApproved
}

// Effective resolves the autonomy level for a project.
func (a *Autonomy) Effective(project string) config.AutonomyLevel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if level, ok := a.overrides[project]; ok {
		return level
	}
	return a.global
}

// EvaluateFor evaluates a scope under the effective level of the
// single project it names, or the global level for multi-project scopes.
func (a *Autonomy) EvaluateFor(scope ActionScope) Verdict {
	level := a.Global()
	if len(scope.Projects) == 1 {
		level = a.Effective(scope.Projects[0])
	}
	return Evaluate(scope, level)
}

// CanAutoExecute reports whether the named action may run without a
// proposal. The effective level comes from the project when given,
// otherwise the global level.
func (a *Autonomy) CanAutoExecute(action string, scope ActionScope, project string) bool {
	level := a.Global()
	if project != "" {
		level = a.Effective(project)
	}

	switch level {
	case config.AutonomyCautious:
		return false

	case config.AutonomyProactive:
		// Safe-local only.
		return !scope.Destructive &&
			scope.Reversible &&
			!scope.AffectsRemote &&
			!scope.EstimatedImpact.atLeast(ImpactHigh)

	case config.AutonomyScheduled:
		// The action must be pre-approved for every project in scope.
		if len(scope.Projects) == 0 {
			return false
		}
		for _, p := range scope.Projects {
			if !a.isPreApproved(p, action) {
				return false
			}
		}
		return true
	}

	return false
}

// isPreApproved matches the action against the project's pre-approved
// patterns. Patterns are doublestar globs ("run tests", "release *").
func (a *Autonomy) isPreApproved(project, action string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, pattern := range a.preApproved[project] {
		if ok, err := doublestar.Match(pattern, action); err == nil && ok {
			return true
		}
	}
	return false
}
