// Package govern implements Overlord's pre-execution safety gates:
// blast-radius scope evaluation, autonomy-level policy, and the
// deterministic governance rule engine.
package govern

import (
	"github.com/c360studio/overlord/config"
)

// Impact grades the blast radius of an action.
type Impact string

// Impact levels.
const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// Valid reports whether the impact is a known value.
func (i Impact) Valid() bool {
	switch i {
	case ImpactLow, ImpactMedium, ImpactHigh:
		return true
	}
	return false
}

// atLeast reports whether i is at or above other.
func (i Impact) atLeast(other Impact) bool {
	return i.rank() >= other.rank()
}

func (i Impact) rank() int {
	switch i {
	case ImpactLow:
		return 0
	case ImpactMedium:
		return 1
	case ImpactHigh:
		return 2
	}
	return 0
}

// ActionScope describes the blast radius of a proposed action.
// It is a value type, never persisted.
type ActionScope struct {
	// Projects are the project names the action touches.
	Projects []string
	// Branches are the git branches the action touches.
	Branches []string
	// Destructive means the action deletes or rewrites state.
	Destructive bool
	// Reversible means the action can be undone locally.
	Reversible bool
	// AffectsRemote means the action pushes beyond the local machine.
	AffectsRemote bool
	// EstimatedImpact grades the blast radius.
	EstimatedImpact Impact
}

// Verdict is the outcome of a scope evaluation.
type Verdict struct {
	Approved bool
	Reason   string
	// EscalationRequired means a human should be asked via a proposal.
	EscalationRequired bool
}

// Evaluate decides whether an action with the given scope may proceed
// under an autonomy level.
func Evaluate(scope ActionScope, level config.AutonomyLevel) Verdict {
	// Destructive remote actions are never self-approved.
	if scope.Destructive && scope.AffectsRemote {
		return Verdict{
			Approved:           false,
			Reason:             "destructive action affecting remote requires approval",
			EscalationRequired: true,
		}
	}

	switch level {
	case config.AutonomyCautious:
		if scope.EstimatedImpact == ImpactLow && !scope.AffectsRemote {
			return Verdict{Approved: true, Reason: "low-impact local action under cautious autonomy"}
		}
		return Verdict{
			Approved:           false,
			Reason:             "cautious autonomy approves only low-impact local actions",
			EscalationRequired: scope.EstimatedImpact.atLeast(ImpactMedium),
		}

	case config.AutonomyProactive:
		if scope.EstimatedImpact == ImpactLow {
			return Verdict{Approved: true, Reason: "low-impact action under proactive autonomy"}
		}
		return Verdict{
			Approved:           false,
			Reason:             "proactive autonomy approves only low-impact actions",
			EscalationRequired: scope.EstimatedImpact == ImpactHigh,
		}

	case config.AutonomyScheduled:
		if scope.EstimatedImpact == ImpactLow {
			return Verdict{Approved: true, Reason: "low-impact action under scheduled autonomy"}
		}
		if scope.EstimatedImpact == ImpactMedium && !scope.AffectsRemote {
			return Verdict{Approved: true, Reason: "medium-impact local action under scheduled autonomy"}
		}
		return Verdict{
			Approved:           false,
			Reason:             "scheduled autonomy rejects high-impact or remote actions",
			EscalationRequired: true,
		}
	}

	return Verdict{
		Approved:           false,
		Reason:             "unknown autonomy level",
		EscalationRequired: true,
	}
}

// ShouldEscalate reports whether the scope warrants a human decision
// independent of the autonomy level.
func ShouldEscalate(scope ActionScope) bool {
	if scope.Destructive && scope.AffectsRemote {
		return true
	}
	if scope.EstimatedImpact == ImpactHigh && len(scope.Projects) > 1 {
		return true
	}
	return false
}
