package dispatch

import (
	"time"

	"github.com/c360studio/overlord/govern"
	"github.com/c360studio/overlord/worker"
)

// Step is one unit of work inside a plan. A step either routes to a
// worker (ModelTier set) or maps to a direct command via the phrase table.
type Step struct {
	ID        string
	Action    string
	Project   string
	ModelTier worker.Tier
	DependsOn []string
	// Timeout bounds direct command execution. Zero means no bound.
	Timeout time.Duration
}

// Plan is an ordered set of steps with a shared blast-radius scope.
type Plan struct {
	ID                string
	Description       string
	Steps             []Step
	Scope             govern.ActionScope
	EstimatedDuration time.Duration
	RequiresApproval  bool
}

// PlanStatus is the terminal state of a plan execution.
type PlanStatus string

// Plan execution outcomes.
const (
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// StepStatus is the outcome of one step.
type StepStatus string

// Step outcomes. Simulated steps were acknowledged without running
// because the project directory is absent or not a repository.
const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSimulated StepStatus = "simulated"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records one step outcome.
type StepResult struct {
	StepID string
	Action string
	Status StepStatus
	Output string
	Error  string
}

// PlanResult is the overall outcome of Engine.Execute.
type PlanResult struct {
	Status PlanStatus
	Reason string
	Steps  []StepResult
}
