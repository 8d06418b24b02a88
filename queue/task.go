// Package queue implements the durable Overlord work queue.
//
// Tasks move through a fixed state machine; every transition appends an
// audit log row in the same transaction. The store also keeps dispatch
// results and the daily cost ledger. Single process, single writer:
// cross-process coordination is out of scope.
package queue

import "time"

// Status is a work queue task state.
type Status string

// Task lifecycle states.
const (
	StatusBacklog    Status = "backlog"
	StatusActive     Status = "active"
	StatusDispatched Status = "dispatched"
	StatusInReview   Status = "in_review"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusActive, StatusDispatched, StatusInReview, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// transitions is the permitted state machine. completed is terminal.
var transitions = map[Status][]Status{
	StatusBacklog:    {StatusActive, StatusFailed},
	StatusActive:     {StatusDispatched, StatusBacklog, StatusFailed},
	StatusDispatched: {StatusInReview, StatusFailed},
	StatusInReview:   {StatusCompleted, StatusFailed, StatusActive},
	StatusFailed:     {StatusBacklog},
	StatusCompleted:  {},
}

// CanTransitionTo reports whether the state machine permits s -> target.
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Priority is a task priority.
type Priority string

// Task priorities.
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Task is the primary work queue entity.
type Task struct {
	ID             string
	Title          string
	Project        string
	Description    string
	Status         Status
	Priority       Priority
	Complexity     string
	ExternalID     string
	ExternalSource string
	LockedBy       string
	LockedAt       time.Time
	RetryCount     int
	MirrorPath     string
	// TokenBudget is a per-task ceiling. nil means no per-task budget.
	TokenBudget *int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Locked reports whether the task is currently held by a worker.
func (t *Task) Locked() bool {
	return t.LockedBy != ""
}

// LogEntry is one row of the append-only task audit trail.
type LogEntry struct {
	TaskID    string
	OldStatus Status
	NewStatus Status
	ChangedBy string
	Reason    string
	CreatedAt time.Time
}

// ReviewStatus is the outcome of the post-execution review.
type ReviewStatus string

// Review outcomes. Empty means no review was attempted.
const (
	ReviewPassed  ReviewStatus = "passed"
	ReviewFailed  ReviewStatus = "failed"
	ReviewSkipped ReviewStatus = "skipped"
	ReviewNone    ReviewStatus = ""
)

// Valid reports whether the review status is a known value.
func (r ReviewStatus) Valid() bool {
	switch r {
	case ReviewPassed, ReviewFailed, ReviewSkipped, ReviewNone:
		return true
	}
	return false
}

// DispatchResult records one execution attempt of a task.
type DispatchResult struct {
	ID               int64
	TaskID           string
	WorkerID         string
	ModelID          string
	BranchName       string
	MissionBriefPath string
	ReviewStatus     ReviewStatus
	TokensUsed       int
	// UsageStats is an opaque structured blob surfaced by the worker.
	UsageStats map[string]any
	OutputLog  string
	CreatedAt  time.Time
}

// DailyUsage is one cost ledger row, keyed by UTC date.
type DailyUsage struct {
	Date             string
	TokensInput      int
	TokensOutput     int
	EstimatedCostUSD float64
	CeilingUSD       float64
	UpdatedAt        time.Time
}

// NewTask holds the caller-supplied fields for AddTask.
type NewTask struct {
	Title          string
	Project        string
	Description    string
	Priority       Priority
	Complexity     string
	ExternalID     string
	ExternalSource string
	TokenBudget    *int
}
