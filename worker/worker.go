// Package worker defines the uniform execution contract between the
// dispatcher and LLM worker backends, plus the three concrete
// backends: subprocess (CLI binary), HTTP (OpenAI-compatible) and SDK
// (Anthropic REST).
//
// Workers never return a Go error across the Execute boundary:
// transport failures, timeouts and non-zero exits all surface as
// Result{Success: false, Error: "..."}.
package worker

import (
	"errors"
	"time"

	"github.com/c360studio/overlord/config"
)

// Worker kinds, reported in Result.WorkerType.
const (
	TypeSubprocess = "subprocess"
	TypeHTTP       = "http"
	TypeSDK        = "sdk"
)

// ErrUnavailable is returned by the selector when no worker can take
// the task.
var ErrUnavailable = errors.New("no worker available")

// Request is one execution handed to a worker.
type Request struct {
	// Prompt is the full instruction text.
	Prompt string
	// ProjectPath is the working directory for the execution.
	ProjectPath string
	// TaskType feeds per-task-type model overrides.
	TaskType string
	// Model overrides the configured model when non-empty.
	Model string
}

// Result is the outcome of one worker execution.
type Result struct {
	Success      bool
	Output       string
	Error        string
	Duration     time.Duration
	ModelUsed    string
	WorkerType   string
	TokensInput  int
	TokensOutput int
	TokensTotal  int
}

// Worker is a pluggable LLM execution backend.
type Worker interface {
	// Name is the configured worker name (claude, gemini, local).
	Name() string
	// Available reports whether the worker is ready to accept work.
	Available() bool
	// Execute runs one task. Failures are reported in the Result,
	// never as a panic or error.
	Execute(req Request) Result
}

// resolveModel applies the selection priority:
// explicit > task-type override > default.
func resolveModel(cfg config.WorkerConfig, taskType, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if m, ok := cfg.ModelOverrides[taskType]; ok && m != "" {
		return m
	}
	return cfg.DefaultModel
}

// failure builds a failed Result with the common fields set.
func failure(workerType, model string, start time.Time, msg string) Result {
	return Result{
		Success:    false,
		Error:      msg,
		Duration:   time.Since(start),
		ModelUsed:  model,
		WorkerType: workerType,
	}
}
