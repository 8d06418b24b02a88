package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/c360studio/overlord/config"
)

// Subprocess runs an installed agent CLI binary.
// Command shape: <binary> -p <prompt> --model <model> --print.
type Subprocess struct {
	name   string
	cfg    config.WorkerConfig
	logger *slog.Logger
}

// NewSubprocess builds a subprocess worker from config.
func NewSubprocess(name string, cfg config.WorkerConfig, logger *slog.Logger) *Subprocess {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subprocess{name: name, cfg: cfg, logger: logger}
}

// Name returns the configured worker name.
func (w *Subprocess) Name() string {
	return w.name
}

// Available reports whether the binary resolves on PATH (or exists as
// an absolute path).
func (w *Subprocess) Available() bool {
	if !w.cfg.Enabled || w.cfg.BinaryPath == "" {
		return false
	}
	_, err := exec.LookPath(w.cfg.BinaryPath)
	return err == nil
}

// Execute invokes the binary with the prompt, bounded by the
// configured timeout.
func (w *Subprocess) Execute(req Request) Result {
	start := time.Now()
	model := resolveModel(w.cfg, req.TaskType, req.Model)

	timeout := w.cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.cfg.BinaryPath, "-p", req.Prompt, "--model", model, "--print")
	if req.ProjectPath != "" {
		if _, err := os.Stat(req.ProjectPath); err == nil {
			cmd.Dir = req.ProjectPath
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	w.logger.Debug("Running subprocess worker",
		"worker", w.name, "binary", w.cfg.BinaryPath, "model", model, "dir", cmd.Dir)

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure(TypeSubprocess, model, start,
			fmt.Sprintf("timed out after %s", timeout))
	}
	if err != nil {
		msg := err.Error()
		if stderr.Len() > 0 {
			msg = fmt.Sprintf("%s: %s", msg, stderr.String())
		}
		return failure(TypeSubprocess, model, start, msg)
	}

	return Result{
		Success:    true,
		Output:     stdout.String(),
		Duration:   time.Since(start),
		ModelUsed:  model,
		WorkerType: TypeSubprocess,
	}
}
