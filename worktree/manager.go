// Package worktree manages bare mirrors and task-scoped git worktrees.
//
// Each project gets one bare clone under the mirror root; every task gets
// an exclusive worktree at <worktree_root>/<project>/<first-8-of-task-id>
// on a branch named atom/<first-8-of-task-id>.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// BranchPrefix is the prefix of every task branch.
const BranchPrefix = "atom/"

// allowedProtocols defines the git URL protocols that are permitted for cloning.
var allowedProtocols = map[string]bool{
	"https": true,
	"git":   true,
	"ssh":   true,
}

// validateRemoteURL validates that a git URL uses an allowed protocol.
func validateRemoteURL(rawURL string) error {
	// SSH shorthand (git@github.com:owner/repo.git)
	if strings.HasPrefix(rawURL, "git@") {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !allowedProtocols[scheme] {
		return fmt.Errorf("protocol %q not allowed; must be https, git, or ssh", scheme)
	}
	return nil
}

// ShortID returns the first eight characters of a task id, used in
// worktree directory and branch names.
func ShortID(taskID string) string {
	if len(taskID) > 8 {
		return taskID[:8]
	}
	return taskID
}

// BranchName derives the task branch name from a task id.
func BranchName(taskID string) string {
	return BranchPrefix + ShortID(taskID)
}

// Manager provisions and removes task worktrees backed by bare mirrors.
type Manager struct {
	mirrorRoot   string
	worktreeRoot string
	logger       *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager over the given mirror and worktree roots.
func NewManager(mirrorRoot, worktreeRoot string, opts ...Option) *Manager {
	m := &Manager{
		mirrorRoot:   mirrorRoot,
		worktreeRoot: worktreeRoot,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MirrorPath returns the bare clone location for a project.
func (m *Manager) MirrorPath(project string) string {
	return filepath.Join(m.mirrorRoot, project+".git")
}

// WorktreePath returns the worktree location for a task.
func (m *Manager) WorktreePath(project, taskID string) string {
	return filepath.Join(m.worktreeRoot, project, ShortID(taskID))
}

// Provision ensures the project mirror exists (cloning or fetching as
// needed) and adds a worktree for the task on its derived branch.
// Provisioning an already-provisioned task returns the existing path.
func (m *Manager) Provision(ctx context.Context, project, remote, taskID string) (string, error) {
	if project == "" || taskID == "" {
		return "", fmt.Errorf("project and task id are required")
	}

	if err := m.ensureMirror(ctx, project, remote); err != nil {
		return "", err
	}

	wtPath := m.WorktreePath(project, taskID)
	if _, err := os.Stat(wtPath); err == nil {
		m.logger.Debug("Worktree already provisioned", "task_id", taskID, "path", wtPath)
		return wtPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(wtPath), 0o755); err != nil {
		return "", fmt.Errorf("create worktree parent: %w", err)
	}

	branch := BranchName(taskID)
	mirror := m.MirrorPath(project)

	// -b fails if the branch survived an earlier cleanup; reattach to it.
	if _, err := m.git(ctx, mirror, "worktree", "add", "-b", branch, wtPath); err != nil {
		if _, retryErr := m.git(ctx, mirror, "worktree", "add", wtPath, branch); retryErr != nil {
			return "", fmt.Errorf("add worktree for task %s: %w", taskID, err)
		}
	}

	m.logger.Info("Provisioned worktree",
		"project", project,
		"task_id", taskID,
		"branch", branch,
		"path", wtPath)
	return wtPath, nil
}

// Cleanup removes a task's worktree. The task branch is kept; merged
// branches are reaped by the stale-branch sweep.
func (m *Manager) Cleanup(ctx context.Context, project, taskID string) error {
	wtPath := m.WorktreePath(project, taskID)
	if _, err := os.Stat(wtPath); os.IsNotExist(err) {
		return nil
	}

	mirror := m.MirrorPath(project)
	if _, err := m.git(ctx, mirror, "worktree", "remove", "--force", wtPath); err != nil {
		return fmt.Errorf("remove worktree %s: %w", wtPath, err)
	}
	m.logger.Info("Removed worktree", "project", project, "task_id", taskID)
	return nil
}

// CleanupProject removes every worktree of a project.
func (m *Manager) CleanupProject(ctx context.Context, project string) error {
	dir := filepath.Join(m.worktreeRoot, project)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list worktrees for %s: %w", project, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := m.Cleanup(ctx, project, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

// Worktrees lists the task ids (short form) with a live worktree for a project.
func (m *Manager) Worktrees(project string) ([]string, error) {
	dir := filepath.Join(m.worktreeRoot, project)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// MergedTaskBranches lists task branches already merged into base in the
// project mirror. These are stale-branch cleanup candidates.
func (m *Manager) MergedTaskBranches(ctx context.Context, project, base string) ([]string, error) {
	mirror := m.MirrorPath(project)
	out, err := m.git(ctx, mirror, "branch", "--merged", base, "--list", BranchPrefix+"*", "--format", "%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("list merged branches for %s: %w", project, err)
	}

	var branches []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// DeleteBranch removes a task branch from the project mirror.
func (m *Manager) DeleteBranch(ctx context.Context, project, branch string) error {
	if !strings.HasPrefix(branch, BranchPrefix) {
		return fmt.Errorf("refusing to delete non-task branch %q", branch)
	}
	mirror := m.MirrorPath(project)
	if _, err := m.git(ctx, mirror, "branch", "-D", branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}

// ensureMirror clones the bare mirror if missing, otherwise fetches.
func (m *Manager) ensureMirror(ctx context.Context, project, remote string) error {
	mirror := m.MirrorPath(project)
	if _, err := os.Stat(mirror); err == nil {
		if _, err := m.git(ctx, mirror, "fetch", "--prune", "origin"); err != nil {
			// A stale mirror is usable; the fetch failure is worth surfacing.
			m.logger.Warn("Mirror fetch failed", "project", project, "error", err)
		}
		return nil
	}

	if remote == "" {
		return fmt.Errorf("project %s has no mirror and no remote to clone", project)
	}
	if err := validateRemoteURL(remote); err != nil {
		return fmt.Errorf("remote for %s: %w", project, err)
	}
	if err := os.MkdirAll(m.mirrorRoot, 0o755); err != nil {
		return fmt.Errorf("create mirror root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--bare", remote, mirror)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("clone mirror for %s: %w: %s", project, err, string(out))
	}
	m.logger.Info("Cloned mirror", "project", project, "path", mirror)
	return nil
}

// git runs a git command against a repository directory.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}
