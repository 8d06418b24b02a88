package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RepoStatus is a snapshot of one checked-out repository.
type RepoStatus struct {
	Path        string
	Branch      string
	Dirty       bool
	HasTests    bool
	MirrorFresh bool
}

// testManifests are files whose presence suggests the project has a test
// entry point the worker can run.
var testManifests = []string{
	"Makefile",
	"go.mod",
	"package.json",
	"pyproject.toml",
	"Cargo.toml",
}

// Inspect probes a checked-out repository at path.
func Inspect(ctx context.Context, path string) (RepoStatus, error) {
	status := RepoStatus{Path: path}

	branch, err := repoGit(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return status, err
	}
	status.Branch = strings.TrimSpace(branch)

	porcelain, err := repoGit(ctx, path, "status", "--porcelain")
	if err != nil {
		return status, err
	}
	status.Dirty = strings.TrimSpace(porcelain) != ""

	status.HasTests = HasTestManifest(path)
	return status, nil
}

// HasTestManifest reports whether the directory carries one of the
// known build manifests.
func HasTestManifest(path string) bool {
	for _, manifest := range testManifests {
		if _, err := os.Stat(filepath.Join(path, manifest)); err == nil {
			return true
		}
	}
	return false
}

// IsRepo reports whether path is inside a git repository.
func IsRepo(path string) bool {
	cmd := exec.Command("git", "-C", path, "rev-parse", "--git-dir")
	return cmd.Run() == nil
}

func repoGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), err
	}
	return string(output), nil
}
