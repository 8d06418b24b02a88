// Package tracker ingests external issue-tracker items into the work
// queue. The GitHub syncer shells out to the gh CLI.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/c360studio/overlord/queue"
)

// DefaultLabel filters which issues the syncer picks up.
const DefaultLabel = "overlord"

// issue mirrors the gh issue list JSON fields we request.
type issue struct {
	Number int          `json:"number"`
	Title  string       `json:"title"`
	Body   string       `json:"body"`
	Labels []issueLabel `json:"labels"`
}

type issueLabel struct {
	Name string `json:"name"`
}

// Runner executes the gh CLI and returns stdout.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

func ghRunner(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("gh %s: %w: %s", strings.Join(args, " "), err, string(ee.Stderr))
		}
		return nil, fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// Syncer pulls labeled GitHub issues into the queue.
type Syncer struct {
	store  *queue.Store
	runner Runner
	logger *slog.Logger
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithRunner replaces the gh CLI invocation.
func WithRunner(r Runner) SyncerOption {
	return func(s *Syncer) {
		s.runner = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SyncerOption {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// NewSyncer builds a GitHub issue syncer over the queue store.
func NewSyncer(store *queue.Store, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		store:  store,
		runner: ghRunner,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	Created int
	Updated int
}

// Sync upserts open issues carrying the label from the project remote.
func (s *Syncer) Sync(ctx context.Context, project, remote, label string) (SyncResult, error) {
	var result SyncResult
	if remote == "" {
		return result, fmt.Errorf("project %s has no remote", project)
	}
	if label == "" {
		label = DefaultLabel
	}

	out, err := s.runner(ctx,
		"issue", "list",
		"--repo", repoFromRemote(remote),
		"--label", label,
		"--state", "open",
		"--json", "number,title,body,labels")
	if err != nil {
		return result, err
	}

	var issues []issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return result, fmt.Errorf("parse gh output: %w", err)
	}

	source := "github:" + remote
	for _, is := range issues {
		id, created, err := s.store.UpsertFromGithub(ctx, queue.GithubUpsert{
			ExternalID:     strconv.Itoa(is.Number),
			ExternalSource: source,
			Title:          is.Title,
			Project:        project,
			Description:    is.Body,
			Priority:       priorityFromLabels(is.Labels),
		})
		if err != nil {
			return result, fmt.Errorf("upsert issue #%d: %w", is.Number, err)
		}
		if created {
			result.Created++
			s.logger.Info("Issue ingested", "task_id", id, "issue", is.Number, "project", project)
		} else {
			result.Updated++
		}
	}
	return result, nil
}

// priorityFromLabels maps tracker labels to queue priorities.
func priorityFromLabels(labels []issueLabel) queue.Priority {
	for _, l := range labels {
		switch strings.ToLower(l.Name) {
		case "critical", "p0":
			return queue.PriorityCritical
		case "high-priority", "p1":
			return queue.PriorityHigh
		case "low-priority", "p3":
			return queue.PriorityLow
		}
	}
	return queue.PriorityMedium
}

// repoFromRemote reduces a git remote URL to the owner/repo form gh wants.
func repoFromRemote(remote string) string {
	r := strings.TrimSuffix(remote, ".git")
	if i := strings.Index(r, "github.com:"); i >= 0 {
		return r[i+len("github.com:"):]
	}
	if i := strings.Index(r, "github.com/"); i >= 0 {
		return r[i+len("github.com/"):]
	}
	return r
}
