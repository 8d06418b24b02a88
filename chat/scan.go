package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/worktree"
)

// DefaultScanTTL is how long a cached ecosystem scan stays fresh.
const DefaultScanTTL = 60 * time.Second

// ProjectHealth is the scan result for one project.
type ProjectHealth struct {
	Name   string
	Status worktree.RepoStatus
	Err    error
}

// ScanProjects probes every configured project working copy.
func ScanProjects(ctx context.Context, cfg *config.Config) []ProjectHealth {
	names := cfg.ProjectNames()
	out := make([]ProjectHealth, 0, len(names))
	for _, name := range names {
		status, err := worktree.Inspect(ctx, cfg.Projects[name].Path)
		out = append(out, ProjectHealth{Name: name, Status: status, Err: err})
	}
	return out
}

// FormatScan renders scan results as a chat-sized report.
func FormatScan(results []ProjectHealth) string {
	if len(results) == 0 {
		return "No projects configured."
	}

	var b strings.Builder
	b.WriteString("Ecosystem scan:\n")
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(&b, "  %s: unreachable (%v)\n", r.Name, r.Err)
			continue
		}
		state := "clean"
		if r.Status.Dirty {
			state = "dirty"
		}
		tests := "no test manifest"
		if r.Status.HasTests {
			tests = "tests available"
		}
		fmt.Fprintf(&b, "  %s: %s on %s, %s\n", r.Name, state, r.Status.Branch, tests)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Scanner caches formatted ecosystem scans.
type Scanner struct {
	cfg *config.Config
	ttl time.Duration

	mu     sync.Mutex
	cached string
	at     time.Time
}

// NewScanner builds a scanner. ttl <= 0 uses DefaultScanTTL.
func NewScanner(cfg *config.Config, ttl time.Duration) *Scanner {
	if ttl <= 0 {
		ttl = DefaultScanTTL
	}
	return &Scanner{cfg: cfg, ttl: ttl}
}

// Report returns the formatted scan, refreshing when the cache is stale.
// A non-empty project narrows the scan and bypasses the cache.
func (s *Scanner) Report(ctx context.Context, project string) string {
	if project != "" {
		p, ok := s.cfg.Projects[project]
		if !ok {
			return fmt.Sprintf("Unknown project %q.", project)
		}
		status, err := worktree.Inspect(ctx, p.Path)
		return FormatScan([]ProjectHealth{{Name: project, Status: status, Err: err}})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != "" && time.Since(s.at) < s.ttl {
		return s.cached
	}
	s.cached = FormatScan(ScanProjects(ctx, s.cfg))
	s.at = time.Now()
	return s.cached
}

// Invalidate drops the cached report.
func (s *Scanner) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = ""
}
