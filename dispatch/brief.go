package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/queue"
	"github.com/c360studio/overlord/worktree"
)

// BriefFileName is the mission brief written at the worktree root.
const BriefFileName = "MISSION_BRIEF.md"

// pmDirective is prepended when the task is dispatched with the pm role.
const pmDirective = `## Project Manager

You are acting as the project manager for this task. Break the objective
into concrete sub-goals, sequence them, and drive each to a verifiable
done state. Record decisions and open questions in your commit messages.
`

// BriefInput collects everything the mission brief template needs.
type BriefInput struct {
	Task    *queue.Task
	Project config.ProjectConfig

	// Role switches the brief variant. "pm" prepends the project
	// manager directive.
	Role string

	// EcosystemContext, when non-empty, is interpolated verbatim into
	// an Ecosystem Context section.
	EcosystemContext string
}

// RenderBrief produces the deterministic mission brief markdown.
func RenderBrief(in BriefInput) string {
	var b strings.Builder
	b.WriteString("# MISSION BRIEF\n\n")

	if in.Role == "pm" {
		b.WriteString(pmDirective)
		b.WriteString("\n")
	}
	if in.EcosystemContext != "" {
		b.WriteString("## Ecosystem Context\n\n")
		b.WriteString(in.EcosystemContext)
		b.WriteString("\n\n")
	}

	b.WriteString("## Objective\n\n")
	b.WriteString(in.Task.Title)
	b.WriteString("\n")
	if in.Task.Description != "" {
		b.WriteString("\n")
		b.WriteString(in.Task.Description)
		b.WriteString("\n")
	}

	b.WriteString("\n## Task Metadata\n\n")
	fmt.Fprintf(&b, "- Task ID: %s\n", in.Task.ID)
	fmt.Fprintf(&b, "- Project: %s\n", in.Task.Project)
	fmt.Fprintf(&b, "- Priority: %s\n", in.Task.Priority)
	if in.Task.Complexity != "" {
		fmt.Fprintf(&b, "- Complexity: %s\n", in.Task.Complexity)
	}
	fmt.Fprintf(&b, "- Branch: %s\n", worktree.BranchName(in.Task.ID))

	b.WriteString("\n## Project Context\n\n")
	fmt.Fprintf(&b, "- Role: %s\n", in.Project.Role)
	fmt.Fprintf(&b, "- Branch model: %s\n", in.Project.BranchModel)
	if len(in.Project.DependsOn) > 0 {
		fmt.Fprintf(&b, "- Depends on: %s\n", strings.Join(in.Project.DependsOn, ", "))
	}

	b.WriteString(`
## Constraints

- Do not push to any remote.
- Do not merge into main.
- Work only inside this worktree.
- Run the project tests before declaring the task done.
- Do not edit files outside the task scope.

## Verification

- [ ] Tests pass
- [ ] Coverage is maintained
- [ ] Lint is clean
- [ ] Changes are committed on the feature branch
`)

	return b.String()
}

// WriteBrief renders the brief and writes it to the worktree root,
// returning the file path.
func WriteBrief(worktreePath string, in BriefInput) (string, error) {
	path := filepath.Join(worktreePath, BriefFileName)
	if err := os.WriteFile(path, []byte(RenderBrief(in)), 0o644); err != nil {
		return "", fmt.Errorf("write mission brief: %w", err)
	}
	return path, nil
}
