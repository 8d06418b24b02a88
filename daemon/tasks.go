package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/overlord/chat"
	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/dispatch"
	"github.com/c360studio/overlord/queue"
)

// runScan probes every project and reports the findings.
func (d *Daemon) runScan(ctx context.Context) {
	results := chat.ScanProjects(ctx, d.cfg)

	dirty, unreachable := 0, 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			unreachable++
		case r.Status.Dirty:
			dirty++
		}
	}

	summary := fmt.Sprintf("scan: %d projects, %d dirty, %d unreachable",
		len(results), dirty, unreachable)
	if dirty > 0 || unreachable > 0 {
		d.post(ctx, chat.FormatScan(results))
	}
	d.remember(ctx, "scan", summary)
	d.logger.Info("Scan finished", "projects", len(results), "dirty", dirty, "unreachable", unreachable)
}

// runTestAll executes the test suites of every project.
func (d *Daemon) runTestAll(ctx context.Context) {
	if d.executor == nil {
		d.logger.Warn("Skipping test-all, no executor configured")
		return
	}

	plan, err := d.parser.Parse("tests across all")
	if err != nil {
		d.logger.Warn("test-all skipped", "error", err)
		return
	}

	res := d.executor.Execute(ctx, plan, false)
	failed := 0
	for _, step := range res.Steps {
		if step.Status == dispatch.StepFailed {
			failed++
		}
	}

	summary := fmt.Sprintf("test-all: %s, %d/%d steps failed", res.Status, failed, len(res.Steps))
	if res.Status != dispatch.PlanCompleted {
		d.post(ctx, "Scheduled test run did not complete: "+res.Reason)
	}
	d.remember(ctx, "test-all", summary)
}

// runCleanStaleBranches lists merged task branches per project and, when
// there are findings, raises a destructive proposal. Deletion itself
// always waits for a human.
func (d *Daemon) runCleanStaleBranches(ctx context.Context) {
	if d.branches == nil {
		d.logger.Warn("Skipping stale-branch sweep, no worktree manager configured")
		return
	}

	findings := map[string][]string{}
	var affected []string
	for _, name := range d.cfg.ProjectNames() {
		base := mergeBase(d.cfg.Projects[name].BranchModel)
		stale, err := d.branches.MergedTaskBranches(ctx, name, base)
		if err != nil {
			d.logger.Warn("Stale-branch probe failed", "project", name, "error", err)
			continue
		}
		if len(stale) > 0 {
			findings[name] = stale
			affected = append(affected, name)
		}
	}

	if len(findings) == 0 {
		d.remember(ctx, "sweep", "stale-branch sweep: nothing to clean")
		return
	}

	total := 0
	var lines []string
	for _, name := range affected {
		total += len(findings[name])
		lines = append(lines, fmt.Sprintf("%s: %s", name, strings.Join(findings[name], ", ")))
	}

	summary := fmt.Sprintf("stale-branch sweep: %d merged branches in %s",
		total, strings.Join(affected, ", "))
	d.remember(ctx, "sweep", summary)

	if d.proposals == nil {
		d.post(ctx, summary)
		return
	}

	plan, err := d.parser.Parse("clean branches in " + strings.Join(affected, " and "))
	if err != nil {
		d.logger.Warn("Stale-branch proposal skipped", "error", err)
		return
	}
	id, err := d.proposals.Propose(ctx,
		fmt.Sprintf("Clean %d merged task branches", total),
		strings.Join(lines, "\n"), plan.Scope, &plan)
	if err != nil {
		d.logger.Warn("Failed to propose branch cleanup", "error", err)
		return
	}
	d.logger.Info("Branch cleanup proposed", "proposal_id", id, "branches", total)
}

// runDigest posts queue counts and yesterday's spend.
func (d *Daemon) runDigest(ctx context.Context) {
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		d.logger.Warn("Digest skipped", "error", err)
		return
	}

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	usage, err := d.store.GetDailyUsage(ctx, yesterday)
	if err != nil {
		d.logger.Warn("Digest ledger read failed", "error", err)
	}

	var b strings.Builder
	b.WriteString("Daily digest\nQueue:")
	for _, s := range []queue.Status{
		queue.StatusBacklog, queue.StatusActive, queue.StatusDispatched,
		queue.StatusInReview, queue.StatusCompleted, queue.StatusFailed,
	} {
		if counts[s] > 0 {
			fmt.Fprintf(&b, " %s=%d", s, counts[s])
		}
	}
	fmt.Fprintf(&b, "\nYesterday: %d in / %d out tokens, $%.2f",
		usage.TokensInput, usage.TokensOutput, usage.EstimatedCostUSD)

	d.post(ctx, b.String())
	d.remember(ctx, "digest", fmt.Sprintf("digest: $%.2f spent on %s", usage.EstimatedCostUSD, yesterday))
}

// mergeBase is the branch task branches merge into under each model.
func mergeBase(model config.BranchModel) string {
	switch model {
	case config.BranchModelDevelopMain, config.BranchModelGitflow:
		return "develop"
	default:
		return "main"
	}
}
