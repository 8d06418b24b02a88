// Package chat routes conversational commands to the orchestrator: a
// regex vocabulary backed by the planner and proposal manager, with an
// LLM fallback for anything unmatched.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/dispatch"
	"github.com/c360studio/overlord/govern"
	"github.com/c360studio/overlord/graph"
	"github.com/c360studio/overlord/llm"
	"github.com/c360studio/overlord/memory"
	"github.com/c360studio/overlord/planner"
	"github.com/c360studio/overlord/proposal"
	"github.com/c360studio/overlord/queue"
)

// Completer is the LLM surface the router and parser fall back to.
// Satisfied by *llm.Client.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Proposals is the slice of the proposal manager the router needs.
// Satisfied by *proposal.Manager.
type Proposals interface {
	Propose(ctx context.Context, title, reason string, scope govern.ActionScope, plan *dispatch.Plan) (string, error)
	Approve(ctx context.Context, id string) error
	Deny(ctx context.Context, id string) error
	ListPending(ctx context.Context) ([]*proposal.Proposal, error)
}

// PlanExecutor runs plans that need no approval. Satisfied by
// *dispatch.Engine.
type PlanExecutor interface {
	Execute(ctx context.Context, plan dispatch.Plan, autoApprove bool) dispatch.PlanResult
}

// Command vocabulary, first hit wins. Anything that looks like a plan
// request is handed to the planner; the rest is fixed commands.
var (
	greetingPattern = regexp.MustCompile(`(?i)^(hi|hello|hey|yo|good (morning|afternoon|evening))[.!]*$`)
	statusPattern   = regexp.MustCompile(`(?i)^status$`)
	scanPattern     = regexp.MustCompile(`(?i)^scan(?:\s+(\S+))?$`)
	releasePattern  = regexp.MustCompile(`(?i)^release\s+(\S+)\s+(\S+)$`)
	autonomyPattern = regexp.MustCompile(`(?i)^autonomy(?:\s+(\S+))?$`)
	memoryPattern   = regexp.MustCompile(`(?i)^memory\s+(.+)$`)
	approvePattern  = regexp.MustCompile(`(?i)^approve\s+(\S+)$`)
	denyPattern     = regexp.MustCompile(`(?i)^deny\s+(\S+)$`)
	helpPattern     = regexp.MustCompile(`(?i)^help$`)
	planPattern     = regexp.MustCompile(`(?i)^(merge|run\s+tests?|tests?\b|clean|update)\b`)
)

const unavailableMessage = "I couldn't reach my language model just now. Try `help` for the direct commands."

const helpText = "Commands I understand:\n" +
	"  status - queue counts and autonomy level\n" +
	"  scan [project] - ecosystem health\n" +
	"  merge <source> to <target> in <project>\n" +
	"  release <project> <version>\n" +
	"  run tests in <project> | tests across all\n" +
	"  clean branches in <projects>\n" +
	"  update <dep> in <projects>\n" +
	"  autonomy [cautious|proactive|scheduled]\n" +
	"  memory <query>\n" +
	"  approve <id> | deny <id>\n" +
	"Anything else goes to the language model."

// Router dispatches chat messages against the command vocabulary.
type Router struct {
	cfg       *config.Config
	store     *queue.Store
	autonomy  *govern.Autonomy
	parser    *planner.Parser
	releases  *planner.Coordinator
	proposals Proposals
	executor  PlanExecutor
	mem       *memory.Store
	scanner   *Scanner
	llm       Completer
	history   *History
	logger    *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithProposals binds the proposal manager.
func WithProposals(p Proposals) RouterOption {
	return func(r *Router) {
		r.proposals = p
	}
}

// WithExecutor binds the plan executor for non-approval plans.
func WithExecutor(e PlanExecutor) RouterOption {
	return func(r *Router) {
		r.executor = e
	}
}

// WithMemory binds the memory store for the memory command and the
// LLM fallback context.
func WithMemory(m *memory.Store) RouterOption {
	return func(r *Router) {
		r.mem = m
	}
}

// WithScanner replaces the default ecosystem scanner.
func WithScanner(s *Scanner) RouterOption {
	return func(r *Router) {
		r.scanner = s
	}
}

// WithCompleter binds the LLM fallback.
func WithCompleter(c Completer) RouterOption {
	return func(r *Router) {
		r.llm = c
	}
}

// WithRouterLogger sets the logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter builds a router over the project registry and work queue.
func NewRouter(cfg *config.Config, store *queue.Store, autonomy *govern.Autonomy, opts ...RouterOption) *Router {
	r := &Router{
		cfg:      cfg,
		store:    store,
		autonomy: autonomy,
		parser:   planner.NewParser(cfg),
		scanner:  NewScanner(cfg, DefaultScanTTL),
		history:  NewHistory(DefaultHistorySize, 0),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	deps := make(map[string][]string, len(cfg.Projects))
	for name, p := range cfg.Projects {
		deps[name] = p.DependsOn
	}
	g, err := graph.New(deps)
	if err != nil {
		r.logger.Error("Release planning disabled", "error", err)
	} else {
		r.releases = planner.NewCoordinator(g)
	}
	return r
}

// Handle processes one inbound message and returns the reply text.
func (r *Router) Handle(ctx context.Context, channel, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	r.history.Add(channel, "user", text)
	reply := r.route(ctx, channel, text)
	r.history.Add(channel, "assistant", reply)
	return reply
}

func (r *Router) route(ctx context.Context, channel, text string) string {
	switch {
	case greetingPattern.MatchString(text):
		return "Hello. Ask `status` for the queue, or `help` for everything I can do."
	case statusPattern.MatchString(text):
		return r.status(ctx)
	case helpPattern.MatchString(text):
		return helpText
	}

	if m := scanPattern.FindStringSubmatch(text); m != nil {
		return r.scanner.Report(ctx, m[1])
	}
	if m := releasePattern.FindStringSubmatch(text); m != nil {
		return r.release(ctx, m[1], m[2])
	}
	if m := autonomyPattern.FindStringSubmatch(text); m != nil {
		return r.autonomyCommand(m[1])
	}
	if m := memoryPattern.FindStringSubmatch(text); m != nil {
		return r.memoryCommand(ctx, m[1])
	}
	if m := approvePattern.FindStringSubmatch(text); m != nil {
		return r.resolveProposal(ctx, m[1], true)
	}
	if m := denyPattern.FindStringSubmatch(text); m != nil {
		return r.resolveProposal(ctx, m[1], false)
	}
	if planPattern.MatchString(text) {
		return r.plan(ctx, text)
	}

	return r.llmFallback(ctx, channel)
}

// status reports queue counts, the autonomy level, and pending proposals.
func (r *Router) status(ctx context.Context) string {
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		return fmt.Sprintf("Failed to read the queue: %v", err)
	}

	var b strings.Builder
	b.WriteString("Queue:")
	for _, s := range []queue.Status{
		queue.StatusBacklog, queue.StatusActive, queue.StatusDispatched,
		queue.StatusInReview, queue.StatusCompleted, queue.StatusFailed,
	} {
		if counts[s] > 0 {
			fmt.Fprintf(&b, " %s=%d", s, counts[s])
		}
	}
	if b.String() == "Queue:" {
		b.WriteString(" empty")
	}
	fmt.Fprintf(&b, "\nAutonomy: %s", r.autonomy.Global())

	if r.proposals != nil {
		if pending, err := r.proposals.ListPending(ctx); err == nil && len(pending) > 0 {
			fmt.Fprintf(&b, "\nPending proposals: %d", len(pending))
		}
	}
	return b.String()
}

// plan parses a free-text request and either proposes or executes it.
func (r *Router) plan(ctx context.Context, text string) string {
	plan, err := r.parser.Parse(text)
	if err != nil {
		return fmt.Sprintf("I can't do that: %v", err)
	}
	return r.submitPlan(ctx, plan, text)
}

// release builds a release plan; releases always go through a proposal.
func (r *Router) release(ctx context.Context, project, version string) string {
	if r.releases == nil {
		return "Release planning is unavailable: the project dependency graph has a cycle."
	}
	plan, err := r.releases.PlanRelease(project, version, planner.DefaultReleaseOptions())
	if err != nil {
		return fmt.Sprintf("I can't plan that release: %v", err)
	}
	return r.submitPlan(ctx, plan, fmt.Sprintf("release %s %s", project, version))
}

func (r *Router) submitPlan(ctx context.Context, plan dispatch.Plan, request string) string {
	if plan.RequiresApproval {
		if r.proposals == nil {
			return "That needs approval, but no proposal channel is configured."
		}
		id, err := r.proposals.Propose(ctx, plan.Description, "requested via chat: "+request, plan.Scope, &plan)
		if err != nil {
			return fmt.Sprintf("Failed to create the proposal: %v", err)
		}
		return fmt.Sprintf("Proposal %s created for %q. Reply approve or deny in its thread, or `approve %s` here.",
			shortID(id), plan.Description, shortID(id))
	}

	if r.executor == nil {
		return "No plan executor is configured."
	}
	res := r.executor.Execute(ctx, plan, false)
	if res.Status != dispatch.PlanCompleted {
		return fmt.Sprintf("Plan %q %s: %s", plan.Description, res.Status, res.Reason)
	}
	return fmt.Sprintf("Done: %s (%d steps).", plan.Description, len(res.Steps))
}

// autonomyCommand reads or adjusts the effective global level.
func (r *Router) autonomyCommand(arg string) string {
	if arg == "" {
		return fmt.Sprintf("Autonomy is %s.", r.autonomy.Global())
	}
	level := config.AutonomyLevel(strings.ToLower(arg))
	if !level.Valid() {
		return fmt.Sprintf("Unknown autonomy level %q. Use cautious, proactive, or scheduled.", arg)
	}
	r.autonomy.SetGlobal(level)
	return fmt.Sprintf("Autonomy set to %s for this session.", level)
}

func (r *Router) memoryCommand(ctx context.Context, query string) string {
	if r.mem == nil {
		return "Memory is not configured."
	}
	entries, err := r.mem.Search(ctx, strings.TrimSpace(query), 5)
	if err != nil {
		return fmt.Sprintf("Memory search failed: %v", err)
	}
	if len(entries) == 0 {
		return fmt.Sprintf("Nothing in memory matches %q.", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Memory matches for %q:\n", query)
	for _, e := range entries {
		fmt.Fprintf(&b, "  [%s] %s (%s)\n", e.Category, e.Content, e.CreatedAt.Format("2006-01-02"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// resolveProposal approves or denies by id, accepting the 8-char short
// form shown in chat.
func (r *Router) resolveProposal(ctx context.Context, idOrPrefix string, approve bool) string {
	if r.proposals == nil {
		return "No proposal channel is configured."
	}

	id, err := r.findPending(ctx, idOrPrefix)
	if err != nil {
		return err.Error()
	}

	if approve {
		if err := r.proposals.Approve(ctx, id); err != nil {
			return fmt.Sprintf("Proposal %s approved but execution failed: %v", shortID(id), err)
		}
		return fmt.Sprintf("Proposal %s approved and executed.", shortID(id))
	}
	if err := r.proposals.Deny(ctx, id); err != nil {
		return fmt.Sprintf("Failed to deny proposal %s: %v", shortID(id), err)
	}
	return fmt.Sprintf("Proposal %s denied.", shortID(id))
}

func (r *Router) findPending(ctx context.Context, idOrPrefix string) (string, error) {
	pending, err := r.proposals.ListPending(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list proposals: %v", err)
	}

	var matches []string
	for _, p := range pending {
		if p.ID == idOrPrefix {
			return p.ID, nil
		}
		if strings.HasPrefix(p.ID, idOrPrefix) {
			matches = append(matches, p.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no pending proposal matches %q", idOrPrefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %d pending proposals, use the full id", idOrPrefix, len(matches))
	}
}

// llmFallback answers unmatched messages with the language model,
// grounded on a fresh scan and recent memory.
func (r *Router) llmFallback(ctx context.Context, channel string) string {
	if r.llm == nil {
		return unavailableMessage
	}

	var sb strings.Builder
	sb.WriteString("You are Overlord, an orchestrator for a multi-repository workspace. ")
	sb.WriteString("Answer briefly and concretely. Current state:\n")
	sb.WriteString(r.scanner.Report(ctx, ""))
	if r.mem != nil {
		if entries, err := r.mem.Recent(ctx, 5); err == nil && len(entries) > 0 {
			sb.WriteString("\nRecent events:\n")
			for _, e := range entries {
				fmt.Fprintf(&sb, "  [%s] %s\n", e.Category, e.Content)
			}
		}
	}

	messages := append([]llm.Message{{Role: "system", Content: sb.String()}},
		r.history.Messages(channel)...)

	resp, err := r.llm.Complete(ctx, llm.Request{Messages: messages})
	if err != nil {
		r.logger.Warn("Chat fallback failed", "error", err)
		return unavailableMessage
	}
	return resp.Content
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
