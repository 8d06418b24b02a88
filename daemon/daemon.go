// Package daemon runs Overlord's long-lived loop: cron-scheduled
// sweeps, proposal expiry, startup reconciliation, and the optional
// metrics listener and config watch.
package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/dispatch"
	"github.com/c360studio/overlord/govern"
	"github.com/c360studio/overlord/memory"
	"github.com/c360studio/overlord/metrics"
	"github.com/c360studio/overlord/planner"
	"github.com/c360studio/overlord/proposal"
	"github.com/c360studio/overlord/queue"
)

// cleanupInterval is how often pending proposals are swept for expiry.
const cleanupInterval = 5 * time.Minute

const pidFileName = "overlord.pid"

// PidFilePath is where a running daemon records its process id.
func PidFilePath(stateDir string) string {
	return filepath.Join(stateDir, pidFileName)
}

// proposalService is the slice of the proposal manager the daemon uses.
type proposalService interface {
	Propose(ctx context.Context, title, reason string, scope govern.ActionScope, plan *dispatch.Plan) (string, error)
	CleanupExpired(ctx context.Context, ttl time.Duration) (int, error)
	ReconcilePendingProposals(ctx context.Context, batchSize int) error
}

// planExecutor runs scheduled plans. Satisfied by *dispatch.Engine.
type planExecutor interface {
	Execute(ctx context.Context, plan dispatch.Plan, autoApprove bool) dispatch.PlanResult
}

// branchLister reports merged task branches. Satisfied by
// *worktree.Manager.
type branchLister interface {
	MergedTaskBranches(ctx context.Context, project, base string) ([]string, error)
}

// Daemon owns the background loops.
type Daemon struct {
	cfg      *config.Config
	cfgPath  string
	store    *queue.Store
	parser   *planner.Parser
	autonomy *govern.Autonomy

	proposals proposalService
	executor  planExecutor
	branches  branchLister
	medium    proposal.Medium
	channel   string
	mem       *memory.Store

	metricsAddr string
	logger      *slog.Logger
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithProposals binds the proposal manager.
func WithProposals(p proposalService) Option {
	return func(d *Daemon) {
		d.proposals = p
	}
}

// WithExecutor binds the plan executor for scheduled work.
func WithExecutor(e planExecutor) Option {
	return func(d *Daemon) {
		d.executor = e
	}
}

// WithBranchLister binds the worktree manager for stale-branch sweeps.
func WithBranchLister(b branchLister) Option {
	return func(d *Daemon) {
		d.branches = b
	}
}

// WithMedium binds the chat surface sweep summaries post to.
func WithMedium(m proposal.Medium, channel string) Option {
	return func(d *Daemon) {
		d.medium = m
		d.channel = channel
	}
}

// WithMemory binds the memory journal.
func WithMemory(m *memory.Store) Option {
	return func(d *Daemon) {
		d.mem = m
	}
}

// WithConfigWatch enables live reload of the autonomy section when the
// config file changes.
func WithConfigWatch(path string) Option {
	return func(d *Daemon) {
		d.cfgPath = path
	}
}

// WithMetricsAddr enables the Prometheus listener.
func WithMetricsAddr(addr string) Option {
	return func(d *Daemon) {
		d.metricsAddr = addr
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) {
		d.logger = logger
	}
}

// New builds a daemon over the queue and governance state.
func New(cfg *config.Config, store *queue.Store, autonomy *govern.Autonomy, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:         cfg,
		store:       store,
		autonomy:    autonomy,
		parser:      planner.NewParser(cfg),
		metricsAddr: os.Getenv("OVERLORD_METRICS_ADDR"),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run blocks until the context is cancelled or a termination signal
// arrives, then stops the loops and returns.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if d.cfg.StateDir != "" {
		pidPath := PidFilePath(d.cfg.StateDir)
		if err := os.MkdirAll(d.cfg.StateDir, 0o755); err == nil {
			if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
				d.logger.Warn("Failed to write pid file", "path", pidPath, "error", err)
			} else {
				defer os.Remove(pidPath)
			}
		}
	}

	var wg sync.WaitGroup

	if d.metricsAddr != "" {
		d.startMetrics(ctx, &wg)
	}
	if d.cfgPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.watchConfig(ctx)
		}()
	}

	// Proposals answered while the process was down are applied before
	// the loops start racing with fresh replies.
	if d.proposals != nil {
		if err := d.proposals.ReconcilePendingProposals(ctx, 5); err != nil {
			d.logger.Warn("Startup reconciliation failed", "error", err)
		}
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		d.cleanupLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.schedulerLoop(ctx)
	}()

	d.logger.Info("Daemon running", "scheduled_tasks", len(d.cfg.Schedule))
	<-ctx.Done()
	d.logger.Info("Daemon shutting down")
	wg.Wait()
	return nil
}

// cleanupLoop expires stale pending proposals every few minutes.
func (d *Daemon) cleanupLoop(ctx context.Context) {
	if d.proposals == nil {
		return
	}
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.proposals.CleanupExpired(ctx, proposal.DefaultTTL); err != nil {
				d.logger.Warn("Proposal cleanup failed", "error", err)
			}
		}
	}
}

// startMetrics serves the Prometheus registry until shutdown.
func (d *Daemon) startMetrics(ctx context.Context, wg *sync.WaitGroup) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: d.metricsAddr, Handler: mux}

	wg.Add(2)
	go func() {
		defer wg.Done()
		d.logger.Info("Metrics listener started", "addr", d.metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("Metrics listener failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

// watchConfig reloads the autonomy section when the config file changes.
// Everything else needs a restart and is only logged.
func (d *Daemon) watchConfig(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("Config watch unavailable", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(d.cfgPath); err != nil {
		d.logger.Warn("Config watch unavailable", "path", d.cfgPath, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			fresh, err := config.LoadFromFile(d.cfgPath)
			if err != nil {
				d.logger.Warn("Ignoring config change", "error", err)
				continue
			}
			if err := fresh.Validate(); err != nil {
				d.logger.Warn("Ignoring invalid config change", "error", err)
				continue
			}
			d.autonomy.Reload(fresh.Autonomy)
			d.logger.Info("Autonomy config reloaded; other sections need a restart",
				"global", fresh.Autonomy.Global)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("Config watch error", "error", err)
		}
	}
}

// post sends a line through the chat medium, best effort.
func (d *Daemon) post(ctx context.Context, text string) {
	if d.medium == nil || text == "" {
		return
	}
	if _, err := d.medium.PostMessage(ctx, d.channel, text); err != nil {
		d.logger.Warn("Failed to post summary", "error", err)
	}
}

// remember writes one journal line, best effort.
func (d *Daemon) remember(ctx context.Context, category, content string) {
	if d.mem == nil {
		return
	}
	if err := d.mem.Log(ctx, category, content); err != nil {
		d.logger.Warn("Failed to write memory entry", "error", err)
	}
}
