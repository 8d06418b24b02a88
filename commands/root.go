// Package commands implements the overlord CLI surface.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/overlord/chat"
	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/dispatch"
	"github.com/c360studio/overlord/events"
	"github.com/c360studio/overlord/govern"
	"github.com/c360studio/overlord/memory"
	"github.com/c360studio/overlord/proposal"
	"github.com/c360studio/overlord/queue"
	"github.com/c360studio/overlord/worker"
	"github.com/c360studio/overlord/worktree"
)

// app carries the loaded configuration and shared construction helpers
// for the subcommands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

// init loads configuration and wires logging. Called once from the
// root's PersistentPreRunE.
func (a *app) init(configPath, logLevel string) error {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)

	if configPath != "" {
		os.Setenv(config.EnvConfigPath, configPath)
	}

	cfg, err := config.NewLoader(a.logger).Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	a.cfg = cfg
	return nil
}

func (a *app) openQueue() (*queue.Store, error) {
	if err := os.MkdirAll(a.cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return queue.Open(filepath.Join(a.cfg.StateDir, "work_queue.db"),
		queue.WithLogger(a.logger))
}

func (a *app) publisher() events.Publisher {
	url := os.Getenv("NATS_URL")
	if url == "" {
		return events.Nop{}
	}
	pub, err := events.ConnectNATS(url, a.logger)
	if err != nil {
		a.logger.Warn("NATS unavailable, events disabled", "error", err)
		return events.Nop{}
	}
	return pub
}

func (a *app) selector() *worker.Selector {
	return worker.NewSelectorFromConfig(a.cfg.Workers, a.logger)
}

func (a *app) worktrees() *worktree.Manager {
	return worktree.NewManager(
		filepath.Join(a.cfg.StateDir, "mirrors"),
		filepath.Join(a.cfg.StateDir, "worktrees"),
		worktree.WithLogger(a.logger))
}

// chatMedium returns the Slack binding and target channel when
// SLACK_BOT_TOKEN is set, nil otherwise.
func (a *app) chatMedium() (proposal.Medium, string) {
	token := os.Getenv("SLACK_BOT_TOKEN")
	if token == "" {
		return nil, ""
	}
	channel := os.Getenv("SLACK_CHANNEL")
	if channel == "" {
		channel = "#overlord"
	}
	return chat.NewSlackMedium(token, chat.WithSlackLogger(a.logger)), channel
}

// mediumNotifier adapts a chat medium to the dispatcher's one-line
// notification hook.
type mediumNotifier struct {
	medium  proposal.Medium
	channel string
}

func (n mediumNotifier) Notify(ctx context.Context, text string) error {
	_, err := n.medium.PostMessage(ctx, n.channel, text)
	return err
}

var releaseDescPattern = regexp.MustCompile(`^release (\S+) (\S+)$`)

// releaseMemory records completed release plans as memory entries so
// later chat queries and digests can surface them.
func releaseMemory(mem *memory.Store, logger *slog.Logger) proposal.CompletionHook {
	return func(ctx context.Context, _ *proposal.Proposal, plan dispatch.Plan) {
		m := releaseDescPattern.FindStringSubmatch(plan.Description)
		if m == nil {
			return
		}
		if err := mem.Log(ctx, "release", fmt.Sprintf("%s %s released", m[1], m[2])); err != nil {
			logger.Warn("Failed to record release", "error", err)
		}
	}
}

func (a *app) dispatcher(store *queue.Store) *dispatch.Dispatcher {
	gov := govern.NewEngine(a.cfg.Workspace, a.cfg.Projects, store)
	opts := []dispatch.DispatcherOption{
		dispatch.WithLogger(a.logger),
		dispatch.WithPublisher(a.publisher()),
	}
	if medium, channel := a.chatMedium(); medium != nil {
		opts = append(opts, dispatch.WithNotifier(mediumNotifier{medium, channel}))
	}
	opts = append(opts, dispatch.WithHealthProbe(a.healthProbe()))
	return dispatch.NewDispatcher(store, a.cfg, a.selector(), gov, a.worktrees(), opts...)
}

// healthProbe inspects the project checkout before dispatch.
func (a *app) healthProbe() dispatch.HealthProbe {
	return func(ctx context.Context, project string) []string {
		p, ok := a.cfg.Projects[project]
		if !ok {
			return []string{"unknown project"}
		}
		status, err := worktree.Inspect(ctx, p.Path)
		if err != nil {
			return []string{"unreachable: " + err.Error()}
		}
		if status.Dirty {
			return []string{"uncommitted changes on " + status.Branch}
		}
		return nil
	}
}

// Root builds the overlord command tree.
func Root(version string) *cobra.Command {
	a := &app{}
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "overlord",
		Short: "Autonomous multi-repository orchestrator",
		Long: `Overlord coordinates work across a multi-repository workspace:
a persistent work queue, governed task dispatch to LLM workers,
release planning over the project dependency graph, and a proposal
flow for anything that needs a human decision.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(configPath, logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		queueCmd(a),
		dispatchCmd(a),
		statusCmd(a),
		scanCmd(a),
		chatCmd(a),
		discoverCmd(a),
		configCmd(a),
		haltCmd(a),
		daemonCmd(a),
		versionCmd(version),
	)
	return cmd
}

func versionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "overlord version %s\n", version)
		},
	}
}
