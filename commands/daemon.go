package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/c360studio/overlord/config"
	"github.com/c360studio/overlord/daemon"
	"github.com/c360studio/overlord/dispatch"
	"github.com/c360studio/overlord/govern"
	"github.com/c360studio/overlord/memory"
	"github.com/c360studio/overlord/proposal"
)

func daemonCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the background loop",
		Long: `Runs the long-lived Overlord process: scheduled sweeps, proposal
expiry, and startup reconciliation of proposals answered while the
process was down. Slack credentials (SLACK_BOT_TOKEN, SLACK_CHANNEL)
enable the chat surface; OVERLORD_METRICS_ADDR enables Prometheus.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openQueue()
			if err != nil {
				return err
			}
			defer store.Close()

			pub := a.publisher()
			defer pub.Close()

			autonomy := govern.NewAutonomy(a.cfg.Autonomy)
			engine := dispatch.NewEngine(a.cfg, autonomy, a.selector(),
				dispatch.WithEngineLogger(a.logger))

			medium, channel := a.chatMedium()
			if medium != nil {
				a.logger.Info("Chat surface enabled", "channel", channel)
			} else {
				a.logger.Info("No chat credentials, running headless")
			}

			mem, err := memory.New(store.DB(), a.logger)
			if err != nil {
				return err
			}

			popts := []proposal.ManagerOption{
				proposal.WithExecutor(engine),
				proposal.WithPublisher(pub),
				proposal.WithCompletionHook(releaseMemory(mem, a.logger)),
				proposal.WithLogger(a.logger),
			}
			if medium != nil {
				popts = append(popts, proposal.WithMedium(medium, channel))
			}
			proposals, err := proposal.Open(filepath.Join(a.cfg.StateDir, "proposals.db"), popts...)
			if err != nil {
				return fmt.Errorf("open proposals: %w", err)
			}
			defer proposals.Close()

			opts := []daemon.Option{
				daemon.WithProposals(proposals),
				daemon.WithExecutor(engine),
				daemon.WithBranchLister(a.worktrees()),
				daemon.WithMemory(mem),
				daemon.WithLogger(a.logger),
			}
			if medium != nil {
				opts = append(opts, daemon.WithMedium(medium, channel))
			}
			if path := config.NewLoader(a.logger).FindConfigPath(); path != "" {
				opts = append(opts, daemon.WithConfigWatch(path))
			}

			return daemon.New(a.cfg, store, autonomy, opts...).Run(cmd.Context())
		},
	}
}
