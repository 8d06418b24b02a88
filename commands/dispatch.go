package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/overlord/dispatch"
)

func dispatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch tasks to workers",
	}
	cmd.AddCommand(dispatchRunCmd(a), dispatchCleanupCmd(a))
	return cmd
}

func dispatchRunCmd(a *app) *cobra.Command {
	var (
		dryRun     bool
		workerName string
		skipReview bool
		role       string
	)

	cmd := &cobra.Command{
		Use:   "run <task-id>",
		Short: "Run the dispatch lifecycle for one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openQueue()
			if err != nil {
				return err
			}
			defer store.Close()

			d := a.dispatcher(store)
			err = d.Dispatch(cmd.Context(), args[0], dispatch.Options{
				DryRun:     dryRun,
				WorkerName: workerName,
				SkipReview: skipReview,
				Role:       role,
			})
			if err != nil {
				return fmt.Errorf("dispatch %s: %w", args[0], err)
			}

			if dryRun {
				fmt.Fprintln(cmd.OutOrStdout(), "Dry run complete; worktree and mission brief are in place.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Dispatch complete.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Provision and brief without executing")
	cmd.Flags().StringVar(&workerName, "worker", "", "Force a specific worker")
	cmd.Flags().BoolVar(&skipReview, "skip-review", false, "Skip the cross-worker review")
	cmd.Flags().StringVar(&role, "role", "", "Brief role (pm or default)")
	return cmd
}

func dispatchCleanupCmd(a *app) *cobra.Command {
	var (
		project string
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove task worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" && !all {
				return fmt.Errorf("pass --project <name> or --all")
			}

			mgr := a.worktrees()
			names := []string{project}
			if all {
				names = a.cfg.ProjectNames()
			}

			for _, name := range names {
				if _, ok := a.cfg.Projects[name]; !ok && !all {
					return fmt.Errorf("unknown project %q", name)
				}
				if err := mgr.CleanupProject(cmd.Context(), name); err != nil {
					return fmt.Errorf("cleanup %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleaned worktrees for %s\n", name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "Project to clean")
	cmd.Flags().BoolVar(&all, "all", false, "Clean every project")
	return cmd
}
