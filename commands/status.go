package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/overlord/chat"
	"github.com/c360studio/overlord/queue"
)

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [project]",
		Short: "Show queue counts and autonomy posture",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openQueue()
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()

			if len(args) == 1 {
				project := args[0]
				if _, ok := a.cfg.Projects[project]; !ok {
					return fmt.Errorf("unknown project %q", project)
				}
				tasks, err := store.ListTasks(cmd.Context(), "", project, 0)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s: %d task(s), autonomy %s\n",
					project, len(tasks), a.cfg.EffectiveAutonomy(project))
				for _, t := range tasks {
					fmt.Fprintf(w, "  %-8s  %-10s  %s\n", shortID(t.ID), t.Status, t.Title)
				}
				return nil
			}

			counts, err := store.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Projects: %d\n", len(a.cfg.Projects))
			fmt.Fprintf(w, "Autonomy: %s\n", a.cfg.Autonomy.Global)
			fmt.Fprint(w, "Queue:")
			total := 0
			for _, s := range []queue.Status{
				queue.StatusBacklog, queue.StatusActive, queue.StatusDispatched,
				queue.StatusInReview, queue.StatusCompleted, queue.StatusFailed,
			} {
				if counts[s] > 0 {
					fmt.Fprintf(w, " %s=%d", s, counts[s])
					total += counts[s]
				}
			}
			if total == 0 {
				fmt.Fprint(w, " empty")
			}
			fmt.Fprintln(w)
			return nil
		},
	}
}

func scanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [project]",
		Short: "Probe project working copies",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project := ""
			if len(args) == 1 {
				project = args[0]
			}
			scanner := chat.NewScanner(a.cfg, chat.DefaultScanTTL)
			fmt.Fprintln(cmd.OutOrStdout(), scanner.Report(cmd.Context(), project))
			return nil
		},
	}
}
