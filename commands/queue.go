package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/c360studio/overlord/queue"
	"github.com/c360studio/overlord/tracker"
)

func queueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the work queue",
	}
	cmd.AddCommand(queueListCmd(a), queueTriageCmd(a), queueSyncCmd(a), queueLogCmd(a))
	return cmd
}

func queueListCmd(a *app) *cobra.Command {
	var (
		status  string
		project string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openQueue()
			if err != nil {
				return err
			}
			defer store.Close()

			tasks, err := store.ListTasks(cmd.Context(), queue.Status(status), project, limit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-8s  %-10s  %-14s  %-8s  %s\n", "ID", "STATUS", "PROJECT", "PRIORITY", "TITLE")
			for _, t := range tasks {
				fmt.Fprintf(w, "%-8s  %-10s  %-14s  %-8s  %s\n",
					shortID(t.ID), t.Status, t.Project, t.Priority, t.Title)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&project, "project", "", "Filter by project")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum tasks to list (0 = all)")
	return cmd
}

func queueTriageCmd(a *app) *cobra.Command {
	var (
		project string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Promote backlog tasks to active, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openQueue()
			if err != nil {
				return err
			}
			defer store.Close()

			tasks, err := store.ListTasks(cmd.Context(), queue.StatusBacklog, project, 0)
			if err != nil {
				return err
			}
			// ListTasks is newest-first; triage works the other way.
			sort.Slice(tasks, func(i, j int) bool {
				return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
			})

			promoted := 0
			for _, t := range tasks {
				if limit > 0 && promoted >= limit {
					break
				}
				if err := store.Transition(cmd.Context(), t.ID, queue.StatusActive, "triage", "promoted from backlog"); err != nil {
					return fmt.Errorf("promote %s: %w", shortID(t.ID), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Promoted %s  %s\n", shortID(t.ID), t.Title)
				promoted++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d task(s) promoted.\n", promoted)
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "Only triage this project")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum tasks to promote (0 = all)")
	return cmd
}

func queueSyncCmd(a *app) *cobra.Command {
	var (
		project string
		label   string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull labeled tracker issues into the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openQueue()
			if err != nil {
				return err
			}
			defer store.Close()

			syncer := tracker.NewSyncer(store, tracker.WithLogger(a.logger))
			names := a.cfg.ProjectNames()
			if project != "" {
				names = []string{project}
			}

			for _, name := range names {
				p, ok := a.cfg.Projects[name]
				if !ok {
					return fmt.Errorf("unknown project %q", name)
				}
				if p.Remote == "" {
					a.logger.Info("Skipping project without remote", "project", name)
					continue
				}
				res, err := syncer.Sync(cmd.Context(), name, p.Remote, label)
				if err != nil {
					return fmt.Errorf("sync %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d created, %d updated\n",
					name, res.Created, res.Updated)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "Only sync this project")
	cmd.Flags().StringVar(&label, "label", "", "Issue label to sync (default \""+tracker.DefaultLabel+"\")")
	return cmd
}

func queueLogCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "log <task-id>",
		Short: "Show a task's audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openQueue()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.GetTaskLog(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No log entries.")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s -> %s  by %s  %s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"),
					e.OldStatus, e.NewStatus, e.ChangedBy, e.Reason)
			}
			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
