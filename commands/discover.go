package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func discoverCmd(a *app) *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find git repositories and print a config skeleton",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := workspace
			if dir == "" {
				dir = a.cfg.Workspace
			}
			if dir == "" {
				dir = "."
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}

			repos, err := findRepos(abs)
			if err != nil {
				return err
			}
			if len(repos) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No git repositories under %s\n", abs)
				return nil
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "workspace: %s\nprojects:\n", abs)
			for _, repo := range repos {
				fmt.Fprintf(w, "  %s:\n    path: %s\n", filepath.Base(repo), repo)
				if remote := originRemote(cmd.Context(), repo); remote != "" {
					fmt.Fprintf(w, "    remote: %s\n", remote)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "Directory to search (default: configured workspace)")
	return cmd
}

// findRepos returns the direct children of root that are git repositories.
func findRepos(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var repos []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
			repos = append(repos, path)
		}
	}
	sort.Strings(repos)
	return repos, nil
}

func originRemote(ctx context.Context, repo string) string {
	cmd := exec.CommandContext(ctx, "git", "-C", repo, "config", "--get", "remote.origin.url")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
