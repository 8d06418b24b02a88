package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/overlord/chat"
	"github.com/c360studio/overlord/dispatch"
	"github.com/c360studio/overlord/govern"
	"github.com/c360studio/overlord/llm"
	"github.com/c360studio/overlord/memory"
	"github.com/c360studio/overlord/proposal"
)

// llmChain builds the fallback chain from the worker config: the cloud
// worker first when credentials are present, then the local endpoint.
func (a *app) llmChain() []llm.Endpoint {
	var chain []llm.Endpoint
	if w, ok := a.cfg.Workers["claude"]; ok && w.Enabled && os.Getenv("ANTHROPIC_API_KEY") != "" {
		chain = append(chain, llm.Endpoint{Provider: "anthropic", Model: w.DefaultModel})
	}
	if w, ok := a.cfg.Workers["local"]; ok && w.Enabled {
		chain = append(chain, llm.Endpoint{Provider: "ollama", URL: w.Endpoint, Model: w.DefaultModel})
	}
	return chain
}

func chatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <message...>",
		Short: "Send one message through the command router",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openQueue()
			if err != nil {
				return err
			}
			defer store.Close()

			autonomy := govern.NewAutonomy(a.cfg.Autonomy)
			engine := dispatch.NewEngine(a.cfg, autonomy, a.selector(),
				dispatch.WithEngineLogger(a.logger))

			mem, err := memory.New(store.DB(), a.logger)
			if err != nil {
				return err
			}

			proposals, err := proposal.Open(filepath.Join(a.cfg.StateDir, "proposals.db"),
				proposal.WithExecutor(engine),
				proposal.WithCompletionHook(releaseMemory(mem, a.logger)),
				proposal.WithLogger(a.logger))
			if err != nil {
				return fmt.Errorf("open proposals: %w", err)
			}
			defer proposals.Close()

			opts := []chat.RouterOption{
				chat.WithProposals(proposals),
				chat.WithExecutor(engine),
				chat.WithMemory(mem),
				chat.WithRouterLogger(a.logger),
			}
			if chain := a.llmChain(); len(chain) > 0 {
				opts = append(opts, chat.WithCompleter(llm.NewClient(chain, llm.WithLogger(a.logger))))
			}

			router := chat.NewRouter(a.cfg, store, autonomy, opts...)
			reply := router.Handle(cmd.Context(), "cli", strings.Join(args, " "))
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
}
