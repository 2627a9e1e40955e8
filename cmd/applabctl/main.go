package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"applabd/pkg/types"
)

type clientConfig struct {
	Server  string
	Timeout time.Duration
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "applabctl: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	cfg := &clientConfig{Server: "http://127.0.0.1:8080", Timeout: 30 * time.Second}
	if v := os.Getenv("APPLABCTL_SERVER"); v != "" {
		cfg.Server = v
	}
	return buildRootCmdWith(cfg, os.Stdout)
}

// buildRootCmdWith constructs the command tree; output goes to w so tests
// can capture it.
func buildRootCmdWith(cfg *clientConfig, w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "applabctl",
		Short:         "Client for the applabd lifecycle daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.Server, "server", cfg.Server, "applabd base URL (defaults APPLABCTL_SERVER or http://127.0.0.1:8080)")
	root.PersistentFlags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")

	cl := func() *client { return newClient(cfg.Server, cfg.Timeout) }

	modelsCmd := &cobra.Command{Use: "models", Short: "List models in the local catalog", RunE: func(cmd *cobra.Command, args []string) error {
		list, err := cl().Models(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tPATH")
		for _, m := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", m.ID, m.Name, m.Path)
		}
		return tw.Flush()
	}}
	root.AddCommand(modelsCmd)

	// apps group
	appsCmd := &cobra.Command{Use: "apps", Short: "Manage containerized applications", RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("apps requires a subcommand: list|pull|stop|remove|restart")
	}}
	appsList := &cobra.Command{Use: "list", Short: "List tracked applications", RunE: func(cmd *cobra.Command, args []string) error {
		list, err := cl().Applications(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RECIPE\tMODEL\tPOD\tSTATUS\tHEALTH\tAPP PORTS\tMODEL PORTS")
		for _, a := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%v\t%v\n", a.RecipeID, a.ModelID, a.PodName, a.PodStatus, a.Health, a.AppPorts, a.ModelPorts)
		}
		return tw.Flush()
	}}
	var pullRepo, pullRef, pullConfig, pullModel string
	appsPull := &cobra.Command{
		Use:     "pull <recipe-id>",
		Short:   "Provision an application from a recipe repository",
		Example: "  applabctl apps pull chatbot --repo https://github.com/containers/ai-lab-recipes --model tinyllama-q4.gguf",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.ApplicationRequest{
				Recipe: types.Recipe{ID: args[0], RepoURL: pullRepo, Ref: pullRef, ConfigPath: pullConfig},
				Model:  types.ModelInfo{ID: pullModel},
			}
			if err := cl().PullApplication(cmd.Context(), req); err != nil {
				return err
			}
			fmt.Fprintln(w, "ok")
			return nil
		},
	}
	appsPull.Flags().StringVar(&pullRepo, "repo", "", "Recipe repository URL")
	appsPull.Flags().StringVar(&pullRef, "ref", "", "Git ref to check out")
	appsPull.Flags().StringVar(&pullConfig, "config", "", "Recipe config path inside the repository")
	appsPull.Flags().StringVar(&pullModel, "model", "", "Model id from the catalog")
	appsCmd.AddCommand(appsList, appsPull)
	opShort := map[string]string{
		"stop":    "Stop a tracked application",
		"remove":  "Remove a tracked application and its pod",
		"restart": "Re-provision an application from its last request",
	}
	for _, op := range []string{"stop", "remove", "restart"} {
		op := op
		appsCmd.AddCommand(&cobra.Command{
			Use:   op + " <recipe-id> <model-id>",
			Short: opShort[op],
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := cl().ApplicationOp(cmd.Context(), op, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintln(w, "ok")
				return nil
			},
		})
	}
	root.AddCommand(appsCmd)

	// play group
	playCmd := &cobra.Command{Use: "play", Short: "Manage inference playgrounds", RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("play requires a subcommand: list|start|stop|query")
	}}
	playList := &cobra.Command{Use: "list", Short: "List playgrounds", RunE: func(cmd *cobra.Command, args []string) error {
		list, err := cl().Playgrounds(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MODEL\tSTATUS\tPORT\tERROR")
		for _, p := range list {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.ModelID, p.Status, p.Port, p.Error)
		}
		return tw.Flush()
	}}
	playStart := &cobra.Command{Use: "start <model-id>", Short: "Start a playground for a model", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		if err := cl().StartPlayground(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(w, "ok")
		return nil
	}}
	playStop := &cobra.Command{Use: "stop <model-id>", Short: "Stop a playground", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		if err := cl().StopPlayground(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(w, "ok")
		return nil
	}}
	playQuery := &cobra.Command{
		Use:     "query <model-id> <prompt>",
		Short:   "Send a prompt to a running playground",
		Example: `  applabctl play query tinyllama-q4.gguf "Write a haiku about the ocean."`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := cl().Query(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "query %d accepted\n", st.ID)
			return nil
		},
	}
	playCmd.AddCommand(playList, playStart, playStop, playQuery)
	root.AddCommand(playCmd)

	tasksCmd := &cobra.Command{Use: "tasks", Short: "Show provisioning and lifecycle tasks", RunE: func(cmd *cobra.Command, args []string) error {
		list, err := cl().Tasks(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STATE\tNAME\tERROR")
		for _, tk := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", tk.State, tk.Name, tk.Error)
		}
		return tw.Flush()
	}}
	root.AddCommand(tasksCmd)

	queriesCmd := &cobra.Command{Use: "queries", Short: "Show playground query history", RunE: func(cmd *cobra.Command, args []string) error {
		list, err := cl().Queries(cmd.Context())
		if err != nil {
			return err
		}
		for _, q := range list {
			fmt.Fprintf(w, "#%d [%s] %s\n", q.ID, q.ModelID, q.Prompt)
			if q.Error != "" {
				fmt.Fprintf(w, "  error: %s\n", q.Error)
			} else if q.Response != "" {
				fmt.Fprintf(w, "  %s\n", q.Response)
			}
		}
		return nil
	}}
	root.AddCommand(queriesCmd)

	eventsCmd := &cobra.Command{Use: "events", Short: "Follow the daemon notification stream", RunE: func(cmd *cobra.Command, args []string) error {
		return cl().WatchEvents(cmd.Context(), func(msg string) {
			fmt.Fprintln(w, msg)
		})
	}}
	root.AddCommand(eventsCmd)

	return root
}
