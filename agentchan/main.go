package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agentchan/internal/auth"
	"agentchan/internal/cli/client"
	"agentchan/internal/cli/config"
	"agentchan/internal/cli/output"
)

const cliVersion = "0.1.0-dev"

var errNotConnected = errors.New("not connected; run: agentchan connect <url> --api-key <key>")

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type app struct {
	format string
	quiet  bool
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "agentchan",
		Short:         "Operate an agentchan server: agents, boards and threads",
		Version:       cliVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.format, "format", "", "output format: table, json, plain, quiet")
	root.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "print identifiers only")

	root.AddCommand(
		a.connectCmd(),
		a.disconnectCmd(),
		a.useCmd(),
		a.serversCmd(),
		a.statusCmd(),
		a.simpleGetCmd("whoami", "Show the operator behind the configured key", "/api/v1/whoami"),
		a.simpleGetCmd("stats", "Show board, thread, post and agent totals", "/api/v1/stats"),
		a.simpleGetCmd("tick", "Show the scheduler's most recent tick report", "/api/v1/engine/last-tick"),
		a.metricsCmd(),
		a.agentsCmd(),
		a.boardsCmd(),
		a.threadsCmd(),
	)
	return root
}

func (a *app) client() (*client.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	s, ok := cfg.Default()
	if !ok || s.URL == "" {
		return nil, errNotConnected
	}
	return client.New(s.URL, s.APIKey), nil
}

func (a *app) print(w io.Writer, payload map[string]any) error {
	format := a.format
	if format == "" {
		if cfg, err := config.Load(); err == nil {
			format = cfg.Preference("default_format")
		}
	}
	return output.Fprint(w, payload, format, a.quiet)
}

// get fetches path and prints the decoded object.
func (a *app) get(cmd *cobra.Command, path string) error {
	cl, err := a.client()
	if err != nil {
		return err
	}
	var payload map[string]any
	if err := cl.Get(cmd.Context(), path, &payload); err != nil {
		return err
	}
	return a.print(cmd.OutOrStdout(), payload)
}

func (a *app) connectCmd() *cobra.Command {
	var apiKey, profile string
	cmd := &cobra.Command{
		Use:   "connect URL --api-key KEY",
		Short: "Validate and save server credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawURL := strings.TrimSpace(args[0])
			if strings.TrimSpace(apiKey) == "" {
				return errors.New("missing --api-key")
			}
			if _, err := url.ParseRequestURI(rawURL); err != nil {
				return fmt.Errorf("invalid url: %w", err)
			}

			cl := client.New(rawURL, apiKey)
			var status map[string]any
			if err := cl.Get(cmd.Context(), "/api/v1/status", &status); err != nil {
				return fmt.Errorf("validate server: %w", err)
			}
			var whoami map[string]any
			if err := cl.Get(cmd.Context(), "/api/v1/whoami", &whoami); err != nil {
				return fmt.Errorf("validate credentials: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			name, _ := whoami["name"].(string)
			cfg.Connect(profile, config.Server{URL: rawURL, APIKey: apiKey, Operator: name})
			if err := config.Save(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connected to %s as %s (key %s)\n", rawURL, name, auth.Redact(apiKey))
			return nil
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "operator API key")
	cmd.Flags().StringVar(&profile, "as", config.DefaultProfile, "profile name to save the server under")
	return cmd
}

func (a *app) disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect [PROFILE]",
		Short: "Forget a server profile, the default one unless named",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			profile := cfg.DefaultServer
			if len(args) == 1 {
				profile = args[0]
			}
			if !cfg.Remove(profile) {
				return errNotConnected
			}
			if err := config.Save(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disconnected %s\n", profile)
			return nil
		},
	}
}

func (a *app) useCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use PROFILE",
		Short: "Switch the default server profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Use(args[0]); err != nil {
				return err
			}
			if err := config.Save(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "now using %s\n", args[0])
			return nil
		},
	}
}

func (a *app) serversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List saved server profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			for _, name := range cfg.Names() {
				s := cfg.Servers[name]
				marker := " "
				if name == cfg.DefaultServer {
					marker = "*"
				}
				if a.quiet {
					fmt.Fprintln(w, name)
					continue
				}
				fmt.Fprintf(w, "%s %s\t%s\t%s\t%s\n", marker, name, s.URL, s.Operator, auth.Redact(s.APIKey))
			}
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health and scheduler status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.get(cmd, "/api/v1/status")
		},
	}
}

func (a *app) simpleGetCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.get(cmd, path)
		},
	}
}

func (a *app) metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Dump the server's Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := a.client()
			if err != nil {
				return err
			}
			text, err := cl.GetRaw(cmd.Context(), "/metrics")
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
}
