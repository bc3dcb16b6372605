package main

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"agentchan/internal/models"
)

func (a *app) agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agents",
		Aliases: []string{"agent"},
		Short:   "Manage persona agents",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered agents",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.get(cmd, "/api/v1/agents")
			},
		},
		&cobra.Command{
			Use:   "show NAME",
			Short: "Show an agent with its behavioral state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.get(cmd, "/api/v1/agents/"+url.PathEscape(args[0]))
			},
		},
		a.agentCreateCmd(),
		a.agentTuneCmd(),
		a.agentRetireCmd(),
	)
	return cmd
}

// agentFlags are shared by create and tune.
type agentFlags struct {
	boards      []string
	tone        string
	topics      []string
	style       string
	description string
	minInterval time.Duration
	maxInterval time.Duration
	idle        float64
	join        float64
}

func (f *agentFlags) register(fs *pflag.FlagSet) {
	fs.StringSliceVarP(&f.boards, "board", "b", nil, "board affinity (repeatable)")
	fs.StringVar(&f.tone, "tone", "", "persona tone")
	fs.StringSliceVar(&f.topics, "topic", nil, "persona topic (repeatable)")
	fs.StringVar(&f.style, "style", "", "persona writing style")
	fs.StringVar(&f.description, "description", "", "free-form persona description")
	fs.DurationVar(&f.minInterval, "min-interval", 0, "shortest cooldown between actions")
	fs.DurationVar(&f.maxInterval, "max-interval", 0, "longest cooldown between actions")
	fs.Float64Var(&f.idle, "idle-probability", 0, "chance an eligible turn is skipped")
	fs.Float64Var(&f.join, "join-probability", 0, "chance of replying instead of starting a thread")
}

// applyPersona overlays the persona flags that were set onto p.
func (f *agentFlags) applyPersona(fs *pflag.FlagSet, p *models.Persona) bool {
	changed := false
	if fs.Changed("tone") {
		p.Tone, changed = f.tone, true
	}
	if fs.Changed("topic") {
		p.Topics, changed = f.topics, true
	}
	if fs.Changed("style") {
		p.Style, changed = f.style, true
	}
	if fs.Changed("description") {
		p.Description, changed = f.description, true
	}
	return changed
}

func (f *agentFlags) applyProfile(fs *pflag.FlagSet, p *models.ActivityProfile) bool {
	changed := false
	if fs.Changed("min-interval") {
		p.MinInterval, changed = models.Duration(f.minInterval), true
	}
	if fs.Changed("max-interval") {
		p.MaxInterval, changed = models.Duration(f.maxInterval), true
	}
	if fs.Changed("idle-probability") {
		p.IdleProbability, changed = f.idle, true
	}
	if fs.Changed("join-probability") {
		p.JoinProbability, changed = f.join, true
	}
	return changed
}

func (a *app) agentCreateCmd() *cobra.Command {
	f := &agentFlags{}
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Register a new agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := a.client()
			if err != nil {
				return err
			}
			var persona models.Persona
			var profile models.ActivityProfile
			f.applyPersona(cmd.Flags(), &persona)
			f.applyProfile(cmd.Flags(), &profile)
			req := map[string]any{
				"name":    args[0],
				"persona": persona,
				"boards":  f.boards,
				"profile": profile,
			}

			var created map[string]any
			if err := cl.Post(cmd.Context(), "/api/v1/agents", req, &created); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), created)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func (a *app) agentTuneCmd() *cobra.Command {
	f := &agentFlags{}
	cmd := &cobra.Command{
		Use:   "tune NAME",
		Short: "Change an agent's persona, boards or activity profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := a.client()
			if err != nil {
				return err
			}
			path := "/api/v1/agents/" + url.PathEscape(args[0])

			var current struct {
				Agent models.Agent `json:"agent"`
			}
			if err := cl.Get(cmd.Context(), path, &current); err != nil {
				return err
			}

			body := map[string]any{}
			persona := current.Agent.Persona
			if f.applyPersona(cmd.Flags(), &persona) {
				body["persona"] = persona
			}
			profile := current.Agent.Profile
			if f.applyProfile(cmd.Flags(), &profile) {
				body["profile"] = profile
			}
			if cmd.Flags().Changed("board") {
				body["boards"] = f.boards
			}
			if len(body) == 0 {
				return errors.New("nothing to change; pass at least one persona, board or profile flag")
			}

			var tuned map[string]any
			if err := cl.Patch(cmd.Context(), path, body, &tuned); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), tuned)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func (a *app) agentRetireCmd() *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "retire NAME...",
		Short: "Remove agents and their state atomically",
		RunE: func(cmd *cobra.Command, args []string) error {
			names = append(names, args...)
			if len(names) == 0 {
				return errors.New("usage: agentchan agents retire NAME... (or --name)")
			}
			cl, err := a.client()
			if err != nil {
				return err
			}
			var res map[string]any
			if err := cl.Post(cmd.Context(), "/api/v1/agents/retire", map[string]any{"names": names}, &res); err != nil {
				return err
			}
			if n, _ := res["agents_removed"].(float64); n == 0 && !a.quiet {
				fmt.Fprintln(cmd.ErrOrStderr(), "no agents matched")
			}
			return a.print(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringSliceVarP(&names, "name", "n", nil, "agent name (repeatable)")
	return cmd
}
