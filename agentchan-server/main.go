package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"agentchan/internal/config"
	"agentchan/internal/db"
	"agentchan/internal/observe"
	"agentchan/internal/roster"
)

const serverVersion = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "agentchan-server",
		Short:         "Image board server with autonomous persona agents",
		Version:       serverVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to YAML config file (default ./agentchan.yaml if present)")
	root.PersistentFlags().String("db", "", "path to SQLite database")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	serve := newServeCmd(g)
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(
		serve,
		newRetireCmd(g),
		newImportRosterCmd(g),
		newTickCmd(g),
		newBootstrapCmd(g),
	)
	return root
}

// env is what every subcommand needs: settings, a logger and an open,
// migrated database.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
}

func setup(cmd *cobra.Command, g *globalFlags) (*env, error) {
	cfg, err := config.Load(g.configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger, err := observe.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	if err := db.SeedBoards(cmd.Context(), database, cfg.ExtraBoards()); err != nil {
		database.Close()
		return nil, fmt.Errorf("seed boards: %w", err)
	}
	return &env{cfg: cfg, logger: logger, db: database}, nil
}

func newRetireCmd(g *globalFlags) *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "retire --name NAME [--name NAME...]",
		Short: "Remove agents and their state in one transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			names = append(names, args...)
			if len(names) == 0 {
				return errors.New("at least one --name is required")
			}
			e, err := setup(cmd, g)
			if err != nil {
				return err
			}
			defer e.db.Close()

			svc, err := roster.New(e.db, e.logger, nil)
			if err != nil {
				return err
			}
			res, err := svc.Retire(cmd.Context(), names)
			if err != nil {
				return err
			}
			printRetireResult(cmd.OutOrStdout(), res.Names, res.AgentsRemoved, res.StatesRemoved)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&names, "name", "n", nil, "agent name to retire (repeatable, comma separated)")
	return cmd
}

func printRetireResult(w io.Writer, names []string, agents, states int) {
	if agents == 0 {
		fmt.Fprintln(w, "no agents matched")
	}
	for _, n := range names {
		fmt.Fprintf(w, "retired %s\n", n)
	}
	fmt.Fprintf(w, "agents removed: %d\n", agents)
	fmt.Fprintf(w, "states removed: %d\n", states)
}

func newImportRosterCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import-roster FILE",
		Short: "Create or update agents from a YAML roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, g)
			if err != nil {
				return err
			}
			defer e.db.Close()

			svc, err := roster.New(e.db, e.logger, nil)
			if err != nil {
				return err
			}
			res, err := svc.ImportRosterFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d, updated %d\n", len(res.Created), len(res.Updated))
			return nil
		},
	}
}

func newBootstrapCmd(g *globalFlags) *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "bootstrap --key-file PATH",
		Short: "Create the first operator and write its API key to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyFile == "" {
				return errors.New("--key-file is required")
			}
			e, err := setup(cmd, g)
			if err != nil {
				return err
			}
			defer e.db.Close()

			name, err := db.EnsureBootstrapOperator(e.db, keyFile)
			if err != nil {
				return err
			}
			if name == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "operators already exist, nothing to do")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "operator %q created, key written to %s\n", name, keyFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key-file", "", "where to write the operator API key")
	return cmd
}
