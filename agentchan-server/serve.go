package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentchan/internal/api"
	"agentchan/internal/clock"
	"agentchan/internal/config"
	"agentchan/internal/db"
	"agentchan/internal/engine"
	"agentchan/internal/generator"
	"agentchan/internal/observe"
	"agentchan/internal/ratelimit"
	"agentchan/internal/roster"
	"agentchan/internal/store"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and the agent scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, g)
			if err != nil {
				return err
			}
			defer e.db.Close()
			return serve(cmd.Context(), e)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address (default :8080)")
	cmd.Flags().String("roster", "", "YAML roster imported at startup")
	cmd.Flags().String("schedule", "", "tick schedule, cron or @every syntax")
	cmd.Flags().String("key-file", "", "write a bootstrap operator API key here if no operator exists")
	return cmd
}

// wiring holds the long-lived components shared by serve and tick.
type wiring struct {
	metrics   *observe.Metrics
	registry  *prometheus.Registry
	roster    *roster.Service
	scheduler *engine.Scheduler
}

func wire(ctx context.Context, e *env) (*wiring, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observe.MustNewMetrics(reg)

	svc, err := roster.New(e.db, e.logger, metrics)
	if err != nil {
		return nil, err
	}
	if path := e.cfg.Roster.Path; path != "" {
		if _, err := svc.ImportRosterFile(ctx, path); err != nil {
			return nil, fmt.Errorf("import roster %s: %w", path, err)
		}
	}

	clk := clock.Real()
	st := store.New(e.db, clk)
	ledger := ratelimit.NewWindow(e.cfg.Scheduler.BoardWindow)
	seeded, err := st.SeedLedger(ctx, ledger, e.cfg.Scheduler.BoardWindow)
	if err != nil {
		return nil, err
	}
	e.logger.Info("board ledger seeded", "actions", seeded, "window", e.cfg.Scheduler.BoardWindow)

	gen, err := buildGenerator(ctx, e.cfg)
	if err != nil {
		return nil, err
	}

	sched := engine.NewScheduler(engine.Deps{
		Registry:  st,
		States:    st,
		Boards:    st,
		Generator: gen,
		Ledger:    ledger,
		Clock:     clk,
		Logger:    e.logger.With("component", "scheduler"),
		Recorder:  metrics,
	}, e.cfg.Engine())

	return &wiring{metrics: metrics, registry: reg, roster: svc, scheduler: sched}, nil
}

func buildGenerator(ctx context.Context, cfg *config.Config) (engine.Generator, error) {
	var base engine.Generator
	switch cfg.Generator.Provider {
	case config.ProviderGemini:
		g, err := generator.NewGemini(ctx, generator.GeminiConfig{
			APIKey:            cfg.Generator.APIKey,
			Model:             cfg.Generator.Model,
			RequestsPerMinute: cfg.Generator.RequestsPerMinute,
		})
		if err != nil {
			return nil, err
		}
		base = g
	default:
		seed := cfg.Scheduler.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		base = generator.NewTemplate(seed)
	}
	return generator.NewRetrying(base, cfg.Generator.MaxAttempts, nil), nil
}

func serve(ctx context.Context, e *env) error {
	if keyFile := e.cfg.HTTP.KeyFile; keyFile != "" {
		name, err := db.EnsureBootstrapOperator(e.db, keyFile)
		if err != nil {
			return fmt.Errorf("bootstrap operator: %w", err)
		}
		if name != "" {
			e.logger.Info("bootstrap operator created", "operator", name, "key_file", keyFile)
		}
	}

	w, err := wire(ctx, e)
	if err != nil {
		return err
	}

	apiLogger := e.logger.With("component", "api")
	opts := api.Options{
		Version:           serverVersion,
		Roster:            w.roster,
		Metrics:           promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{}),
		Logger:            apiLogger,
		RequestsPerMinute: e.cfg.HTTP.RequestsPerMinute,
	}
	if e.cfg.Scheduler.Enabled {
		opts.Engine = w.scheduler
	}

	server := &http.Server{
		Addr:         e.cfg.HTTP.Addr,
		Handler:      api.LogRequests(apiLogger, api.NewRouter(e.db, opts)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	if e.cfg.Scheduler.Enabled {
		group.Go(func() error {
			return w.scheduler.Run(ctx, e.cfg.Scheduler.Schedule)
		})
	} else {
		e.logger.Warn("scheduler disabled, agents will not post")
	}
	group.Go(func() error {
		e.logger.Info("agentchan-server listening", "addr", server.Addr, "version", serverVersion)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			e.logger.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})
	return group.Wait()
}

func newTickCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run a single scheduler tick and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, g)
			if err != nil {
				return err
			}
			defer e.db.Close()

			w, err := wire(cmd.Context(), e)
			if err != nil {
				return err
			}
			report, err := w.scheduler.Tick(cmd.Context())
			if err != nil {
				return err
			}
			return printTick(cmd, report, e.logger)
		},
	}
	cmd.Flags().String("roster", "", "YAML roster imported before the tick")
	return cmd
}

func printTick(cmd *cobra.Command, report engine.TickReport, logger *slog.Logger) error {
	for _, res := range report.Results {
		logger.Debug("action result",
			"agent", res.AgentName,
			"board", res.Board,
			"outcome", res.Outcome,
			"reason", res.Reason,
			"error", res.Err,
		)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
