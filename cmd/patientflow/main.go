package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic-ops/patientflow/internal/api"
	"github.com/clinic-ops/patientflow/internal/board"
	"github.com/clinic-ops/patientflow/internal/desk"
	"github.com/clinic-ops/patientflow/internal/flow"
	"github.com/clinic-ops/patientflow/internal/journal"
	"github.com/clinic-ops/patientflow/internal/reconcile"
	"github.com/clinic-ops/patientflow/internal/shared/auth"
	"github.com/clinic-ops/patientflow/internal/shared/config"
	"github.com/clinic-ops/patientflow/internal/shared/database"
	"github.com/clinic-ops/patientflow/internal/shared/events"
	"github.com/clinic-ops/patientflow/internal/shared/logging"
	"github.com/clinic-ops/patientflow/internal/store"
	"github.com/clinic-ops/patientflow/internal/transition"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "patientflow",
		Short: "Clinic patient-flow queue orchestrator",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logging.New(cfg.Server.Env, cfg.Log.Level), nil
}

func newStore(cfg *config.Config, logger zerolog.Logger) *store.Client {
	return store.New(store.Config{
		BaseURL:           cfg.Store.BaseURL,
		Timeout:           cfg.Store.Timeout,
		RequestsPerSecond: cfg.Store.RequestsPerSecond,
		Burst:             cfg.Store.Burst,
	}, logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the poller and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

func runServer(parent context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logger)
	defer bus.Close()

	client := newStore(cfg, logger)
	loc := cfg.Poller.Location()

	engine := transition.NewEngine(client, bus, logger, transition.WithLocation(loc))
	poller := reconcile.NewPoller(client, bus, reconcile.Config{Interval: cfg.Poller.Interval, Location: loc}, logger)

	sink, closeSink, checks, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	sub := journal.NewSubscriber(sink, bus, logger)
	if err := sub.Start(ctx); err != nil {
		return err
	}
	defer sub.Stop()

	if err := poller.Start(ctx); err != nil {
		return err
	}
	defer poller.Stop()

	desks := []*desk.Desk{
		desk.New(flow.StageReception, poller, engine, logger),
		desk.New(flow.StageOPD, poller, engine, logger),
		desk.New(flow.StageDoctor, poller, engine, logger),
	}
	handler := api.NewHandler(api.Deps{
		Poller:       poller,
		Board:        board.New(poller, engine, logger),
		Desks:        desks,
		Engine:       engine,
		Journal:      sink,
		JournalRoles: cfg.Auth.JournalRoles,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(cfg, handler, logger, checks...),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Int("port", cfg.Server.Port).
			Str("env", cfg.Server.Env).
			Str("store", cfg.Store.BaseURL).
			Str("journal", sink.Name()).
			Str("timezone", loc.String()).
			Msg("patientflow listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	return nil
}

// openJournal picks the configured sink. A disabled journal still records
// in memory so /api/v1/journal works.
func openJournal(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (journal.Sink, func(), []api.ReadyCheck, error) {
	noop := func() {}
	if !cfg.Journal.Enabled {
		return journal.NewMemorySink(), noop, nil, nil
	}

	switch cfg.Journal.Sink {
	case "kurrentdb":
		client, err := journal.DialKurrent(cfg.Journal.KurrentDB.ConnectionString())
		if err != nil {
			return nil, noop, nil, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close kurrentdb client")
			}
		}
		return journal.NewKurrentSink(client, cfg.Journal.KurrentDB.Stream), closeFn, nil, nil

	case "postgres":
		db, err := database.New(ctx, cfg.Journal.Database)
		if err != nil {
			return nil, noop, nil, err
		}
		if _, err := database.Migrate(ctx, db.Pool, logger); err != nil {
			db.Close()
			return nil, noop, nil, err
		}
		checks := []api.ReadyCheck{{Name: "database", Check: db.Health}}
		return journal.NewPostgresSink(db.Pool), db.Close, checks, nil
	}

	return journal.NewMemorySink(), noop, nil, nil
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Poll the store once and print the merged board as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			date, _ := cmd.Flags().GetString("date")

			poller := reconcile.NewPoller(newStore(cfg, logger), nil,
				reconcile.Config{Interval: cfg.Poller.Interval, Location: cfg.Poller.Location()}, logger)
			if err := poller.SetDate(date); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.Timeout+5*time.Second)
			defer cancel()
			snap, err := poller.Poll(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cmd.Flags().String("date", "", "Clinic date (YYYY-MM-DD), defaults to today")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the journal schema to the postgres sink database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			db, err := database.New(ctx, cfg.Journal.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := database.Migrate(ctx, db.Pool, logger)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", v)
			}
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed staff token for a desk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			role, _ := cmd.Flags().GetString("role")
			subject, _ := cmd.Flags().GetString("subject")
			name, _ := cmd.Flags().GetString("name")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if role == "" {
				return fmt.Errorf("--role is required")
			}

			token, err := auth.IssueToken(cfg.Auth.JWTSecret, subject, name, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("role", "", "Staff role (reception, opd, doctor, ...)")
	cmd.Flags().String("subject", "", "Staff identifier")
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
