// cmd/marketrust/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"marketrust/internal/config"
	"marketrust/internal/dispatch"
	"marketrust/internal/identity"
	"marketrust/internal/logging"
	"marketrust/internal/server"
	"marketrust/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "marketrust",
		Short:         "Trust and visibility rules for the services marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("MARKETRUST_CONFIG"), "path to a YAML config file")

	load := func() (config.Config, zerolog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, zerolog.Nop(), err
		}
		return cfg, logging.New(cfg.Logging), nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the authentication, event and sweep endpoints",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := load()
				if err != nil {
					return err
				}
				return runServe(cmd.Context(), cfg, log)
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Re-evaluate the visibility of every master once",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := load()
				if err != nil {
					return err
				}
				return runSweep(cmd.Context(), cfg, log)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the Postgres schema",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := load()
				if err != nil {
					return err
				}
				return runMigrate(cmd.Context(), cfg, log)
			},
		},
	)

	return root
}

func runServe(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to start")
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to release resources")
		}
	}()

	identitySvc, err := a.identityService()
	if err != nil {
		if errors.Is(err, identity.ErrMissingSigningSecret) {
			log.Error().Msg("TOKEN_SECRET must be set to issue credentials")
		}
		return err
	}

	srv := server.New(log, cfg.HTTP, server.NewRouter(log, server.Dependencies{
		Health:     a.store,
		Identity:   identity.NewHandler(identitySvc),
		Events:     dispatch.NewHandler(a.dispatcher),
		Sweeper:    a.sweeper,
		Gatherer:   a.registry,
		TriggerKey: cfg.HTTP.TriggerKey,
	}))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runSweep(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close(context.Background())

	result, err := a.sweeper.Run(ctx)
	log.Info().Int("masters", result.Masters).Int("failures", result.Failures).Msg("sweep complete")
	return err
}

func runMigrate(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if cfg.Store.Driver != "postgres" {
		log.Info().Str("store", cfg.Store.Driver).Msg("nothing to migrate")
		return nil
	}
	store, err := postgres.Open(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxOpenConns)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	log.Info().Msg("schema applied")
	return nil
}
