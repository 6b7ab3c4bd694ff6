package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tokend/internal/audit"
	"tokend/internal/config"
	"tokend/internal/lifecycle"
	"tokend/internal/query"
	"tokend/internal/server"
	"tokend/internal/store"
	"tokend/internal/telemetry"
	"tokend/pkg/bus"
)

const serviceName = "tokend"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tokend",
		Short:         "Share-token lifecycle service for the imaging gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newSweepCommand())
	return cmd
}

func setup(ctx context.Context) (config.Config, error) {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	return config.Load(ctx)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service and the retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := setup(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			cleanup, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := cleanup(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("shutdown telemetry")
				}
			}()

			st, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			policies, err := cfg.Policies()
			if err != nil {
				return fmt.Errorf("load policies: %w", err)
			}

			mgrCfg := lifecycle.Config{
				Policies:     policies,
				Detector:     cfg.Detector(),
				Retention:    cfg.RetentionWindow,
				UnlimitedTTL: cfg.UnlimitedTokenDuration,
				Logger:       log.Logger,
			}

			if cfg.NATSURL != "" {
				events, err := bus.New(cfg.NATSURL)
				if err != nil {
					return fmt.Errorf("connect nats: %w", err)
				}
				defer events.Close()
				mgrCfg.Publisher = events
			}

			if cfg.DBDSN != "" {
				auditDB, err := audit.Open(cfg.DBDSN)
				if err != nil {
					return fmt.Errorf("open audit database: %w", err)
				}
				defer func() {
					if err := audit.Close(auditDB); err != nil {
						log.Error().Err(err).Msg("close audit database")
					}
				}()
				mgrCfg.Auditor = audit.NewRecorder(auditDB)
			}

			manager, err := lifecycle.New(st, mgrCfg)
			if err != nil {
				return err
			}

			queries := query.New(st, manager.Detector(), cfg.Buckets(), manager.Retention())

			srv, err := server.New(manager, queries, server.Config{
				PublicBaseURL:  cfg.PublicBaseURL,
				AllowedOrigins: cfg.AllowedOrigins,
			}, log.Logger)
			if err != nil {
				return err
			}

			go lifecycle.NewSweeper(manager, cfg.SweepInterval, log.Logger).Run(ctx)

			httpSrv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           srv.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				log.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreBackend).Msg("starting tokend")
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("http server")
				}
			}()

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the postgres store and audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := setup(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DBDSN == "" {
				return fmt.Errorf("DB_DSN is required for migrate")
			}

			pool, err := store.Open(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer pool.Close()

			if err := store.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := setup(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			st, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			policies, err := cfg.Policies()
			if err != nil {
				return fmt.Errorf("load policies: %w", err)
			}

			manager, err := lifecycle.New(st, lifecycle.Config{
				Policies:     policies,
				Detector:     cfg.Detector(),
				Retention:    cfg.RetentionWindow,
				UnlimitedTTL: cfg.UnlimitedTokenDuration,
				Logger:       log.Logger,
			})
			if err != nil {
				return err
			}

			purged, err := manager.Sweep(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("purged", purged).Msg("sweep complete")
			return nil
		},
	}
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return store.NewRedis(client, cfg.RetentionWindow), func() { _ = client.Close() }, nil
	case "postgres":
		if cfg.DBDSN == "" {
			return nil, nil, fmt.Errorf("DB_DSN is required for the postgres store")
		}
		pool, err := store.Open(ctx, cfg.DBDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		return store.NewPostgres(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
