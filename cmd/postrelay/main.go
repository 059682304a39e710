package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/postrelay/internal/api"
	"github.com/shohag/postrelay/internal/config"
	"github.com/shohag/postrelay/internal/delivery"
	"github.com/shohag/postrelay/internal/health"
	"github.com/shohag/postrelay/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "postrelay",
		Short:        "postrelay delivers conversion postbacks to partner endpoints",
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(templateCmd(&configPath))
	rootCmd.AddCommand(dispatchCmd(&configPath))
	rootCmd.AddCommand(retryFailedCmd(&configPath))
	rootCmd.AddCommand(healthCmd(&configPath))
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the retry scheduler and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			queue, closeQueue, err := setupQueue(context.Background(), cfg.Queue, log)
			if err != nil {
				return fmt.Errorf("failed to setup retry queue: %w", err)
			}
			defer closeQueue()

			if err := recoverInflight(context.Background(), queue, log); err != nil {
				return fmt.Errorf("failed to recover retry queue: %w", err)
			}

			engine := delivery.NewEngine(cfg.Delivery, store, queue, log, delivery.Options{})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			engine.Scheduler.Start(ctx)

			monitor := health.NewMonitor(store, queue, thresholds(cfg.Health))
			server := api.NewServer(cfg.Server, store, engine, monitor, cfg.Health.Window, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("workers", cfg.Delivery.Workers).
				Str("storage", cfg.Storage.Driver).
				Str("queue", cfg.Queue.Driver).
				Msg("postrelay is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			engine.Scheduler.Stop()

			log.Info().Msg("postrelay stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("postrelay v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "memory":
		log.Warn().Msg("using in-memory storage, attempts are lost on exit")
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// setupQueue opens the retry queue. It never touches in-flight state, so
// short-lived commands can share a Redis queue with a running server.
func setupQueue(ctx context.Context, cfg config.QueueConfig, log zerolog.Logger) (delivery.JobQueue, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		log.Info().Msg("using in-memory retry queue")
		return delivery.NewMemoryQueue(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}

		log.Info().Str("addr", cfg.Redis.Addr).Str("prefix", cfg.Redis.Prefix).Msg("using Redis retry queue")
		return delivery.NewRedisQueue(client, cfg.Redis.Prefix), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}

// recoverInflight clears targets a crashed server left in flight so the bulk
// sweep can pick them up again. Only serve calls it: it owns the scheduler,
// and the in-memory queue starts empty anyway.
func recoverInflight(ctx context.Context, queue delivery.JobQueue, log zerolog.Logger) error {
	rq, ok := queue.(*delivery.RedisQueue)
	if !ok {
		return nil
	}
	cleared, err := rq.ClearInflight(ctx)
	if err != nil {
		return fmt.Errorf("clear in-flight targets: %w", err)
	}
	if cleared > 0 {
		log.Warn().Int64("cleared_inflight", cleared).Msg("cleared targets left in flight by a previous server")
	}
	return nil
}

func storeFromConfig(configPath string) (*config.Config, storage.Storage, zerolog.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, zerolog.Nop(), nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, log, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, log, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return cfg, store, log, func() { store.Close() }, nil
}

// engineFromConfig opens storage and the retry queue and builds an engine
// over them.
func engineFromConfig(configPath string) (*config.Config, storage.Storage, *delivery.Engine, func(), error) {
	cfg, store, log, closeStore, err := storeFromConfig(configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	queue, closeQueue, err := setupQueue(context.Background(), cfg.Queue, log)
	if err != nil {
		closeStore()
		return nil, nil, nil, nil, fmt.Errorf("failed to setup retry queue: %w", err)
	}

	engine := delivery.NewEngine(cfg.Delivery, store, queue, log, delivery.Options{})
	return cfg, store, engine, func() {
		closeQueue()
		closeStore()
	}, nil
}

func thresholds(cfg config.HealthConfig) health.Thresholds {
	return health.Thresholds{Healthy: cfg.HealthyThreshold, Warning: cfg.WarningThreshold}
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
