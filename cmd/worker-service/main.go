package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/genqueue/internal/config"
	"github.com/cuongbtq/genqueue/internal/dispatcher"
	"github.com/cuongbtq/genqueue/internal/lock"
	"github.com/cuongbtq/genqueue/internal/prompt"
	"github.com/cuongbtq/genqueue/internal/promptqueue"
	"github.com/cuongbtq/genqueue/internal/provider"
	"github.com/cuongbtq/genqueue/internal/reconciler"
	"github.com/cuongbtq/genqueue/internal/storage"
	"github.com/cuongbtq/genqueue/internal/store"
	"github.com/cuongbtq/genqueue/internal/worker"
	"github.com/cuongbtq/genqueue/migrations"
	"github.com/cuongbtq/genqueue/shared/logger"
	"github.com/cuongbtq/genqueue/shared/postgresql"
	"github.com/cuongbtq/genqueue/shared/rabbitmq"
	"github.com/cuongbtq/genqueue/shared/redisclient"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("worker_id", workerID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.Database.MigrateOnStart {
		if err := dbClient.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	locker, redisConn, err := initLocker(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize reconciler lease: %w", err)
	}
	if redisConn != nil {
		defer redisConn.Close()
	}

	objects, err := storage.NewSupabase(&storage.Config{
		URL:          cfg.Storage.SupabaseURL,
		ServiceKey:   cfg.Storage.ServiceKey,
		Bucket:       cfg.Storage.Bucket,
		SignedURLTTL: cfg.Storage.SignedURLTTL,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	jobStore := store.NewPostgres(dbClient.GetDB(), appLogger.Logger)

	providerClient := provider.NewHTTPClient(&provider.Config{
		BaseURL:     cfg.Provider.BaseURL,
		APIKey:      cfg.Provider.APIKey,
		Model:       cfg.Provider.Model,
		CallbackURL: cfg.Provider.CallbackURL,
		Timeout:     cfg.Provider.Timeout,
	}, objects, appLogger.Logger)

	d := dispatcher.New(&dispatcher.Config{
		Store:             jobStore,
		Provider:          providerClient,
		Outputs:           objects,
		Logger:            appLogger.Component("dispatcher"),
		GlobalCap:         cfg.Dispatcher.GlobalCap,
		OwnerCap:          cfg.Dispatcher.OwnerCap,
		ClaimBatch:        cfg.Dispatcher.ClaimBatch,
		SubmitConcurrency: cfg.Dispatcher.SubmitConcurrency,
		PollConcurrency:   cfg.Dispatcher.PollConcurrency,
		PollBatch:         cfg.Dispatcher.PollBatch,
		MaxAttempts:       cfg.Dispatcher.MaxAttempts,
		Backoff: dispatcher.Backoff{
			Base:       cfg.Dispatcher.Backoff.Base,
			Max:        cfg.Dispatcher.Backoff.Max,
			Multiplier: cfg.Dispatcher.Backoff.Multiplier,
		},
		CycleInterval: cfg.Dispatcher.CycleInterval,
		PollInterval:  cfg.Dispatcher.PollInterval,
	})

	components := []worker.Component{d}

	if cfg.Prompt.Workers > 0 {
		gemini, err := prompt.NewGemini(ctx, &prompt.Config{
			APIKey:      cfg.Prompt.APIKey,
			Model:       cfg.Prompt.Model,
			Temperature: cfg.Prompt.Temperature,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize prompt provider: %w", err)
		}
		defer gemini.Close()

		components = append(components, promptqueue.New(&promptqueue.Config{
			Store:        jobStore,
			Jobs:         jobStore,
			Provider:     gemini,
			Signer:       objects,
			Notifier:     d,
			Logger:       appLogger.Component("prompt_queue"),
			Workers:      cfg.Prompt.Workers,
			Timeout:      cfg.Prompt.Timeout,
			PollInterval: cfg.Prompt.PollInterval,
			MaxAttempts:  cfg.Prompt.MaxAttempts,
		}))
	} else {
		appLogger.Warn("Prompt workers disabled, prompt-first jobs will wait for another instance")
	}

	components = append(components, reconciler.New(&reconciler.Config{
		Store:             jobStore,
		Dispatcher:        d,
		Provider:          providerClient,
		Locker:            locker,
		Logger:            appLogger.Component("reconciler"),
		Interval:          cfg.Reconciler.Interval,
		SubmittedTimeout:  cfg.Reconciler.SubmittedTimeout,
		RunningTimeout:    cfg.Reconciler.RunningTimeout,
		BatchSize:         cfg.Reconciler.BatchSize,
		// a generating prompt job is stuck once it outlives two generation timeouts
		PromptTimeout:     2 * cfg.Prompt.Timeout,
		PromptMaxAttempts: cfg.Prompt.MaxAttempts,
	}))

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		Consumer:    rabbitClient,
		Dispatcher:  d,
		Components:  components,
		WorkerID:    workerID,
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
	})

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		RoutingKey:         cfg.RoutingKey,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// initLocker returns the Redis lease when Redis is configured, otherwise a
// lock that always succeeds (single worker deployments). The returned client
// is nil without Redis and must be closed by the caller otherwise.
func initLocker(cfg *config.Config, logger *slog.Logger) (lock.Locker, *redis.Client, error) {
	if cfg.Redis.Host == "" {
		logger.Warn("Redis not configured, reconciler runs without a lease")
		return lock.Noop{}, nil, nil
	}

	client, err := redisclient.NewClient(&redisclient.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		UseTLS:   cfg.Redis.UseTLS,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	return lock.NewRedis(client, cfg.Reconciler.LockKey, cfg.Reconciler.LockTTL), client, nil
}
