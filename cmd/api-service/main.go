package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/parallax-avatar/internal/api/handler"
	"github.com/cuongbtq/parallax-avatar/internal/api/router"
	"github.com/cuongbtq/parallax-avatar/internal/batch"
	"github.com/cuongbtq/parallax-avatar/internal/cache"
	"github.com/cuongbtq/parallax-avatar/internal/config"
	"github.com/cuongbtq/parallax-avatar/internal/generation"
	"github.com/cuongbtq/parallax-avatar/internal/history"
	"github.com/cuongbtq/parallax-avatar/internal/replicate"
	"github.com/cuongbtq/parallax-avatar/shared/logger"
	"github.com/cuongbtq/parallax-avatar/shared/postgresql"
	"github.com/cuongbtq/parallax-avatar/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const serviceName = "parallax-avatar"

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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	predictor := replicate.NewClient(cfg.Generation.Replicate.ClientOptions(appLogger.Component("replicate")))
	if !predictor.HasCredentials() {
		appLogger.Warn("REPLICATE_API_TOKEN is not set; generation endpoints will return 500")
	}

	orchestrator := batch.NewOrchestrator(
		generation.NewFrameClient(predictor, cfg.Generation.Replicate.FrameModel, appLogger.Component("frames")),
		cfg.Generation.Batch.Policy(),
		appLogger.Component("orchestrator"),
		batch.WithCostPerFrame(cfg.Generation.Batch.CostPerFrame),
	)

	deps := &handler.Dependencies{
		Logger:       appLogger.Logger,
		ServiceName:  serviceName,
		Config:       cfg,
		Credentials:  predictor,
		Orchestrator: orchestrator,
		Checks:       map[string]handler.HealthChecker{},
	}

	// Cleanup function to close all resources
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				appLogger.Warn("Failed to release resource", slog.Any("error", err))
			}
		}
	}
	defer cleanup()

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	if model := cfg.Generation.Replicate.RestyleModel; model != "" {
		store, closeStore, err := initCache(startupCtx, cfg, appLogger.Component("cache"), deps)
		if err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}
		if closeStore != nil {
			closers = append(closers, closeStore)
		}
		deps.Restyler = generation.NewRestyler(predictor, model, cfg.Generation.Replicate.RestylePrompt, store, appLogger.Component("restyle"))
	}

	if model := cfg.Generation.Replicate.MeshModel; model != "" {
		deps.Mesh = generation.NewMeshGenerator(predictor, model, cfg.Generation.Replicate.MeshOutputField)
	}

	if cfg.Database.Enabled {
		dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		closers = append(closers, dbClient.Close)
		deps.Checks["postgres"] = dbClient

		if cfg.History.Migrate {
			if err := history.Migrate(postgresConfig(&cfg.Database).DSN(), appLogger.Component("migrate")); err != nil {
				return fmt.Errorf("failed to migrate history schema: %w", err)
			}
		}
		deps.History = history.NewStore(dbClient.GetDB(), appLogger.Component("history"))

		appLogger.Info("Database connection established")
	}

	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		closers = append(closers, rabbitClient.Close)
		deps.Checks["rabbitmq"] = rabbitClient
		deps.Publisher = rabbitClient

		appLogger.Info("RabbitMQ connection established")
	}

	r := initRouter(cfg.App.Environment, deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Int("concurrency", cfg.Generation.Batch.Concurrency),
		slog.Duration("batch_timeout", cfg.Generation.Batch.BatchTimeout),
		slog.Bool("history", deps.History != nil),
		slog.Bool("queue", deps.Publisher != nil),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initCache picks the restyle cache backend. The returned closer may be nil.
func initCache(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *handler.Dependencies) (cache.Store, func() error, error) {
	switch cfg.Cache.Backend {
	case config.CacheRedis:
		store, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			TTL:       cfg.Cache.Redis.TTL,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		deps.Checks["redis"] = store
		return store, store.Close, nil

	case config.CacheNone:
		return nil, nil, nil

	default:
		return cache.NewMemoryStore(cfg.Cache.MaxEntries), nil, nil
	}
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(postgresConfig(cfg), logger)
}

func postgresConfig(cfg *config.DatabaseConfig) *postgresql.Config {
	return &postgresql.Config{
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
	}
}

// initRabbitMQ initializes the RabbitMQ client used to enqueue async batches
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
