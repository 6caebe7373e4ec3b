package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"sequencer/backoff"
	"sequencer/config"
	"sequencer/middleware"
	"sequencer/queue"
	"sequencer/repository"
	"sequencer/routes"
	"sequencer/sequence"
	"sequencer/utils"
	"sequencer/worker"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig
	logger := config.NewLogger(cfg)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.WithError(err).Warn("Sentry initialization failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := config.ConnectRedis(ctx); err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}

	store := repository.NewGormStore(config.DB)
	advance := queue.NewRedisAdvanceQueue(config.Redis)
	emails := queue.NewRedisEmailQueue(config.Redis)

	executor := sequence.NewExecutor(store, emails, advance, utils.NewWebhookClient(cfg.Engine.WebhookTimeout), sequence.ExecutorConfig{
		MaxStepAttempts: cfg.Engine.MaxStepAttempts,
		Backoff:         backoff.Jittered{Initial: cfg.Engine.RetryBaseDelay, Max: cfg.Engine.RetryMaxDelay},
		FailurePolicy:   sequence.FailurePolicy(cfg.Engine.StepFailurePolicy),
		ExecutionLease:  cfg.Engine.ExecutionLease,
		MaxStepsPerRun:  cfg.Engine.MaxStepsPerRun,
	}, logger.WithField("component", "executor"))
	manager := sequence.NewManager(store, advance, sequence.ManagerConfig{
		EnrollBatchSize:   cfg.Engine.EnrollBatchSize,
		ScheduleBatchSize: cfg.Engine.ScheduleBatchSize,
	}, logger.WithField("component", "enrollment"))
	stats := sequence.NewStatsAggregator(store, logger.WithField("component", "stats"))

	// Start workers
	sequenceWorker := worker.NewSequenceWorker(executor, advance, store, stats, worker.SequenceWorkerConfig{
		Concurrency:   cfg.Engine.WorkerConcurrency,
		SweepSchedule: cfg.Engine.SweepSchedule,
		StatsSchedule: cfg.Engine.StatsSchedule,
	}, logger)
	go func() {
		if err := sequenceWorker.Start(ctx); err != nil {
			logger.WithError(err).Error("Sequence worker stopped")
			stop()
		}
	}()

	sendWorker := worker.NewSendWorker(emails, store, utils.SMTPMailer{}, cfg.EncryptionKey, logger)
	if cfg.TrackingBaseURL != "" {
		sendWorker.WithTracking(cfg.TrackingBaseURL, cfg.TrackingSecret)
	}
	go sendWorker.Start(ctx)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		DisableStartupMessage: cfg.Environment == "production",
	})
	corsConfig := middleware.DefaultCORSConfig()
	corsConfig.AllowedOrigins = cfg.CORSOrigins
	app.Use(middleware.CORS(corsConfig))

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	routes.SetupRoutes(app, routes.Dependencies{
		Store:          store,
		Manager:        manager,
		Stats:          stats,
		JWTSecret:      cfg.JWTSecret,
		EncryptionKey:  cfg.EncryptionKey,
		ImportRateMax:  cfg.ImportRateMax,
		LimiterStorage: middleware.NewRedisStorage(config.Redis),
		Logger:         logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()

	// Start server
	logger.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}

	if sqlDB, err := config.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = config.Redis.Close()
}
