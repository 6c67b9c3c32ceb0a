package main

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"courselit/automation"
	"courselit/config"
	"courselit/middleware"
	"courselit/routes"
	"courselit/store"
	"courselit/utils"
	"courselit/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Fatalf("Failed to initialize Sentry: %v", err)
		}
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	st := store.NewGorm(config.DB)
	audience := utils.NewAudience(config.DB, logger)

	recorder := automation.NewRecorder(st, logger)
	trigger := automation.NewTrigger(st, logger)
	publisher := automation.NewPublisher(st, audience, logger)

	mailer := utils.NewMailer(
		config.AppConfig.SMTPHost,
		config.AppConfig.SMTPPort,
		config.AppConfig.SMTPUsername,
		config.AppConfig.SMTPPassword,
	)

	deliveryWorker := worker.NewDeliveryWorker(st, mailer, utils.NewRenderer(), publisher, logger, worker.Options{
		PollInterval: config.AppConfig.Scheduler.PollInterval,
		BatchSize:    config.AppConfig.Scheduler.BatchSize,
		LeaseFor:     config.AppConfig.Scheduler.LeaseFor,
		MaxAttempts:  config.AppConfig.Scheduler.MaxAttempts,
		FromAddress:  config.AppConfig.FromEmail,
		FromName:     config.AppConfig.FromName,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trigger.Run(ctx)
	go deliveryWorker.Start(ctx)

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, routes.Deps{
		Store:     st,
		Recorder:  recorder,
		Trigger:   trigger,
		Publisher: publisher,
		Logger:    logger,
	})

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
