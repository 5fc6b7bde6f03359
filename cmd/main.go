package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"school-portal/internal/di"
	"school-portal/internal/querycache/config"
	"school-portal/internal/shared/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	appLogger := logger.New(logger.Config{
		Backend:     os.Getenv("LOG_BACKEND"),
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      os.Getenv("LOG_FORMAT"),
		Environment: os.Getenv("ENVIRONMENT"),
	})

	cfg, err := config.LoadConfig()
	if err != nil {
		appLogger.Fatalf("Failed to load configuration: %v", err)
	}
	appLogger.Infof("Configuration loaded (driver=%s)", cfg.Driver)

	container := di.NewContainer(cfg, appLogger)
	defer func() {
		if err := container.Close(); err != nil {
			appLogger.Errorf("Failed to close container: %v", err)
		}
	}()

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := container.InitializeStore(initCtx); err != nil {
		appLogger.Fatalf("Failed to initialize remote store: %v", err)
	}
	if err := container.InitializeRedis(initCtx); err != nil {
		appLogger.Fatalf("Failed to initialize Redis: %v", err)
	}
	if err := container.InitializeQueryCache(); err != nil {
		appLogger.Fatalf("Failed to initialize query cache: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:      "School Portal Query Cache",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if fe, ok := err.(*fiber.Error); ok {
				code = fe.Code
			}
			if code >= fiber.StatusInternalServerError {
				appLogger.Errorf("HTTP error on %s: %v", c.Path(), err)
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   "INTERNAL",
				"message": err.Error(),
			})
		},
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, X-Request-ID",
	}))

	module := container.GetQueryCacheModule()
	module.RegisterRoutes(app)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	module.Start(runCtx)

	addr := cfg.Server.Addr()
	appLogger.Infof("Starting HTTP server on %s", addr)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- app.Listen(addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			appLogger.Errorf("Server failed: %v", err)
		}
	case sig := <-quit:
		appLogger.Infof("Received shutdown signal: %v", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			appLogger.Errorf("Server forced to shutdown: %v", err)
		}
		appLogger.Info("HTTP server stopped")
	}
	stop()
}
