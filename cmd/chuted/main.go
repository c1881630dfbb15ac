package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chutehq/chute/internal/api"
	"github.com/chutehq/chute/internal/events"
	"github.com/chutehq/chute/internal/storage"
	"github.com/chutehq/chute/internal/upload"
	"github.com/chutehq/chute/pkg/config"
)

func main() {
	// Load configuration
	cfg := config.LoadFromEnv()

	// Setup logging
	setupLogging(cfg.Logging)

	log.Info().Msg("starting chute upload server")

	// Initialize storage
	storageFactory := storage.NewStorageFactory(&cfg.Storage)
	store, err := storageFactory.CreateStore()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	// Initialize hooks
	hooks := upload.NewDispatcher()
	if cfg.Redis.Enabled {
		publisher, err := events.NewPublisher(&cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer publisher.Close()
		publisher.Register(hooks)
	}

	// Initialize the protocol engine
	engine := upload.NewEngine(store, hooks, upload.Config{
		MaxSize: cfg.Upload.MaxSize,
		Expiry:  cfg.Upload.Expiry,
	})

	// Start the expiration sweeper
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go upload.NewSweeper(engine, cfg.Upload.SweepInterval).Run(sweepCtx)

	// Setup HTTP server
	router := setupRouter(engine, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", server.Addr).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	stopSweeper()

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	} else {
		log.Info().Msg("server shutdown complete")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func setupRouter(engine *upload.Engine, cfg *config.Config) *gin.Engine {
	// Set Gin mode based on log level
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "chuted",
			"time":    time.Now().UTC(),
		})
	})

	// Upload protocol routes
	handler := api.NewHandler(engine, cfg.Upload.BasePath, cfg.Upload.MaxSize)
	handler.Register(router)

	return router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Upload-Length, Upload-Offset, Upload-Defer-Length, Upload-Metadata, Tus-Resumable, X-HTTP-Method-Override, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, HEAD, PATCH, DELETE")
		c.Header("Access-Control-Expose-Headers", "Location, Upload-Offset, Upload-Length, Upload-Defer-Length, Upload-Metadata, Upload-Expires, Tus-Version, Tus-Extension, Tus-Max-Size, Tus-Resumable")

		c.Next()
	}
}
