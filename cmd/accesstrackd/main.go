package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hvollmer/accesstrack/internal/catalog"
	"github.com/hvollmer/accesstrack/internal/collector"
	"github.com/hvollmer/accesstrack/internal/config"
	"github.com/hvollmer/accesstrack/internal/geo"
	"github.com/hvollmer/accesstrack/internal/scheduler"
	"github.com/hvollmer/accesstrack/internal/server"
	"github.com/hvollmer/accesstrack/internal/state"
	"github.com/hvollmer/accesstrack/internal/storage"
)

func main() {
	configPath := flag.String("config", "/etc/accesstrack/config.yaml", "Path to configuration file")
	flag.Parse()

	// Optional .env next to the working directory, mostly for development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting accesstrackd",
		zap.String("listen", cfg.Server.ListenAddress),
		zap.String("log_directory", cfg.Collector.LogDirectory),
		zap.Duration("interval", cfg.Collector.Interval))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store
	store, err := storage.Connect(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := store.InitSchema(ctx); err != nil {
		logger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	// GeoIP, opened once and shared by all lookups
	resolver, err := geo.Open(cfg.Collector.GeoIPDatabase, logger)
	if err != nil {
		logger.Fatal("Failed to open GeoIP database", zap.Error(err))
	}

	// Ingestion engine
	cat := catalog.New(cfg.Collector.LogDirectory, logger)
	states := state.NewStore(cfg.Collector.StateFile, logger)
	coll := collector.New(cat, states, store, resolver, logger)
	coord := collector.NewCoordinator()
	runner := collector.NewRunner(coll, coord, logger)

	// Periodic trigger
	sched := scheduler.New(runner, logger)
	if err := sched.Start(ctx, cfg.Collector.Interval); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// HTTP API
	handler := server.NewHandler(store, runner, logger)
	router := server.NewRouter(handler, cfg.Server.APIKey, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.ListenAddress))
		serverErrors <- httpServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal("Server error", zap.Error(err))

	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

		sched.Stop()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", zap.Error(err))
			httpServer.Close()
		}

		if err := resolver.Close(); err != nil {
			logger.Error("Failed to close GeoIP database", zap.Error(err))
		}
		if err := store.Close(); err != nil {
			logger.Error("Failed to close database connection", zap.Error(err))
		}

		logger.Info("Server stopped gracefully")
	}
}

// initLogger creates a configured zap logger
func initLogger(level string, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var loggerConfig zap.Config
	if format == "json" {
		loggerConfig = zap.NewProductionConfig()
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
	}

	loggerConfig.Level = zap.NewAtomicLevelAt(zapLevel)

	return loggerConfig.Build()
}
