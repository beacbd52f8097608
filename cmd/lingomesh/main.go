package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lingomesh/lingomesh/apis"
	"github.com/lingomesh/lingomesh/pkg/config"
	"github.com/lingomesh/lingomesh/pkg/logger"
	"github.com/lingomesh/lingomesh/pkg/providers"
	"github.com/lingomesh/lingomesh/pkg/providers/room"
	"github.com/lingomesh/lingomesh/pkg/relay"
	"github.com/lingomesh/lingomesh/pkg/storage"
)

const version = "0.1.0"

func main() {
	var configFile string
	var logLevel string
	flag.StringVar(&configFile, "config", "lingomesh.yml", "Path to the configuration file")
	flag.StringVar(&logLevel, "loglevel", "", "Override the configured log level")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(version, configFile, logLevel)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create structured logger
	appLogger := logger.NewDefault("LINGOMESH")
	appLogger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	appLogger.Info("Starting LingoMesh v%s...", version)
	appLogger.Info("Identity: %s (%s), room: %s", cfg.UserID, cfg.DisplayName, cfg.RoomID)

	// Initialize storage
	store, err := storage.NewSQLiteStorage(cfg.DBPath, appLogger)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	// Create the relay client when that backend is configured
	var relayClient *relay.Client
	if cfg.SignalBackend == "relay" {
		if cfg.SignalURL == "" {
			log.Fatalf("signal_backend is relay but signal_url is not configured")
		}
		relayClient = relay.NewClient(cfg.SignalURL, appLogger)
		defer relayClient.Close()
	}

	// Create service registry and register all default services
	registry := providers.NewRegistry(store, appLogger, cfg, relayClient)
	registry.MustRegister(room.NewService())

	// Initialize all services
	ctx := context.Background()
	if err := registry.InitializeAll(ctx); err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}

	// Join the room over the relay. The room service has its frame
	// handlers installed by now, so no membership event is missed.
	if relayClient != nil {
		if cfg.RoomID == "" {
			appLogger.Warn("room_id not configured, not joining any room")
		} else {
			relayClient.Connect(ctx, cfg.SignalAPIKey, cfg.RoomID, cfg.UserID, cfg.DisplayName)
		}
	}

	// Start runnable services
	if err := registry.StartRunnable(ctx); err != nil {
		log.Fatalf("Failed to start runnable services: %v", err)
	}

	// Create API server and register service-specific routes
	srv := apis.New(registry)
	if err := registry.RegisterAllRoutes(srv.App()); err != nil {
		log.Fatalf("Failed to register service routes: %v", err)
	}

	go func() {
		if err := srv.Start(cfg.ServerAddr); err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down...")

	shutdownCtx := context.Background()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server shutdown error: %v", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Service shutdown error: %v", err)
	}

	appLogger.Info("Exited")
}
