package providers

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/lingomesh/lingomesh/pkg/config"
	"github.com/lingomesh/lingomesh/pkg/logger"
	"github.com/lingomesh/lingomesh/pkg/relay"
	"github.com/lingomesh/lingomesh/pkg/session"
	"github.com/lingomesh/lingomesh/pkg/storage"
)

// Service is the base interface that all providers must implement
type Service interface {
	// Name returns unique service identifier (constant)
	Name() string

	// Initialize sets up the service with dependencies from registry
	Initialize(ctx context.Context, registry *Registry) error

	// IsRunnable indicates if service needs to run in background
	IsRunnable() bool

	// Start starts the service (only called if IsRunnable returns true)
	Start(ctx context.Context) error

	// Stop gracefully shuts down the service
	Stop(ctx context.Context) error

	// RegisterAPIRoutes registers HTTP routes for this service
	RegisterAPIRoutes(app *fiber.App) error
}

// RoomProvider is the room service as seen by the other providers and the
// control API.
type RoomProvider interface {
	ConnectionStatus() map[string]session.State
	RemoteStreams() map[string]session.RemoteStream
	CallPeer(userID, displayName string) error
	DropPeer(userID string)
	Leave() error
}

// Registry manages service lifecycle and dependencies
type Registry struct {
	services    map[string]Service
	runnable    []Service
	db          storage.Storage
	logger      *logger.Logger
	config      *config.Config
	relayClient *relay.Client // nil when the relay backend is not configured
}

// NewRegistry creates a new service registry
func NewRegistry(db storage.Storage, log *logger.Logger, cfg *config.Config, relayClient *relay.Client) *Registry {
	return &Registry{
		services:    make(map[string]Service),
		runnable:    make([]Service, 0),
		db:          db,
		logger:      log,
		config:      cfg,
		relayClient: relayClient,
	}
}

// MustRegister registers a service and panics on error (for convenience in main)
func (r *Registry) MustRegister(service Service) {
	if err := r.Register(service); err != nil {
		panic(fmt.Sprintf("Failed to register service %s: %v", service.Name(), err))
	}
}

// DB returns the database storage
func (r *Registry) DB() storage.Storage {
	return r.db
}

// Logger returns the logger
func (r *Registry) Logger() *logger.Logger {
	return r.logger
}

// Config returns the loaded configuration
func (r *Registry) Config() *config.Config {
	return r.config
}

// RelayClient returns the relay client (can be nil if not configured)
func (r *Registry) RelayClient() *relay.Client {
	return r.relayClient
}

// Register adds a service to the registry (before initialization)
func (r *Registry) Register(service Service) error {
	name := service.Name()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("service %s already registered", name)
	}

	r.services[name] = service

	if service.IsRunnable() {
		r.runnable = append(r.runnable, service)
	}

	return nil
}

// InitializeAll initializes all services
func (r *Registry) InitializeAll(ctx context.Context) error {
	r.logger.Info("Initializing services...")

	for name, service := range r.services {
		r.logger.Info("Initializing service: %s", name)
		if err := service.Initialize(ctx, r); err != nil {
			return fmt.Errorf("failed to initialize service %s: %w", name, err)
		}
	}

	r.logger.Info("All %d services initialized successfully", len(r.services))
	return nil
}

// StartRunnable starts all background services
func (r *Registry) StartRunnable(ctx context.Context) error {
	if len(r.runnable) == 0 {
		r.logger.Info("No runnable services to start")
		return nil
	}

	r.logger.Info("Starting %d runnable services...", len(r.runnable))

	for _, service := range r.runnable {
		r.logger.Info("Starting service: %s", service.Name())

		go func(s Service) {
			if err := s.Start(ctx); err != nil {
				r.logger.Error("Service %s stopped with error: %v", s.Name(), err)
			}
		}(service)
	}

	return nil
}

// Shutdown gracefully stops all services, runnable ones first
func (r *Registry) Shutdown(ctx context.Context) error {
	r.logger.Info("Shutting down services...")

	for i := len(r.runnable) - 1; i >= 0; i-- {
		service := r.runnable[i]
		r.logger.Info("Stopping service: %s", service.Name())
		if err := service.Stop(ctx); err != nil {
			r.logger.Error("Error stopping service %s: %v", service.Name(), err)
		}
	}

	for name, service := range r.services {
		if !service.IsRunnable() {
			r.logger.Info("Stopping service: %s", name)
			if err := service.Stop(ctx); err != nil {
				r.logger.Error("Error stopping service %s: %v", name, err)
			}
		}
	}

	r.logger.Info("All services stopped")
	return nil
}

// Get retrieves a registered service by name
func (r *Registry) Get(name string) (Service, error) {
	service, exists := r.services[name]
	if !exists {
		return nil, fmt.Errorf("service %s not found", name)
	}
	return service, nil
}

// RegisterAllRoutes registers API routes for all services
func (r *Registry) RegisterAllRoutes(app *fiber.App) error {
	for name, service := range r.services {
		if err := service.RegisterAPIRoutes(app); err != nil {
			return fmt.Errorf("failed to register routes for service %s: %w", name, err)
		}
	}

	r.logger.Info("Routes registered for %d services", len(r.services))
	return nil
}

// GetRoom returns the room service with type assertion
func (r *Registry) GetRoom() (RoomProvider, error) {
	service, err := r.Get("room")
	if err != nil {
		return nil, err
	}
	roomProvider, ok := service.(RoomProvider)
	if !ok {
		return nil, fmt.Errorf("service is not a RoomProvider")
	}
	return roomProvider, nil
}
