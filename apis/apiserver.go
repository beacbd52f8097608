package apis

import (
	"context"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/lingomesh/lingomesh/pkg/api"
	"github.com/lingomesh/lingomesh/pkg/providers"
)

// ApiServer is the local control surface over Fiber. Service routes are
// registered through the provider registry.
type ApiServer struct {
	app       *fiber.App
	providers *providers.Registry
}

// New creates the HTTP server with the given service registry
func New(p *providers.Registry) *ApiServer {
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	s := &ApiServer{
		app:       app,
		providers: p,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *ApiServer) setupMiddleware() {
	s.app.Use(recover.New())
	s.app.Use(fiberlogger.New())
}

func (s *ApiServer) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/api/status", s.handleStatus)
}

// App returns the underlying Fiber app for route registration
func (s *ApiServer) App() *fiber.App {
	return s.app
}

// Start starts the HTTP server
func (s *ApiServer) Start(addr string) error {
	s.providers.Logger().Info("Starting server on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *ApiServer) Shutdown(ctx context.Context) error {
	s.providers.Logger().Info("Server shutdown requested")
	return s.app.ShutdownWithContext(ctx)
}

// handleHealth handles health checks
func (s *ApiServer) handleHealth(c *fiber.Ctx) error {
	return api.SuccessResp(c, api.Map{
		"status": "healthy",
	})
}

// handleStatus reports the daemon's identity, room and peer summary.
func (s *ApiServer) handleStatus(c *fiber.Ctx) error {
	cfg := s.providers.Config()

	status := api.Map{
		"version": cfg.Version,
		"userId":  cfg.UserID,
		"roomId":  cfg.RoomID,
		"backend": cfg.SignalBackend,
		"relay":   false,
		"peers":   0,
	}

	if client := s.providers.RelayClient(); client != nil {
		status["relay"] = client.IsConnected()
	}
	if room, err := s.providers.GetRoom(); err == nil {
		status["peers"] = len(room.ConnectionStatus())
	}

	return api.SuccessResp(c, status)
}

// customErrorHandler handles errors
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(api.ApiResponse{
		Success: false,
		Error: &api.ApiError{
			Code:    code,
			Message: err.Error(),
		},
	})
}
