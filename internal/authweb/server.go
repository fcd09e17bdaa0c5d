// Package authweb serves the browser-facing OAuth2 authorization flow: a
// status page, the redirect to the platform's consent screen, and the
// callback that exchanges the returned code for a stored token. A manual
// entry page covers setups where the redirect cannot reach this machine.
package authweb

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/postwing/xsched/internal/oauth"
	"github.com/postwing/xsched/internal/tokenstore"
)

// Server is the authorization web UI.
type Server struct {
	app      *fiber.App
	oauth    *oauth.Client
	store    tokenstore.Store
	attempts *oauth.AttemptStore
	logger   zerolog.Logger
	addr     string
}

// NewServer creates and configures the authorization server.
func NewServer(addr string, client *oauth.Client, store tokenstore.Store, attempts *oauth.AttemptStore, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:      app,
		oauth:    client,
		store:    store,
		attempts: attempts,
		logger:   logger.With().Str("component", "authweb").Logger(),
		addr:     addr,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request logging (skip noisy probes)
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" {
			return c.Next()
		}

		s.logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Msg("auth ui request")

		return c.Next()
	})
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", s.handleHealthz)
	s.app.Get("/readyz", s.handleReadyz)

	s.app.Get("/", s.handleHome)
	s.app.Get("/login", s.handleLogin)
	s.app.Get("/callback", s.handleCallback)
	s.app.Get("/manual", s.handleManualForm)
	s.app.Post("/manual", s.handleManualSubmit)
}

// Listen starts the server. Blocks until stopped.
func (s *Server) Listen() error {
	s.logger.Info().Str("addr", s.addr).Msg("authorization server starting")
	return s.app.Listen(s.addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("authorization server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		return c.Status(code).SendString("An internal error occurred")
	}
}
