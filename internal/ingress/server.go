package ingress

import (
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jokim1/clawtalk-gateway/internal/health"
	"github.com/jokim1/clawtalk-gateway/internal/metrics"
)

// Server is the gateway's public HTTP surface: the Slack webhook, the
// ingress API, and the health and metrics endpoints.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
}

// NewServer assembles the Fiber application.
func NewServer(proxy *Proxy, checker *health.Checker, m *metrics.Metrics, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             MaxEventBody,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(func(c *fiber.Ctx) error {
		// Tag every request so webhook acks can be correlated with the async
		// forward/ingress work they spawn.
		reqID := c.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	app.Post("/slack/events", proxy.HandleSlackEvents)
	app.Post("/api/events/slack", proxy.HandleIngressAPI)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/readyz", func(c *fiber.Ctx) error {
		if !checker.Ready(c.Context()) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "down"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	return &Server{
		app:    app,
		logger: logger.With().Str("component", "ingress.server").Logger(),
	}
}

// App exposes the Fiber app (tests).
func (s *Server) App() *fiber.App { return s.app }

// Listen serves until Shutdown is called.
func (s *Server) Listen(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.logger.Info().Str("addr", addr).Msg("gateway HTTP server listening")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}
		logger.Warn().Err(err).Int("status", code).Str("path", c.Path()).Msg("request failed")
		return c.Status(code).JSON(fiber.Map{"ok": false, "error": err.Error()})
	}
}
