package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat-api/internal/config"
	"github.com/noah-isme/gema-chat-api/internal/handler"
	"github.com/noah-isme/gema-chat-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler       *handler.ChatHandler
	AttachmentHandler *handler.AttachmentHandler
	JWTMiddleware     fiber.Handler
	SendRateLimit     fiber.Handler
	HealthChecks      []handler.HealthDependency
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler(cfg.AppName))

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthChecks...))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	chat := api.Group("/chat", jwtMiddleware)
	if deps.ChatHandler != nil {
		deps.ChatHandler.Register(chat, deps.SendRateLimit)
	}
	if deps.AttachmentHandler != nil {
		deps.AttachmentHandler.Register(chat)
	}
}
