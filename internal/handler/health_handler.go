package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat-api/internal/config"
	"github.com/noah-isme/gema-chat-api/internal/utils"
)

const healthPingTimeout = 2 * time.Second

// HealthDependency is a backing service the health endpoint pings, such as the
// chat database or the event brokers.
type HealthDependency struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Service      string            `json:"service"`
	Environment  string            `json:"environment"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// HealthCheck reports service identity and the state of every dependency. Any
// failing dependency turns the answer into a 503 with status "degraded".
func HealthCheck(cfg config.Config, dependencies ...HealthDependency) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
		}

		if len(dependencies) > 0 {
			payload.Dependencies = make(map[string]string, len(dependencies))
			ctx, cancel := context.WithTimeout(withRequestContext(c), healthPingTimeout)
			defer cancel()

			for _, dependency := range dependencies {
				if err := dependency.Ping(ctx); err != nil {
					payload.Dependencies[dependency.Name] = err.Error()
					payload.Status = "degraded"
					continue
				}
				payload.Dependencies[dependency.Name] = "ok"
			}
		}

		if payload.Status != "ok" {
			return utils.SendErrorDetail(c, fiber.StatusServiceUnavailable, "unavailable", "service degraded", payload)
		}
		return utils.SendSuccess(c, "service healthy", payload)
	}
}
