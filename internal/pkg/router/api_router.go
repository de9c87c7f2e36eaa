package router

import (
	"time"

	apiv1 "github.com/ManuelReschke/TunnelFox/internal/api/v1"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/env"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
	storage fiber.Storage
	key     middleware.AdminKey
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        env.GetEnvInt("API_RATE_LIMIT", 120),
		Expiration: time.Minute,
		Storage:    h.storage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "too_many_requests",
				"message": "Rate limit exceeded",
			})
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiServer := apiv1.NewAPIServer()
	apiv1.RegisterHandlers(v1, apiServer, middleware.AdminAPIKeyMiddleware(h.key))
}

// NewApiRouter uses the Redis limiter storage and the admin key from the environment.
func NewApiRouter() *ApiRouter {
	return &ApiRouter{storage: newLimiterStorage(), key: middleware.AdminKeyFromEnv()}
}
