package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/Polaris/app/controllers"
	apiv1 "github.com/ManuelReschke/Polaris/internal/api/v1"
	"github.com/ManuelReschke/Polaris/internal/pkg/env"
	"github.com/ManuelReschke/Polaris/internal/pkg/middleware"
	"github.com/ManuelReschke/Polaris/internal/pkg/session"
	"github.com/ManuelReschke/Polaris/internal/pkg/usercontext"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from billing api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiServer := apiv1.NewAPIServer(controllers.GetBillingController())
	apiv1.RegisterHandlersWithOptions(v1, apiServer, apiv1.ServerOptions{
		BillingMiddlewares: []fiber.Handler{
			middleware.InternalAPIKeyMiddleware(),
			middleware.RequireAPISessionAuth,
		},
		CheckoutMiddlewares: []fiber.Handler{checkoutLimiter()},
	})
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}

// checkoutLimiter throttles checkout starts per user; counters live in the
// cache server so every instance shares them.
func checkoutLimiter() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        env.GetEnvInt("BILLING_CHECKOUT_RATE_LIMIT", 10),
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID := usercontext.GetUserID(c); userID != "" {
				return "checkout:" + userID
			}
			return "checkout:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"ok":      false,
				"error":   "rate_limited",
				"message": "too many checkout attempts",
			})
		},
		Storage: session.NewStorage(2),
	})
}
