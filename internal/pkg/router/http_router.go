package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/Polaris/app/controllers"
	"github.com/ManuelReschke/Polaris/app/models"
	"github.com/ManuelReschke/Polaris/internal/pkg/middleware"
	"github.com/ManuelReschke/Polaris/internal/pkg/session"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// Correlation id first so every later log line carries it
	app.Use(middleware.CorrelationIDMiddleware)
	app.Use(middleware.UserContextMiddleware)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
	})

	h.registerWebhookRoutes(app)
}

// registerWebhookRoutes mounts one receiver per gateway. Disabled gateways
// still get a route; the receiver answers 404 for them.
func (h HttpRouter) registerWebhookRoutes(app *fiber.App) {
	bc := controllers.GetBillingController()
	webhooks := app.Group("/webhooks")
	webhooks.Post("/"+models.BillingProviderStripe, bc.HandleWebhook(models.BillingProviderStripe))
	webhooks.Post("/"+models.BillingProviderLemonSqueezy, bc.HandleWebhook(models.BillingProviderLemonSqueezy))
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
