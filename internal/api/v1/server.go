package apiv1

import (
	"github.com/gofiber/fiber/v2"
)

// Pong is the body of GET /ping.
type Pong struct {
	Ping string `json:"ping"`
}

// ServerInterface lists the v1 operations described in public/docs/v1/openapi.yml.
type ServerInterface interface {
	// (GET /ping)
	GetPing(c *fiber.Ctx) error
	// (POST /billing/checkout)
	PostBillingCheckout(c *fiber.Ctx) error
	// (POST /billing/portal)
	PostBillingPortal(c *fiber.Ctx) error
	// (GET /billing/entitlements)
	GetBillingEntitlements(c *fiber.Ctx) error
}

// ServerOptions carries the middlewares mounted in front of the billing group.
type ServerOptions struct {
	// BillingMiddlewares run before every /billing route.
	BillingMiddlewares []fiber.Handler
	// CheckoutMiddlewares run only before POST /billing/checkout.
	CheckoutMiddlewares []fiber.Handler
}

// RegisterHandlers mounts the v1 routes without extra middleware.
func RegisterHandlers(router fiber.Router, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, ServerOptions{})
}

// RegisterHandlersWithOptions mounts the v1 routes on router.
func RegisterHandlersWithOptions(router fiber.Router, si ServerInterface, options ServerOptions) {
	router.Get("/ping", si.GetPing)

	billing := router.Group("/billing", options.BillingMiddlewares...)

	checkout := make([]fiber.Handler, 0, len(options.CheckoutMiddlewares)+1)
	checkout = append(checkout, options.CheckoutMiddlewares...)
	billing.Post("/checkout", append(checkout, si.PostBillingCheckout)...)
	billing.Post("/portal", si.PostBillingPortal)
	billing.Get("/entitlements", si.GetBillingEntitlements)
}
