package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to the billing controller to keep behavior consistent
	"github.com/ManuelReschke/Polaris/app/controllers"
)

// APIServer implements the ServerInterface
type APIServer struct {
	billing *controllers.BillingController
}

// NewAPIServer creates a new API server instance
func NewAPIServer(billing *controllers.BillingController) *APIServer {
	return &APIServer{billing: billing}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// PostBillingCheckout starts a hosted checkout for the session user or the
// user named by an internal API key call.
func (s *APIServer) PostBillingCheckout(c *fiber.Ctx) error {
	return s.billing.HandleCheckout(c)
}

// PostBillingPortal opens the payment provider's customer portal.
func (s *APIServer) PostBillingPortal(c *fiber.Ctx) error {
	return s.billing.HandlePortal(c)
}

// GetBillingEntitlements returns the effective tier and the plan rows.
func (s *APIServer) GetBillingEntitlements(c *fiber.Ctx) error {
	return s.billing.HandleEntitlements(c)
}
