package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/Polaris/internal/pkg/usercontext"
)

// RequireAPISessionAuth admits requests that carry an acting user, resolved
// either from the shared session or from InternalAPIKeyMiddleware. Billing
// calls are always made for a concrete user id, so a logged-in flag without
// one is still rejected.
func RequireAPISessionAuth(c *fiber.Ctx) error {
	fromProtected, _ := c.Locals(usercontext.KeyFromProtected).(bool)
	if fromProtected && usercontext.GetUserContext(c).UserID != "" {
		return c.Next()
	}
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"ok":      false,
		"error":   "unauthorized",
		"message": "login required",
	})
}
