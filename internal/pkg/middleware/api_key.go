package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Polaris/internal/pkg/env"
	"github.com/ManuelReschke/Polaris/internal/pkg/usercontext"
)

const HeaderActingUser = "X-User-ID"

// InternalAPIKeyMiddleware lets the main application's backend call the
// billing API on behalf of a user: a valid BILLING_INTERNAL_API_KEY plus the
// X-User-ID header. Requests without a key fall through to session auth.
func InternalAPIKeyMiddleware() fiber.Handler {
	expected := strings.TrimSpace(env.GetEnv("BILLING_INTERNAL_API_KEY", ""))
	return func(c *fiber.Ctx) error {
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" || expected == "" {
			return c.Next()
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(expected)) != 1 {
			log.Warnf("[API] invalid internal api key from %s", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"ok": false, "error": "unauthorized", "message": "Invalid API key"})
		}
		userID := strings.TrimSpace(c.Get(HeaderActingUser))
		if userID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "bad_request", "message": "Missing " + HeaderActingUser})
		}

		c.Locals("USER_CONTEXT", usercontext.UserContext{
			UserID:     userID,
			IsLoggedIn: true,
		})
		c.Locals(usercontext.KeyFromProtected, true)
		c.Locals(usercontext.KeyUserID, userID)
		c.Locals(usercontext.KeyViaAPIKey, true)
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
