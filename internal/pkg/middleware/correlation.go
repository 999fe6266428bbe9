package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/ManuelReschke/Polaris/internal/pkg/usercontext"
)

const HeaderRequestID = "X-Request-ID"

// CorrelationIDMiddleware reuses a sane inbound X-Request-ID or creates one,
// stores it in Locals and echoes it on the response.
func CorrelationIDMiddleware(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Get(HeaderRequestID))
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	c.Locals(usercontext.KeyCorrelationID, id)
	c.Set(HeaderRequestID, id)
	return c.Next()
}
