package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/Polaris/internal/pkg/session"
	"github.com/ManuelReschke/Polaris/internal/pkg/usercontext"
)

func setAnonymous(c *fiber.Ctx) {
	c.Locals("USER_CONTEXT", usercontext.UserContext{
		IsLoggedIn: false,
		IsAdmin:    false,
	})
	c.Locals(usercontext.KeyFromProtected, false)
	c.Locals(usercontext.KeyIsAdmin, false)
}

// UserContextMiddleware sets up the user context for every request from the
// shared session. Webhook routes skip it; gateways carry no session.
func UserContextMiddleware(c *fiber.Ctx) error {
	if strings.HasPrefix(c.Path(), "/webhooks/") {
		return c.Next()
	}
	store := session.GetSessionStore()
	if store == nil {
		setAnonymous(c)
		return c.Next()
	}

	sess, err := store.Get(c)
	if err != nil {
		setAnonymous(c)
		return c.Next()
	}

	userID := sessionUserID(sess.Get(usercontext.KeyUserID))
	if userID == "" {
		setAnonymous(c)
		return c.Next()
	}

	username, _ := sess.Get(usercontext.KeyUsername).(string)
	isAdmin, _ := sess.Get(usercontext.KeyIsAdmin).(bool)

	userCtx := usercontext.UserContext{
		UserID:     userID,
		Username:   username,
		IsLoggedIn: true,
		IsAdmin:    isAdmin,
	}
	c.Locals("USER_CONTEXT", userCtx)
	c.Locals(usercontext.KeyFromProtected, true)
	c.Locals(usercontext.KeyUserID, userID)
	c.Locals(usercontext.KeyUsername, username)
	c.Locals(usercontext.KeyIsAdmin, isAdmin)

	return c.Next()
}

// sessionUserID accepts the numeric ids older sessions stored as well as strings.
func sessionUserID(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(id)
	case uint, uint32, uint64, int, int32, int64:
		return fmt.Sprint(id)
	default:
		return ""
	}
}
