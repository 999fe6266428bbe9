package usercontext

import (
	"context"

	"github.com/gofiber/fiber/v2"
)

// UserContext represents the complete user context for a request
type UserContext struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	IsLoggedIn bool   `json:"is_logged_in"`
	IsAdmin    bool   `json:"is_admin"`
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx, ok := c.Locals("USER_CONTEXT").(UserContext); ok {
		return ctx
	}
	return UserContext{IsLoggedIn: false, IsAdmin: false}
}

// GetUserID returns the current user's ID, or "" if not logged in
func GetUserID(c *fiber.Ctx) string {
	return GetUserContext(c).UserID
}

type ctxKey int

const (
	correlationKey ctxKey = iota
	userKey
)

// WithCorrelationID returns a child context carrying the request correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the correlation id stored in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// WithUserID returns a child context carrying the acting user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// UserIDFrom returns the acting user stored in ctx, or "".
func UserIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(userKey).(string)
	return id
}

// RequestContext builds the context.Context handed from a fiber handler to the
// billing core: the request's correlation id and user travel explicitly.
func RequestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id, ok := c.Locals(KeyCorrelationID).(string); ok && id != "" {
		ctx = WithCorrelationID(ctx, id)
	}
	if uc := GetUserContext(c); uc.IsLoggedIn {
		ctx = WithUserID(ctx, uc.UserID)
	}
	return ctx
}
