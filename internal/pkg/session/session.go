package session

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/Polaris/internal/pkg/cache"
	"github.com/ManuelReschke/Polaris/internal/pkg/env"
)

var sessionStore *session.Store

// NewStorage creates a fiber storage on the cache server. Sessions and the
// rate limiter each get their own database so they never share keys.
func NewStorage(database int) *redis.Storage {
	host, port, password, _ := cache.Options()
	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: database,
		Reset:    false,
	})
}

// NewSessionStore reads the session cookie the main application writes. The
// billing service only reads the logged-in user from it.
func NewSessionStore() *session.Store {
	sessionStore = session.New(session.Config{
		Storage:        NewStorage(1),
		CookieHTTPOnly: true,
		CookieSecure:   !env.IsDev(),
		Expiration:     env.GetEnvDuration("SESSION_EXPIRATION", time.Hour),
		KeyLookup:      "cookie:" + env.GetEnv("SESSION_COOKIE_NAME", "session_id"),
	})

	return sessionStore
}

func GetSessionStore() *session.Store {
	return sessionStore
}

// GetSessionValue reads a string the main application stored in the shared
// session. Missing stores, sessions and non-string values all read as "".
func GetSessionValue(c *fiber.Ctx, key string) string {
	if sessionStore == nil {
		return ""
	}
	sess, err := sessionStore.Get(c)
	if err != nil {
		return ""
	}
	v, _ := sess.Get(key).(string)
	return v
}
