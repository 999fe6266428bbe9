package apiv1

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingServer struct {
	calls []string
}

func (s *recordingServer) GetPing(c *fiber.Ctx) error {
	s.calls = append(s.calls, "ping")
	return c.SendStatus(fiber.StatusOK)
}

func (s *recordingServer) PostBillingCheckout(c *fiber.Ctx) error {
	s.calls = append(s.calls, "checkout")
	return c.SendStatus(fiber.StatusOK)
}

func (s *recordingServer) PostBillingPortal(c *fiber.Ctx) error {
	s.calls = append(s.calls, "portal")
	return c.SendStatus(fiber.StatusOK)
}

func (s *recordingServer) GetBillingEntitlements(c *fiber.Ctx) error {
	s.calls = append(s.calls, "entitlements")
	return c.SendStatus(fiber.StatusOK)
}

func TestRegisterHandlersWithOptions(t *testing.T) {
	si := &recordingServer{}
	var guarded []string

	app := fiber.New()
	RegisterHandlersWithOptions(app.Group("/api/v1"), si, ServerOptions{
		BillingMiddlewares: []fiber.Handler{func(c *fiber.Ctx) error {
			guarded = append(guarded, c.Path())
			return c.Next()
		}},
		CheckoutMiddlewares: []fiber.Handler{func(c *fiber.Ctx) error {
			if c.Get("X-Block") != "" {
				return c.SendStatus(fiber.StatusTooManyRequests)
			}
			return c.Next()
		}},
	})

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/ping"},
		{http.MethodPost, "/api/v1/billing/checkout"},
		{http.MethodPost, "/api/v1/billing/portal"},
		{http.MethodGet, "/api/v1/billing/entitlements"},
	} {
		resp, err := app.Test(httptest.NewRequest(tc.method, tc.path, nil), -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode, tc.path)
	}
	assert.Equal(t, []string{"ping", "checkout", "portal", "entitlements"}, si.calls)
	assert.Len(t, guarded, 3)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/checkout", nil)
	req.Header.Set("X-Block", "1")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Len(t, si.calls, 4)
}

func TestGetPing(t *testing.T) {
	app := fiber.New()
	RegisterHandlers(app, NewAPIServer(nil))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ping", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
