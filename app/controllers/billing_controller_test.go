package controllers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/Polaris/app/models"
	"github.com/ManuelReschke/Polaris/internal/pkg/billing"
	"github.com/ManuelReschke/Polaris/internal/pkg/entitlements"
	"github.com/ManuelReschke/Polaris/internal/pkg/middleware"
	"github.com/ManuelReschke/Polaris/internal/pkg/usercontext"
)

const (
	testAPIKey       = "internal-test-key"
	testStripeSecret = "whsec_test"
)

type stubGateway struct {
	url  string
	err  error
	last billing.CheckoutSessionInput
}

func (g *stubGateway) CreateCheckout(_ context.Context, in billing.CheckoutSessionInput) (billing.CheckoutSession, error) {
	g.last = in
	if g.err != nil {
		return billing.CheckoutSession{}, g.err
	}
	return billing.CheckoutSession{ID: "cs_test_1", URL: g.url}, nil
}

func (g *stubGateway) CreatePortal(_ context.Context, in billing.PortalSessionInput) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.url + "/portal/" + in.CustomerID, nil
}

func testBillingConfig() *billing.Config {
	return &billing.Config{
		BaseURL: "https://app.example.com",
		Stripe: billing.GatewayConfig{
			Enabled:       true,
			WebhookSecret: testStripeSecret,
			Prices: map[entitlements.PlanKey]string{
				entitlements.PlanProMonthly:     "price_pro_m",
				entitlements.PlanPremiumMonthly: "price_prem_m",
			},
		},
	}
}

func newBillingTestApp(t *testing.T, cfg *billing.Config, gw billing.CheckoutGateway) (*fiber.App, *gorm.DB) {
	t.Helper()
	t.Setenv("BILLING_INTERNAL_API_KEY", testAPIKey)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&models.LedgerEntry{},
		&models.Entitlement{},
		&models.EntitlementRevocation{},
		&models.BillingAccount{},
	))

	gateways := map[string]billing.CheckoutGateway{}
	if gw != nil {
		gateways[models.BillingProviderStripe] = gw
	}
	svc := billing.NewService(cfg, billing.NewRepository(db, false), billing.Options{Gateways: gateways})
	bc := NewBillingController(svc)

	app := fiber.New()
	app.Use(middleware.CorrelationIDMiddleware)
	app.Use(middleware.UserContextMiddleware)
	app.Post("/webhooks/:provider", func(c *fiber.Ctx) error {
		return bc.HandleWebhook(c.Params("provider"))(c)
	})
	api := app.Group("/api/v1/billing", middleware.InternalAPIKeyMiddleware(), middleware.RequireAPISessionAuth)
	api.Post("/checkout", bc.HandleCheckout)
	api.Post("/portal", bc.HandlePortal)
	api.Get("/entitlements", bc.HandleEntitlements)

	// same handlers behind a logged-in browser session instead of the API key
	browser := app.Group("/browser/billing", loggedInAs("u_browser"), middleware.RequireAPISessionAuth)
	browser.Post("/checkout", bc.HandleCheckout)
	return app, db
}

// loggedInAs stands in for UserContextMiddleware with a valid session.
func loggedInAs(userID string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("USER_CONTEXT", usercontext.UserContext{UserID: userID, IsLoggedIn: true})
		c.Locals(usercontext.KeyFromProtected, true)
		c.Locals(usercontext.KeyUserID, userID)
		return c.Next()
	}
}

func apiRequest(method, path, userID, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-API-Key", testAPIKey)
		req.Header.Set(middleware.HeaderActingUser, userID)
	}
	return req
}

func signedStripeRequest(t *testing.T, body []byte, secret string) *http.Request {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	mac.Write(body)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return req
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func TestBillingController_WebhookGrantsEntitlement(t *testing.T) {
	app, db := newBillingTestApp(t, testBillingConfig(), &stubGateway{url: "https://checkout.example"})

	body := []byte(`{"id":"evt_1","object":"event","type":"customer.subscription.created","created":` +
		fmt.Sprint(time.Now().Unix()) +
		`,"data":{"object":{"id":"sub_1","customer":"cus_1","status":"active","metadata":{"user_id":"u1","plan_key":"premium_monthly"}}}}`)
	resp, err := app.Test(signedStripeRequest(t, body, testStripeSecret), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	out := decodeJSON(t, resp)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, float64(1), out["events"])

	var ledgerRows int64
	require.NoError(t, db.Model(&models.LedgerEntry{}).Where("provider_ref = ?", "evt_1").Count(&ledgerRows).Error)
	assert.Equal(t, int64(1), ledgerRows)

	resp, err = app.Test(apiRequest(http.MethodGet, "/api/v1/billing/entitlements", "u1", ""), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	out = decodeJSON(t, resp)
	data := out["data"].(map[string]any)
	assert.Equal(t, "u1", data["user_id"])
	assert.Equal(t, "premium", data["tier"])
}

func TestBillingController_WebhookRejections(t *testing.T) {
	app, db := newBillingTestApp(t, testBillingConfig(), nil)

	body := []byte(`{"id":"evt_2","object":"event","type":"customer.subscription.created","created":1,"data":{"object":{"metadata":{"user_id":"u1","plan_key":"pro_monthly"}}}}`)
	resp, err := app.Test(signedStripeRequest(t, body, "whsec_wrong"), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_signature", decodeJSON(t, resp)["error"])

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", strings.NewReader(`{}`))
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_provider", decodeJSON(t, resp)["error"])

	var ledgerRows int64
	require.NoError(t, db.Model(&models.LedgerEntry{}).Count(&ledgerRows).Error)
	assert.Zero(t, ledgerRows)
}

func TestBillingController_Checkout(t *testing.T) {
	gw := &stubGateway{url: "https://checkout.stripe.test/cs_test_1"}
	app, db := newBillingTestApp(t, testBillingConfig(), gw)

	req := apiRequest(http.MethodPost, "/api/v1/billing/checkout", "u1", `{"plan":"pro_monthly","country":"de"}`)
	req.Header.Set(headerActingEmail, "u1@example.com")
	req.Header.Set(middleware.HeaderRequestID, "req-123")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-123", resp.Header.Get(middleware.HeaderRequestID))

	data := decodeJSON(t, resp)["data"].(map[string]any)
	assert.Equal(t, "stripe", data["provider"])
	assert.Equal(t, gw.url, data["url"])
	assert.Equal(t, false, data["degraded"])
	assert.NotEmpty(t, data["reference"])

	assert.Equal(t, "price_pro_m", gw.last.PriceID)
	assert.Equal(t, "u1@example.com", gw.last.Email)
	assert.Equal(t, "DE", gw.last.Country)
	assert.Equal(t, "u1", gw.last.Metadata["user_id"])

	var pending models.LedgerEntry
	require.NoError(t, db.Where("status = ?", models.LedgerStatusPending).First(&pending).Error)
	assert.Equal(t, "u1", pending.UserID)
	assert.Equal(t, "pro_monthly", pending.Plan)
	assert.Equal(t, data["reference"], pending.ProviderRef)
}

func TestBillingController_CheckoutIgnoresForwardedEmailFromBrowser(t *testing.T) {
	gw := &stubGateway{url: "https://checkout.stripe.test/cs_test_2"}
	app, _ := newBillingTestApp(t, testBillingConfig(), gw)

	req := apiRequest(http.MethodPost, "/browser/billing/checkout", "", `{"plan":"pro_monthly"}`)
	req.Header.Set(headerActingEmail, "victim@example.com")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	assert.Equal(t, "u_browser", gw.last.Metadata["user_id"])
	assert.Empty(t, gw.last.Email)
}

func TestBillingController_CheckoutDegradesOnGatewayFailure(t *testing.T) {
	gw := &stubGateway{err: errors.New("stripe unavailable")}
	app, _ := newBillingTestApp(t, testBillingConfig(), gw)

	resp, err := app.Test(apiRequest(http.MethodPost, "/api/v1/billing/checkout", "u1", `{"plan":"premium_monthly"}`), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	data := decodeJSON(t, resp)["data"].(map[string]any)
	assert.Equal(t, true, data["degraded"])
	assert.Equal(t, "https://app.example.com/account/billing", data["url"])
}

func TestBillingController_CheckoutErrors(t *testing.T) {
	app, _ := newBillingTestApp(t, testBillingConfig(), &stubGateway{url: "https://checkout.example"})

	cases := []struct {
		name   string
		userID string
		body   string
		status int
		code   string
	}{
		{name: "unknown plan", userID: "u1", body: `{"plan":"gold"}`, status: fiber.StatusBadRequest, code: "invalid_plan"},
		{name: "missing plan", userID: "u1", body: `{"provider":"stripe"}`, status: fiber.StatusBadRequest, code: "invalid_request"},
		{name: "bad provider", userID: "u1", body: `{"plan":"pro_monthly","provider":"paypal"}`, status: fiber.StatusBadRequest, code: "invalid_request"},
		{name: "not logged in", body: `{"plan":"pro_monthly"}`, status: fiber.StatusUnauthorized, code: "unauthorized"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := app.Test(apiRequest(http.MethodPost, "/api/v1/billing/checkout", tc.userID, tc.body), -1)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.code, decodeJSON(t, resp)["error"])
		})
	}
}

func TestBillingController_CheckoutWithoutProvider(t *testing.T) {
	cfg := testBillingConfig()
	cfg.Stripe.Enabled = false
	app, _ := newBillingTestApp(t, cfg, nil)

	resp, err := app.Test(apiRequest(http.MethodPost, "/api/v1/billing/checkout", "u1", `{"plan":"pro_monthly"}`), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "no_provider", decodeJSON(t, resp)["error"])
}

func TestBillingController_InvalidAPIKey(t *testing.T) {
	app, _ := newBillingTestApp(t, testBillingConfig(), nil)

	req := apiRequest(http.MethodGet, "/api/v1/billing/entitlements", "", "")
	req.Header.Set("X-API-Key", "wrong")
	req.Header.Set(middleware.HeaderActingUser, "u1")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestBillingController_Portal(t *testing.T) {
	gw := &stubGateway{url: "https://billing.stripe.test"}
	app, db := newBillingTestApp(t, testBillingConfig(), gw)
	require.NoError(t, db.Create(&models.BillingAccount{
		UserID:             "u1",
		Provider:           models.BillingProviderStripe,
		ProviderCustomerID: "cus_9",
	}).Error)

	resp, err := app.Test(apiRequest(http.MethodPost, "/api/v1/billing/portal", "u1", ""), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	data := decodeJSON(t, resp)["data"].(map[string]any)
	assert.Equal(t, "https://billing.stripe.test/portal/cus_9", data["url"])
	assert.Equal(t, false, data["degraded"])

	resp, err = app.Test(apiRequest(http.MethodPost, "/api/v1/billing/portal", "u2", ""), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	data = decodeJSON(t, resp)["data"].(map[string]any)
	assert.Equal(t, true, data["degraded"])
}

func TestWebhookErrorCode(t *testing.T) {
	assert.Equal(t, "invalid_signature", webhookErrorCode(fmt.Errorf("wrap: %w", billing.ErrSignatureInvalid)))
	assert.Equal(t, "invalid_payload", webhookErrorCode(billing.ErrMalformedPayload))
	assert.Equal(t, "unknown_provider", webhookErrorCode(billing.ErrUnknownProvider))
	assert.Equal(t, "webhook_failed", webhookErrorCode(errors.New("other")))
}
