package controllers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Polaris/internal/pkg/billing"
	"github.com/ManuelReschke/Polaris/internal/pkg/session"
	"github.com/ManuelReschke/Polaris/internal/pkg/usercontext"
)

const (
	webhookTimeout = 15 * time.Second
	apiTimeout     = 20 * time.Second

	headerActingEmail = "X-User-Email"
)

// BillingController serves the gateway webhooks and the billing JSON API.
type BillingController struct {
	svc *billing.Service
}

func NewBillingController(svc *billing.Service) *BillingController {
	return &BillingController{svc: svc}
}

// HandleWebhook returns the receiver endpoint for one gateway. The raw body is
// copied before anything else touches it; signatures cover the exact bytes.
func (bc *BillingController) HandleWebhook(provider string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rawBody := append([]byte(nil), c.BodyRaw()...)
		headers := requestHeaders(c)

		ctx, cancel := context.WithTimeout(usercontext.RequestContext(c), webhookTimeout)
		defer cancel()

		delivery, err := bc.svc.HandleWebhook(ctx, provider, headers, rawBody)
		status := billing.StatusFor(err)
		if err != nil {
			fiberlog.Debugw("[Webhook] rejected delivery source",
				"correlation_id", usercontext.CorrelationID(ctx),
				"provider", provider,
				"ip", GetClientIP(c),
			)
			return c.Status(status).JSON(fiber.Map{"ok": false, "error": webhookErrorCode(err)})
		}
		return c.Status(status).JSON(fiber.Map{"ok": true, "events": len(delivery.Events)})
	}
}

// HandleCheckout starts a hosted checkout for the acting user.
func (bc *BillingController) HandleCheckout(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	var req billing.CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return apiError(c, fiber.StatusBadRequest, "invalid_body", "request body could not be parsed")
	}
	req.UserID = userCtx.UserID
	req.Email = actingEmail(c)

	ctx, cancel := context.WithTimeout(usercontext.RequestContext(c), apiTimeout)
	defer cancel()

	result, err := bc.svc.StartCheckout(ctx, req)
	if err != nil {
		return bc.originationError(c, "checkout", err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "data": result})
}

// HandlePortal opens the gateway's customer portal for the acting user.
func (bc *BillingController) HandlePortal(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	var req billing.PortalRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apiError(c, fiber.StatusBadRequest, "invalid_body", "request body could not be parsed")
		}
	}
	req.UserID = userCtx.UserID

	ctx, cancel := context.WithTimeout(usercontext.RequestContext(c), apiTimeout)
	defer cancel()

	result, err := bc.svc.StartPortal(ctx, req)
	if err != nil {
		return bc.originationError(c, "portal", err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "data": result})
}

// HandleEntitlements returns the acting user's effective tier and plan rows.
func (bc *BillingController) HandleEntitlements(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	ctx, cancel := context.WithTimeout(usercontext.RequestContext(c), apiTimeout)
	defer cancel()

	view, err := bc.svc.Entitlements(ctx, userCtx.UserID)
	if err != nil {
		fiberlog.Errorw("[Billing] entitlement lookup failed",
			"correlation_id", usercontext.CorrelationID(ctx),
			"user_id", userCtx.UserID,
			"error", err,
		)
		return apiError(c, fiber.StatusInternalServerError, "internal_error", "entitlements could not be loaded")
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "data": view})
}

func (bc *BillingController) originationError(c *fiber.Ctx, op string, err error) error {
	switch {
	case errors.Is(err, billing.ErrInvalidRequest):
		return apiError(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, billing.ErrInvalidPlan):
		return apiError(c, fiber.StatusBadRequest, "invalid_plan", err.Error())
	case errors.Is(err, billing.ErrNoProviderConfigured):
		return apiError(c, fiber.StatusServiceUnavailable, "no_provider", "no payment provider is configured")
	default:
		fiberlog.Errorw("[Billing] "+op+" failed",
			"correlation_id", c.Locals(usercontext.KeyCorrelationID),
			"error", err,
		)
		return apiError(c, fiber.StatusInternalServerError, "internal_error", op+" could not be started")
	}
}

func webhookErrorCode(err error) string {
	switch {
	case errors.Is(err, billing.ErrUnknownProvider):
		return "unknown_provider"
	case errors.Is(err, billing.ErrSignatureInvalid):
		return "invalid_signature"
	case errors.Is(err, billing.ErrMalformedPayload):
		return "invalid_payload"
	default:
		return "webhook_failed"
	}
}

func requestHeaders(c *fiber.Ctx) http.Header {
	headers := http.Header{}
	for k, values := range c.GetReqHeaders() {
		for _, v := range values {
			headers.Add(k, v)
		}
	}
	return headers
}

// actingEmail takes the address forwarded by the main application's backend
// on internal API key calls. Browser requests only ever get the session's
// address.
func actingEmail(c *fiber.Ctx) string {
	if viaKey, _ := c.Locals(usercontext.KeyViaAPIKey).(bool); viaKey {
		if v := strings.TrimSpace(c.Get(headerActingEmail)); v != "" {
			return v
		}
	}
	return session.GetSessionValue(c, "email")
}

// ============================================================================
// GLOBAL BILLING CONTROLLER INSTANCE - Singleton Pattern
// ============================================================================

var billingController *BillingController

// InitializeBillingController installs the controller used by the router.
func InitializeBillingController(svc *billing.Service) {
	billingController = NewBillingController(svc)
}

// GetBillingController returns the global billing controller instance.
func GetBillingController() *BillingController {
	return billingController
}
