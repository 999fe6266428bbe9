package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Polaris/internal/pkg/entitlements"
	"github.com/ManuelReschke/Polaris/internal/pkg/metrics"
	"github.com/ManuelReschke/Polaris/internal/pkg/usercontext"
)

// CheckoutRequest starts a hosted checkout for the logged-in user.
type CheckoutRequest struct {
	UserID     string `json:"-" validate:"required,max=191"`
	Email      string `json:"-" validate:"omitempty,email"`
	Plan       string `json:"plan" validate:"required"`
	Provider   string `json:"provider" validate:"omitempty,oneof=stripe lemonsqueezy"`
	Locale     string `json:"locale" validate:"omitempty,max=10"`
	Country    string `json:"country" validate:"omitempty,len=2,alpha"`
	SuccessURL string `json:"success_url" validate:"omitempty,url"`
	CancelURL  string `json:"cancel_url" validate:"omitempty,url"`
}

type CheckoutResult struct {
	Provider  string `json:"provider"`
	URL       string `json:"url"`
	Reference string `json:"reference"`
	SessionID string `json:"session_id"`
	Degraded  bool   `json:"degraded"`
}

// PortalRequest opens the gateway's self-service portal.
type PortalRequest struct {
	UserID     string `json:"-" validate:"required,max=191"`
	Provider   string `json:"provider" validate:"omitempty,oneof=stripe lemonsqueezy"`
	CustomerID string `json:"customer_id" validate:"omitempty,max=191"`
	ReturnURL  string `json:"return_url" validate:"omitempty,url"`
}

type PortalResult struct {
	Provider string `json:"provider"`
	URL      string `json:"url"`
	Degraded bool   `json:"degraded"`
}

// Originator starts checkout and portal sessions. Gateway failures never
// surface to the user; the result falls back to the billing page.
type Originator struct {
	cfg      *Config
	gateways map[string]CheckoutGateway
	ledger   *LedgerWriter
	repo     Repository
	validate *validator.Validate
	now      func() time.Time
}

func NewOriginator(cfg *Config, repo Repository, ledger *LedgerWriter, gateways map[string]CheckoutGateway) *Originator {
	return &Originator{
		cfg:      cfg,
		gateways: gateways,
		ledger:   ledger,
		repo:     repo,
		validate: validator.New(),
		now:      time.Now,
	}
}

// StartCheckout records a pending ledger row and asks the selected gateway
// for a checkout URL.
func (o *Originator) StartCheckout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	if err := o.validate.Struct(req); err != nil {
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	plan, ok := entitlements.ParsePlanKey(req.Plan)
	if !ok {
		return CheckoutResult{}, fmt.Errorf("%w: %q", ErrInvalidPlan, req.Plan)
	}
	provider, err := o.cfg.SelectProvider(req.Provider)
	if err != nil {
		return CheckoutResult{}, err
	}

	reference := NewCheckoutReference(req.UserID, plan, o.now())
	result := CheckoutResult{Provider: provider, Reference: reference}

	o.ledger.RecordPending(ctx, PendingCheckout{
		Provider:  provider,
		Reference: reference,
		UserID:    req.UserID,
		Plan:      plan,
	})

	successURL := firstNonEmpty(req.SuccessURL, o.cfg.BillingPageURL()+"?checkout=success")
	cancelURL := firstNonEmpty(req.CancelURL, o.cfg.BillingPageURL()+"?checkout=cancel")

	gw, _ := o.cfg.Gateway(provider)
	in := CheckoutSessionInput{
		UserID:    req.UserID,
		Email:     req.Email,
		PriceID:   gw.Prices[plan],
		Reference: reference,
		Metadata: map[string]string{
			"user_id":   req.UserID,
			"plan_key":  string(plan),
			"reference": reference,
		},
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		Locale:     req.Locale,
		Country:    strings.ToUpper(req.Country),
	}
	if req.Country != "" {
		in.Metadata["country"] = strings.ToUpper(req.Country)
	}
	if account, err := o.repo.GetBillingAccount(ctx, req.UserID, provider); err == nil && account != nil {
		in.CustomerID = account.ProviderCustomerID
	}

	client, ok := o.gateways[provider]
	if !ok {
		return o.degradeCheckout(ctx, result, errors.New("no client configured"))
	}
	sess, err := client.CreateCheckout(ctx, in)
	if err != nil {
		return o.degradeCheckout(ctx, result, err)
	}

	metrics.ObserveOrigination("checkout", provider, "ok")
	result.URL = sess.URL
	result.SessionID = sess.ID
	return result, nil
}

func (o *Originator) degradeCheckout(ctx context.Context, result CheckoutResult, err error) (CheckoutResult, error) {
	metrics.ObserveOrigination("checkout", result.Provider, "degraded")
	fiberlog.Errorw("[Billing] checkout session failed, sending user to billing page",
		"correlation_id", usercontext.CorrelationID(ctx),
		"provider", result.Provider,
		"reference", result.Reference,
		"error", err,
	)
	result.URL = o.cfg.BillingPageURL()
	result.Degraded = true
	return result, nil
}

// StartPortal resolves the customer id from the request or the customer
// directory and asks the gateway for a portal URL.
func (o *Originator) StartPortal(ctx context.Context, req PortalRequest) (PortalResult, error) {
	if err := o.validate.Struct(req); err != nil {
		return PortalResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	provider, err := o.cfg.SelectProvider(req.Provider)
	if err != nil {
		return PortalResult{}, err
	}
	result := PortalResult{Provider: provider}

	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		account, err := o.repo.GetBillingAccount(ctx, req.UserID, provider)
		if err != nil || account == nil {
			return o.degradePortal(ctx, result, fmt.Errorf("no customer on file: %v", err))
		}
		customerID = account.ProviderCustomerID
	}

	client, ok := o.gateways[provider]
	if !ok {
		return o.degradePortal(ctx, result, errors.New("no client configured"))
	}
	url, err := client.CreatePortal(ctx, PortalSessionInput{
		CustomerID: customerID,
		ReturnURL:  firstNonEmpty(req.ReturnURL, o.cfg.BillingPageURL()),
	})
	if err != nil {
		return o.degradePortal(ctx, result, err)
	}

	metrics.ObserveOrigination("portal", provider, "ok")
	result.URL = url
	return result, nil
}

func (o *Originator) degradePortal(ctx context.Context, result PortalResult, err error) (PortalResult, error) {
	metrics.ObserveOrigination("portal", result.Provider, "degraded")
	fiberlog.Warnw("[Billing] portal session failed, sending user to billing page",
		"correlation_id", usercontext.CorrelationID(ctx),
		"provider", result.Provider,
		"error", err,
	)
	result.URL = o.cfg.BillingPageURL()
	result.Degraded = true
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
