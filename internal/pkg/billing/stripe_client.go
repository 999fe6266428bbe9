package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/ManuelReschke/Polaris/app/models"
	"github.com/ManuelReschke/Polaris/internal/pkg/metrics"
)

// StripeGateway opens Stripe Checkout and Billing Portal sessions.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a client for the configured secret key. backends
// may be nil to use the default Stripe endpoints.
func NewStripeGateway(gw GatewayConfig, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{api: client.New(gw.APIKey, backends)}
}

func (g *StripeGateway) CreateCheckout(ctx context.Context, in CheckoutSessionInput) (CheckoutSession, error) {
	if strings.TrimSpace(in.PriceID) == "" {
		return CheckoutSession{}, errors.New("stripe price id is required")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(in.SuccessURL),
		CancelURL:         stripe.String(in.CancelURL),
		ClientReferenceID: stripe.String(in.Reference),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(in.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: in.Metadata,
		},
	}
	params.Context = ctx
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.Locale != "" {
		params.Locale = stripe.String(in.Locale)
	}
	if in.CustomerID != "" {
		params.Customer = stripe.String(in.CustomerID)
	} else if in.Email != "" {
		params.CustomerEmail = stripe.String(in.Email)
	}

	start := time.Now()
	sess, err := g.api.CheckoutSessions.New(params)
	metrics.ObserveGatewayCall(models.BillingProviderStripe, "checkout", time.Since(start).Seconds())
	if err != nil {
		return CheckoutSession{}, err
	}
	if sess.URL == "" {
		return CheckoutSession{}, errors.New("stripe checkout session has no url")
	}
	return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (g *StripeGateway) CreatePortal(ctx context.Context, in PortalSessionInput) (string, error) {
	if strings.TrimSpace(in.CustomerID) == "" {
		return "", errors.New("stripe customer id is required")
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(in.CustomerID),
		ReturnURL: stripe.String(in.ReturnURL),
	}
	params.Context = ctx

	start := time.Now()
	sess, err := g.api.BillingPortalSessions.New(params)
	metrics.ObserveGatewayCall(models.BillingProviderStripe, "portal", time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}
