package billing

import "context"

// CheckoutSessionInput is what a gateway needs to open a hosted checkout.
type CheckoutSessionInput struct {
	UserID     string
	Email      string
	PriceID    string
	Reference  string
	Metadata   map[string]string
	SuccessURL string
	CancelURL  string
	Locale     string
	Country    string
	CustomerID string
}

type CheckoutSession struct {
	ID  string
	URL string
}

type PortalSessionInput struct {
	CustomerID string
	ReturnURL  string
}

// CheckoutGateway is the outbound half of a payment gateway.
type CheckoutGateway interface {
	CreateCheckout(ctx context.Context, in CheckoutSessionInput) (CheckoutSession, error)
	CreatePortal(ctx context.Context, in PortalSessionInput) (string, error)
}
