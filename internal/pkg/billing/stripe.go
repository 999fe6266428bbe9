package billing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/ManuelReschke/Polaris/app/models"
)

// StripeAdapter verifies Stripe-Signature headers and maps Stripe events.
type StripeAdapter struct {
	gw        GatewayConfig
	tolerance time.Duration
	now       func() time.Time
}

// NewStripeAdapter builds the adapter from the Stripe gateway configuration.
func NewStripeAdapter(gw GatewayConfig) *StripeAdapter {
	return &StripeAdapter{
		gw:        gw,
		tolerance: webhook.DefaultTolerance,
		now:       time.Now,
	}
}

func (a *StripeAdapter) Provider() string { return models.BillingProviderStripe }

// stripeObject is the union of the fields read from the data.object of the
// event types we map. Unused fields stay zero.
type stripeObject struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	Customer          flexID            `json:"customer"`
	Metadata          map[string]string `json:"metadata"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	Status            string            `json:"status"`
	Currency          string            `json:"currency"`
	AmountTotal       *int64            `json:"amount_total"`
	AmountPaid        *int64            `json:"amount_paid"`
	AmountDue         *int64            `json:"amount_due"`
	AmountRefunded    *int64            `json:"amount_refunded"`
	Amount            *int64            `json:"amount"`

	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`

	Lines *struct {
		Data []stripeLine `json:"data"`
	} `json:"lines"`

	Items *struct {
		Data []stripeLine `json:"data"`
	} `json:"items"`
}

type stripeLine struct {
	Metadata map[string]string `json:"metadata"`
	Price    *struct {
		ID         string `json:"id"`
		Currency   string `json:"currency"`
		UnitAmount *int64 `json:"unit_amount"`
	} `json:"price"`
}

func (o stripeObject) priceIDs() []string {
	var ids []string
	for _, list := range [][]stripeLine{o.linesData(), o.itemsData()} {
		for _, line := range list {
			if line.Price != nil && line.Price.ID != "" {
				ids = append(ids, line.Price.ID)
			}
		}
	}
	return ids
}

func (o stripeObject) linesData() []stripeLine {
	if o.Lines == nil {
		return nil
	}
	return o.Lines.Data
}

func (o stripeObject) itemsData() []stripeLine {
	if o.Items == nil {
		return nil
	}
	return o.Items.Data
}

// metadata merges the places Stripe carries our checkout metadata, most
// specific first.
func (o stripeObject) metadata() map[string]string {
	out := map[string]string{}
	merge := func(m map[string]string) {
		for k, v := range m {
			if _, ok := out[k]; !ok && strings.TrimSpace(v) != "" {
				out[k] = v
			}
		}
	}
	merge(o.Metadata)
	if o.SubscriptionDetails != nil {
		merge(o.SubscriptionDetails.Metadata)
	}
	for _, line := range o.linesData() {
		merge(line.Metadata)
	}
	return out
}

// VerifyAndParse implements Adapter.
func (a *StripeAdapter) VerifyAndParse(headers http.Header, body []byte) ([]Event, error) {
	secret := strings.TrimSpace(a.gw.WebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret not configured", ErrSignatureInvalid)
	}
	if err := webhook.ValidatePayloadWithTolerance(body, headers.Get("Stripe-Signature"), secret, a.tolerance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var evt stripe.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(evt.ID) == "" || evt.Type == "" || evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: stripe event missing id, type or data", ErrMalformedPayload)
	}

	var obj stripeObject
	if err := json.Unmarshal(evt.Data.Raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedPayload, evt.Type, err)
	}

	eventType, amount, ok := a.mapEvent(string(evt.Type), obj)
	if !ok {
		return nil, nil
	}

	user, plan := attribution(obj.metadata(), obj.ClientReferenceID, a.gw, obj.priceIDs()...)
	occurred := a.now()
	if evt.Created > 0 {
		occurred = time.Unix(evt.Created, 0)
	}

	return []Event{{
		ID:          evt.ID,
		Type:        eventType,
		Provider:    a.Provider(),
		PlanKey:     plan,
		UserHint:    user,
		AmountCents: amount,
		Currency:    strings.ToUpper(obj.Currency),
		CustomerRef: obj.Customer.String(),
		OccurredAt:  occurred,
		Raw:         cloneBody(body),
	}}, nil
}

func (a *StripeAdapter) mapEvent(stripeType string, obj stripeObject) (EventType, *int64, bool) {
	switch stripeType {
	case "checkout.session.completed":
		switch obj.PaymentStatus {
		case "paid", "no_payment_required":
			return EventPaymentSucceeded, obj.AmountTotal, true
		}
		return "", nil, false
	case "invoice.payment_succeeded", "invoice.paid":
		return EventPaymentSucceeded, obj.AmountPaid, true
	case "invoice.payment_failed":
		return EventPaymentFailed, obj.AmountDue, true
	case "payment_intent.payment_failed":
		return EventPaymentFailed, obj.Amount, true
	case "charge.refunded":
		return EventPaymentRefunded, obj.AmountRefunded, true
	case "customer.subscription.created":
		return EventSubscriptionCreated, nil, true
	case "customer.subscription.updated":
		switch obj.Status {
		case "active", "trialing", "past_due":
			return EventSubscriptionUpdated, nil, true
		case "canceled", "unpaid", "incomplete_expired":
			return EventSubscriptionCanceled, nil, true
		}
		return "", nil, false
	case "customer.subscription.deleted":
		return EventSubscriptionCanceled, nil, true
	default:
		return "", nil, false
	}
}
