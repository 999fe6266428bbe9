package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ManuelReschke/Polaris/app/models"
)

// LemonSqueezyAdapter verifies X-Signature headers and maps Lemon Squeezy
// webhook events.
type LemonSqueezyAdapter struct {
	gw  GatewayConfig
	now func() time.Time
}

// NewLemonSqueezyAdapter builds the adapter from the Lemon Squeezy gateway configuration.
func NewLemonSqueezyAdapter(gw GatewayConfig) *LemonSqueezyAdapter {
	return &LemonSqueezyAdapter{gw: gw, now: time.Now}
}

func (a *LemonSqueezyAdapter) Provider() string { return models.BillingProviderLemonSqueezy }

type lemonEnvelope struct {
	Meta struct {
		EventName  string         `json:"event_name"`
		CustomData map[string]any `json:"custom_data"`
	} `json:"meta"`
	Data json.RawMessage `json:"data"`
}

type lemonResource struct {
	Type       string `json:"type"`
	ID         flexID `json:"id"`
	Attributes struct {
		Status         string `json:"status"`
		CustomerID     flexID `json:"customer_id"`
		VariantID      flexID `json:"variant_id"`
		Currency       string `json:"currency"`
		Total          *int64 `json:"total"`
		RefundedAmount *int64 `json:"refunded_amount"`
		CreatedAt      string `json:"created_at"`
		UpdatedAt      string `json:"updated_at"`
		FirstOrderItem *struct {
			VariantID flexID `json:"variant_id"`
		} `json:"first_order_item"`
	} `json:"attributes"`
}

func (r lemonResource) variantIDs() []string {
	var ids []string
	if v := r.Attributes.VariantID.String(); v != "" {
		ids = append(ids, v)
	}
	if r.Attributes.FirstOrderItem != nil {
		if v := r.Attributes.FirstOrderItem.VariantID.String(); v != "" {
			ids = append(ids, v)
		}
	}
	return ids
}

func (r lemonResource) occurredAt() (time.Time, bool) {
	for _, raw := range []string{r.Attributes.UpdatedAt, r.Attributes.CreatedAt} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// VerifyAndParse implements Adapter. Lemon Squeezy bodies carry no event id,
// so the sha256 of the raw body is the idempotency key; a redelivery sends the
// same bytes and therefore the same key.
func (a *LemonSqueezyAdapter) VerifyAndParse(headers http.Header, body []byte) ([]Event, error) {
	if strings.TrimSpace(a.gw.WebhookSecret) == "" {
		return nil, fmt.Errorf("%w: lemonsqueezy webhook secret not configured", ErrSignatureInvalid)
	}
	if !VerifyHMACSHA256Hex(body, headers.Get("X-Signature"), a.gw.WebhookSecret) {
		return nil, ErrSignatureInvalid
	}

	var envelope lemonEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	eventName := strings.ToLower(strings.TrimSpace(envelope.Meta.EventName))
	if eventName == "" {
		eventName = strings.ToLower(strings.TrimSpace(headers.Get("X-Event-Name")))
	}
	if eventName == "" {
		return nil, fmt.Errorf("%w: missing meta.event_name", ErrMalformedPayload)
	}

	resources, err := decodeLemonResources(envelope.Data)
	if err != nil {
		return nil, err
	}

	meta := stringMap(envelope.Meta.CustomData)
	baseID := payloadHash(body)
	var events []Event
	for i, res := range resources {
		eventType, amount, ok := mapLemonEvent(eventName, res)
		if !ok {
			continue
		}

		id := baseID
		if len(resources) > 1 {
			id = fmt.Sprintf("%s#%d", baseID, i)
		}
		occurred, ok := res.occurredAt()
		if !ok {
			occurred = a.now()
		}
		user, plan := attribution(meta, "", a.gw, res.variantIDs()...)

		events = append(events, Event{
			ID:          id,
			Type:        eventType,
			Provider:    a.Provider(),
			PlanKey:     plan,
			UserHint:    user,
			AmountCents: amount,
			Currency:    strings.ToUpper(res.Attributes.Currency),
			CustomerRef: res.Attributes.CustomerID.String(),
			OccurredAt:  occurred,
			Raw:         cloneBody(body),
		})
	}
	return events, nil
}

// decodeLemonResources accepts a single resource object or a batch array.
func decodeLemonResources(data json.RawMessage) ([]lemonResource, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}
	switch trimmed[0] {
	case '{':
		var res lemonResource
		if err := json.Unmarshal(trimmed, &res); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return []lemonResource{res}, nil
	case '[':
		var batch []lemonResource
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return batch, nil
	default:
		return nil, fmt.Errorf("%w: data must be an object or array", ErrMalformedPayload)
	}
}

func mapLemonEvent(eventName string, res lemonResource) (EventType, *int64, bool) {
	status := strings.ToLower(strings.TrimSpace(res.Attributes.Status))
	switch eventName {
	case "order_created":
		switch status {
		case "paid":
			return EventPaymentSucceeded, res.Attributes.Total, true
		case "failed":
			return EventPaymentFailed, res.Attributes.Total, true
		}
		return "", nil, false
	case "order_refunded", "subscription_payment_refunded":
		amount := res.Attributes.RefundedAmount
		if amount == nil {
			amount = res.Attributes.Total
		}
		return EventPaymentRefunded, amount, true
	case "subscription_created":
		return EventSubscriptionCreated, nil, true
	case "subscription_updated":
		switch status {
		case "active", "on_trial", "past_due":
			return EventSubscriptionUpdated, nil, true
		case "cancelled", "expired", "unpaid":
			return EventSubscriptionCanceled, nil, true
		}
		return "", nil, false
	case "subscription_cancelled", "subscription_expired":
		return EventSubscriptionCanceled, nil, true
	case "subscription_payment_success":
		return EventPaymentSucceeded, res.Attributes.Total, true
	case "subscription_payment_failed":
		return EventPaymentFailed, res.Attributes.Total, true
	default:
		return "", nil, false
	}
}
