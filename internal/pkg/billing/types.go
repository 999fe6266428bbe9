package billing

import (
	"encoding/json"
	"time"

	"github.com/ManuelReschke/Polaris/internal/pkg/entitlements"
)

// EventType is the gateway-agnostic kind of a payment notification.
type EventType string

const (
	EventPaymentSucceeded     EventType = "payment_succeeded"
	EventPaymentRefunded      EventType = "payment_refunded"
	EventSubscriptionCreated  EventType = "subscription_created"
	EventSubscriptionUpdated  EventType = "subscription_updated"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	EventPaymentFailed        EventType = "payment_failed"
)

// Event is the canonical payment event produced by a gateway adapter. It is
// passed by value and never modified after the adapter returns it.
type Event struct {
	ID          string
	Type        EventType
	Provider    string
	PlanKey     entitlements.PlanKey
	UserHint    string
	AmountCents *int64
	Currency    string
	CustomerRef string
	OccurredAt  time.Time
	Raw         json.RawMessage
}

// HasPlan reports whether the gateway payload carried a recognizable plan.
func (e Event) HasPlan() bool {
	_, ok := entitlements.ParsePlanKey(string(e.PlanKey))
	return ok
}

// Action is what the reconciler decided to do with an event.
type Action string

const (
	ActionGrant  Action = "grant"
	ActionRevoke Action = "revoke"
	ActionNone   Action = "none"
)

// ActionFor maps an event type to the entitlement transition it triggers.
func ActionFor(t EventType) Action {
	switch t {
	case EventPaymentSucceeded, EventSubscriptionCreated, EventSubscriptionUpdated:
		return ActionGrant
	case EventPaymentRefunded, EventSubscriptionCanceled:
		return ActionRevoke
	default:
		return ActionNone
	}
}
