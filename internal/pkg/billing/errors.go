package billing

import "errors"

var (
	// ErrSignatureInvalid means the notification did not come from the gateway.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrMalformedPayload means the body is not the gateway's envelope.
	ErrMalformedPayload = errors.New("webhook payload malformed")
	// ErrUnattributableEvent marks verified events without user or plan.
	ErrUnattributableEvent = errors.New("event cannot be attributed to a user or plan")
	// ErrStaleGrant marks grants that happened at or before the user's latest revoke.
	ErrStaleGrant = errors.New("grant predates latest revocation")
	// ErrLedgerWriteFailed is logged by the ledger writer, never returned to callers.
	ErrLedgerWriteFailed = errors.New("ledger write failed")
	// ErrReconciliationFailed means both the procedure and the fallback write failed.
	ErrReconciliationFailed = errors.New("entitlement reconciliation failed")
	// ErrNoProviderConfigured is returned when no gateway is enabled.
	ErrNoProviderConfigured = errors.New("no payment provider configured")
	// ErrUnknownProvider is returned for webhook paths with no enabled adapter.
	ErrUnknownProvider = errors.New("unknown payment provider")
	// ErrInvalidPlan is returned for plan keys outside the fixed set.
	ErrInvalidPlan = errors.New("invalid plan")
	// ErrInvalidRequest wraps validation failures of checkout and portal requests.
	ErrInvalidRequest = errors.New("invalid billing request")
)
