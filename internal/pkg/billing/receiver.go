package billing

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Polaris/app/models"
	"github.com/ManuelReschke/Polaris/internal/pkg/metrics"
	"github.com/ManuelReschke/Polaris/internal/pkg/usercontext"
)

// PayloadArchive stores verified raw webhook bodies outside the database.
type PayloadArchive interface {
	Archive(ctx context.Context, provider string, body []byte, receivedAt time.Time) error
}

// EntitlementCache caches the serialized entitlement view of a user.
type EntitlementCache interface {
	Get(ctx context.Context, userID string) ([]byte, bool, error)
	Set(ctx context.Context, userID string, payload []byte) error
	Invalidate(ctx context.Context, userID string) error
}

// Delivery is the outcome of one inbound webhook request.
type Delivery struct {
	Provider string
	Status   int
	Events   []Event
	Results  []Result
}

// Receiver authenticates webhook deliveries and runs every event through the
// ledger and the reconciler before the response is written.
type Receiver struct {
	adapters   map[string]Adapter
	ledger     *LedgerWriter
	reconciler *Reconciler
	repo       Repository
	archive    PayloadArchive
	cache      EntitlementCache
	now        func() time.Time
}

// NewReceiver wires the receiver. archive and cache may be nil.
func NewReceiver(repo Repository, ledger *LedgerWriter, reconciler *Reconciler, archive PayloadArchive, cache EntitlementCache, adapters ...Adapter) *Receiver {
	r := &Receiver{
		adapters:   make(map[string]Adapter, len(adapters)),
		ledger:     ledger,
		reconciler: reconciler,
		repo:       repo,
		archive:    archive,
		cache:      cache,
		now:        time.Now,
	}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// StatusFor maps receiver errors to the HTTP status returned to the gateway.
// Only verification failures are non-2xx; downstream failures are not retried
// by the gateway.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, ErrSignatureInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrMalformedPayload):
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

// Handle verifies and processes one delivery. The returned error is non-nil
// only for verification failures; Delivery.Status is always set.
func (r *Receiver) Handle(ctx context.Context, provider string, headers http.Header, body []byte) (Delivery, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	d := Delivery{Provider: provider}

	adapter, ok := r.adapters[provider]
	if !ok {
		return r.reject(ctx, d, ErrUnknownProvider)
	}
	events, err := adapter.VerifyAndParse(headers, body)
	if err != nil {
		return r.reject(ctx, d, err)
	}

	r.archiveBody(ctx, provider, body)

	for i := range events {
		r.resolveCustomer(ctx, &events[i])
	}
	d.Events = events
	for _, ev := range events {
		metrics.ObserveWebhookEvent(provider, string(ev.Type))
		d.Results = append(d.Results, r.process(ctx, ev))
	}

	d.Status = http.StatusOK
	metrics.ObserveWebhookDelivery(provider, strconv.Itoa(d.Status))
	fiberlog.Infow("[Webhook] delivery processed",
		"correlation_id", usercontext.CorrelationID(ctx),
		"provider", provider,
		"events", len(events),
	)
	return d, nil
}

func (r *Receiver) process(ctx context.Context, ev Event) Result {
	r.ledger.Record(ctx, ev)

	res, err := r.reconciler.Apply(ctx, ev)
	if err != nil {
		// Already logged and counted by the reconciler; the gateway still gets 200.
		return res
	}

	if ev.UserHint != "" && ev.CustomerRef != "" {
		r.linkCustomer(ctx, ev)
	}
	if ev.UserHint != "" && res.Action != ActionNone && res.Skipped == nil && r.cache != nil {
		if err := r.cache.Invalidate(ctx, ev.UserHint); err != nil {
			fiberlog.Warnw("[Webhook] entitlement cache invalidation failed",
				"correlation_id", usercontext.CorrelationID(ctx),
				"user_id", ev.UserHint,
				"error", err,
			)
		}
	}
	return res
}

// resolveCustomer fills UserHint from the customer directory when the payload
// only names the gateway customer. Subscription charges and refunds carry no
// checkout metadata.
func (r *Receiver) resolveCustomer(ctx context.Context, ev *Event) {
	if ev.UserHint != "" || ev.CustomerRef == "" {
		return
	}
	account, err := r.repo.FindBillingAccountByCustomer(ctx, ev.Provider, ev.CustomerRef)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			fiberlog.Warnw("[Webhook] customer lookup failed",
				"correlation_id", usercontext.CorrelationID(ctx),
				"provider", ev.Provider,
				"customer", ev.CustomerRef,
				"error", err,
			)
		}
		return
	}
	ev.UserHint = account.UserID
}

func (r *Receiver) linkCustomer(ctx context.Context, ev Event) {
	now := r.now()
	err := r.repo.UpsertBillingAccount(ctx, &models.BillingAccount{
		UserID:             ev.UserHint,
		Provider:           ev.Provider,
		ProviderCustomerID: ev.CustomerRef,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		fiberlog.Warnw("[Webhook] could not link customer",
			"correlation_id", usercontext.CorrelationID(ctx),
			"provider", ev.Provider,
			"user_id", ev.UserHint,
			"error", err,
		)
	}
}

func (r *Receiver) archiveBody(ctx context.Context, provider string, body []byte) {
	if r.archive == nil {
		return
	}
	if err := r.archive.Archive(ctx, provider, body, r.now()); err != nil {
		fiberlog.Warnw("[Webhook] payload archive failed",
			"correlation_id", usercontext.CorrelationID(ctx),
			"provider", provider,
			"error", err,
		)
	}
}

func (r *Receiver) reject(ctx context.Context, d Delivery, err error) (Delivery, error) {
	d.Status = StatusFor(err)
	metrics.ObserveWebhookDelivery(d.Provider, strconv.Itoa(d.Status))
	fiberlog.Warnw("[Webhook] delivery rejected",
		"correlation_id", usercontext.CorrelationID(ctx),
		"provider", d.Provider,
		"status", d.Status,
		"error", err,
	)
	return d, err
}
