package billing

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Polaris/app/models"
)

type receiverFixture struct {
	repo    *memRepo
	cache   *memCache
	archive *memArchive
	recv    *Receiver
}

func newReceiverFixture(outcome ProcedureOutcome) *receiverFixture {
	repo := newMemRepo(outcome)
	cache := newMemCache()
	archive := &memArchive{}
	return &receiverFixture{
		repo:    repo,
		cache:   cache,
		archive: archive,
		recv: NewReceiver(repo, NewLedgerWriter(repo), NewReconciler(repo), archive, cache,
			NewStripeAdapter(testStripeGateway()),
			NewLemonSqueezyAdapter(testLemonGateway()),
		),
	}
}

func (f *receiverFixture) deliverStripe(t *testing.T, body []byte) (Delivery, error) {
	t.Helper()
	return f.recv.Handle(context.Background(), "stripe", stripeHeaders(body, testStripeSecret, time.Now()), body)
}

func TestReceiver_SuccessfulSubscriptionThenRefund(t *testing.T) {
	f := newReceiverFixture(ProcedureUnavailable)

	created := stripeBody("evt_1", "customer.subscription.created", 1700000000,
		`{"customer":"cus_1","status":"active","metadata":{"user_id":"u1","plan_key":"pro_monthly"}}`)
	d, err := f.deliverStripe(t, created)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, d.Status)
	require.Len(t, d.Events, 1)

	rows := f.repo.ledgerRows()
	require.Len(t, rows, 1)
	assert.Equal(t, "evt_1", rows[0].ProviderRef)
	assert.Equal(t, "subscription_created", rows[0].Status)
	assert.Equal(t, "u1", rows[0].UserID)

	ent, ok := f.repo.entitlement("u1", "pro_monthly")
	require.True(t, ok)
	assert.True(t, ent.Active)
	assert.Equal(t, "evt_1", ent.Reference)

	account, err := f.repo.GetBillingAccount(context.Background(), "u1", models.BillingProviderStripe)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", account.ProviderCustomerID)

	refund := stripeBody("evt_2", "charge.refunded", 1700000500,
		`{"customer":"cus_1","invoice":"in_1","amount_refunded":900,"currency":"usd","metadata":{}}`)
	d, err = f.deliverStripe(t, refund)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, d.Status)

	ent, ok = f.repo.entitlement("u1", "pro_monthly")
	require.True(t, ok)
	assert.False(t, ent.Active)
	assert.Equal(t, "evt_2", ent.Reference)

	rows = f.repo.ledgerRows()
	require.Len(t, rows, 2)
	assert.Equal(t, "u1", rows[1].UserID)
	assert.Len(t, f.archive.bodies, 2)
	assert.Equal(t, []string{"u1", "u1"}, f.cache.invalidated)
}

func TestReceiver_RefundForUnknownCustomerIsSkipped(t *testing.T) {
	f := newReceiverFixture(ProcedureSucceeded)
	f.repo.entitlements["u1|pro_monthly"] = &models.Entitlement{UserID: "u1", Plan: "pro_monthly", Tier: "pro", Active: true}

	refund := stripeBody("evt_2", "charge.refunded", 1700000500,
		`{"customer":"cus_other","amount_refunded":900,"currency":"usd","metadata":{}}`)
	d, err := f.deliverStripe(t, refund)
	require.NoError(t, err)
	require.Len(t, d.Results, 1)
	assert.ErrorIs(t, d.Results[0].Skipped, ErrUnattributableEvent)
	assert.Zero(t, f.repo.revokeCalls)

	ent, ok := f.repo.entitlement("u1", "pro_monthly")
	require.True(t, ok)
	assert.True(t, ent.Active)
	require.Len(t, f.repo.ledgerRows(), 1)
	assert.Empty(t, f.repo.ledgerRows()[0].UserID)
}

func TestReceiver_ReplayedDelivery(t *testing.T) {
	f := newReceiverFixture(ProcedureSucceeded)
	body := stripeBody("evt_1", "customer.subscription.created", 1700000000,
		`{"status":"active","metadata":{"user_id":"u1","plan_key":"pro_monthly"}}`)

	_, err := f.deliverStripe(t, body)
	require.NoError(t, err)
	after1, _ := f.repo.ListEntitlements(context.Background(), "u1")

	_, err = f.deliverStripe(t, body)
	require.NoError(t, err)
	after2, _ := f.repo.ListEntitlements(context.Background(), "u1")

	rows := f.repo.ledgerRows()
	require.Len(t, rows, 2)
	assert.Equal(t, rows[0].ProviderRef, rows[1].ProviderRef)
	assert.Equal(t, after1, after2)
}

func TestReceiver_UnknownSubTypeYieldsNothing(t *testing.T) {
	f := newReceiverFixture(ProcedureSucceeded)
	body := stripeBody("evt_9", "customer.subscription.updated", 1700000000,
		`{"status":"some_new_status","metadata":{"user_id":"u1","plan_key":"pro_monthly"}}`)

	d, err := f.deliverStripe(t, body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, d.Status)
	assert.Empty(t, d.Events)
	assert.Empty(t, f.repo.ledgerRows())
	assert.Empty(t, f.repo.entitlements)
	assert.Zero(t, f.repo.grantCalls)
}

func TestReceiver_TamperedBodyWritesNothing(t *testing.T) {
	f := newReceiverFixture(ProcedureSucceeded)
	body := stripeBody("evt_1", "customer.subscription.created", 1700000000,
		`{"status":"active","metadata":{"user_id":"u1","plan_key":"pro_monthly"}}`)
	headers := stripeHeaders(body, testStripeSecret, time.Now())
	tampered := stripeBody("evt_1", "customer.subscription.created", 1700000000,
		`{"status":"active","metadata":{"user_id":"attacker","plan_key":"premium_yearly"}}`)

	d, err := f.recv.Handle(context.Background(), "stripe", headers, tampered)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Equal(t, http.StatusUnauthorized, d.Status)
	assert.Empty(t, f.repo.ledgerRows())
	assert.Empty(t, f.repo.entitlements)
	assert.Empty(t, f.archive.bodies)
}

func TestReceiver_StatusCodes(t *testing.T) {
	f := newReceiverFixture(ProcedureSucceeded)

	d, err := f.recv.Handle(context.Background(), "paypal", http.Header{}, []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Equal(t, http.StatusNotFound, d.Status)

	bad := []byte(`{"meta":{},"data":{}}`)
	d, err = f.recv.Handle(context.Background(), "lemonsqueezy", lemonHeaders(bad, testLemonSecret), bad)
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.Equal(t, http.StatusBadRequest, d.Status)
}

func TestReceiver_DownstreamFailuresStillAcknowledged(t *testing.T) {
	f := newReceiverFixture(ProcedureFailed)
	f.repo.failLedger = true
	f.repo.failFallback = true

	body := lemonBody("subscription_created", `{"user_id":"u1","plan_key":"pro_monthly"}`,
		`{"type":"subscriptions","id":"1","attributes":{"status":"active"}}`)
	d, err := f.recv.Handle(context.Background(), "LemonSqueezy", lemonHeaders(body, testLemonSecret), body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, d.Status)
	require.Len(t, d.Results, 1)
	assert.Equal(t, PathFallback, d.Results[0].Path)
	assert.Empty(t, f.cache.invalidated)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: nil, want: http.StatusOK},
		{err: ErrSignatureInvalid, want: http.StatusUnauthorized},
		{err: ErrMalformedPayload, want: http.StatusBadRequest},
		{err: ErrUnknownProvider, want: http.StatusNotFound},
		{err: ErrReconciliationFailed, want: http.StatusOK},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Fatalf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
