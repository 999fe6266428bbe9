package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/Polaris/app/models"
)

var errFakeDB = errors.New("fake db down")

// memRepo is an in-memory Repository. Procedure calls return procOutcome; with
// ProcedureSucceeded they run the same logic as the fallback so state stays
// observable.
type memRepo struct {
	mu sync.Mutex

	procOutcome  ProcedureOutcome
	failLedger   bool
	failFallback bool
	grantCalls   int
	revokeCalls  int
	ledger       []models.LedgerEntry
	entitlements map[string]*models.Entitlement
	revocations  map[string]models.EntitlementRevocation
	accounts     map[string]models.BillingAccount
}

func newMemRepo(outcome ProcedureOutcome) *memRepo {
	return &memRepo{
		procOutcome:  outcome,
		entitlements: map[string]*models.Entitlement{},
		revocations:  map[string]models.EntitlementRevocation{},
		accounts:     map[string]models.BillingAccount{},
	}
}

func (m *memRepo) InsertLedgerEntry(_ context.Context, entry *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLedger {
		return errFakeDB
	}
	entry.ID = uint(len(m.ledger) + 1)
	m.ledger = append(m.ledger, *entry)
	return nil
}

func (m *memRepo) CallGrantProcedure(ctx context.Context, p GrantParams) ProcedureResult {
	m.mu.Lock()
	m.grantCalls++
	outcome := m.procOutcome
	m.mu.Unlock()
	if outcome != ProcedureSucceeded {
		return ProcedureResult{Outcome: outcome, Err: errors.New("procedure " + outcome.String())}
	}
	if rev, _ := m.GetRevocation(ctx, p.UserID); rev != nil && !p.OccurredAt.After(rev.RevokedAt) {
		return ProcedureResult{Outcome: ProcedureSucceeded}
	}
	_ = m.upsert(&models.Entitlement{
		UserID: p.UserID, Plan: string(p.Plan), Tier: string(p.Tier),
		Active: true, Source: p.Source, Reference: p.Reference,
	})
	return ProcedureResult{Outcome: ProcedureSucceeded}
}

func (m *memRepo) CallRevokeProcedure(_ context.Context, p RevokeParams) ProcedureResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeCalls++
	if m.procOutcome != ProcedureSucceeded {
		return ProcedureResult{Outcome: m.procOutcome, Err: errors.New("procedure " + m.procOutcome.String())}
	}
	if cur, ok := m.revocations[p.UserID]; !ok || p.OccurredAt.After(cur.RevokedAt) {
		m.revocations[p.UserID] = models.EntitlementRevocation{UserID: p.UserID, RevokedAt: p.OccurredAt, Source: p.Source, Reference: p.Reference}
	}
	m.deactivateLocked(p.UserID, p.Source, p.Reference, time.Now())
	return ProcedureResult{Outcome: ProcedureSucceeded}
}

func (m *memRepo) GetRevocation(_ context.Context, userID string) (*models.EntitlementRevocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFallback {
		return nil, errFakeDB
	}
	rev, ok := m.revocations[userID]
	if !ok {
		return nil, nil
	}
	return &rev, nil
}

func (m *memRepo) UpsertRevocation(_ context.Context, rev *models.EntitlementRevocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFallback {
		return errFakeDB
	}
	m.revocations[rev.UserID] = *rev
	return nil
}

func (m *memRepo) UpsertEntitlement(_ context.Context, ent *models.Entitlement) error {
	if m.failFallback {
		return errFakeDB
	}
	return m.upsert(ent)
}

func (m *memRepo) upsert(ent *models.Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ent.UserID + "|" + ent.Plan
	if cur, ok := m.entitlements[key]; ok {
		cur.Tier = ent.Tier
		cur.Active = ent.Active
		cur.Source = ent.Source
		cur.Reference = ent.Reference
		return nil
	}
	cp := *ent
	cp.ID = uint(len(m.entitlements) + 1)
	m.entitlements[key] = &cp
	return nil
}

func (m *memRepo) DeactivateEntitlements(_ context.Context, userID, source, reference string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFallback {
		return 0, errFakeDB
	}
	return m.deactivateLocked(userID, source, reference, at), nil
}

func (m *memRepo) deactivateLocked(userID, source, reference string, at time.Time) int64 {
	var n int64
	for _, ent := range m.entitlements {
		if ent.UserID != userID {
			continue
		}
		ent.Active = false
		ent.Source = source
		ent.Reference = reference
		ent.UpdatedAt = at
		n++
	}
	return n
}

func (m *memRepo) ListEntitlements(_ context.Context, userID string) ([]models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Entitlement
	for _, ent := range m.entitlements {
		if ent.UserID == userID {
			out = append(out, *ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plan < out[j].Plan })
	return out, nil
}

func (m *memRepo) UpsertBillingAccount(_ context.Context, account *models.BillingAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[account.UserID+"|"+account.Provider] = *account
	return nil
}

func (m *memRepo) GetBillingAccount(_ context.Context, userID, provider string) (*models.BillingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[userID+"|"+provider]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &account, nil
}

func (m *memRepo) FindBillingAccountByCustomer(_ context.Context, provider, customerID string) (*models.BillingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, account := range m.accounts {
		if account.Provider == provider && account.ProviderCustomerID == customerID {
			return &account, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memRepo) entitlement(userID, plan string) (models.Entitlement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entitlements[userID+"|"+plan]
	if !ok {
		return models.Entitlement{}, false
	}
	return *ent, true
}

func (m *memRepo) ledgerRows() []models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.LedgerEntry(nil), m.ledger...)
}

type memCache struct {
	mu          sync.Mutex
	data        map[string][]byte
	invalidated []string
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Get(_ context.Context, userID string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[userID]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, userID string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[userID] = payload
	return nil
}

func (c *memCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, userID)
	c.invalidated = append(c.invalidated, userID)
	return nil
}

type memArchive struct {
	bodies [][]byte
}

func (a *memArchive) Archive(_ context.Context, _ string, body []byte, _ time.Time) error {
	a.bodies = append(a.bodies, append([]byte(nil), body...))
	return nil
}

type fakeGateway struct {
	err        error
	lastInput  CheckoutSessionInput
	lastPortal PortalSessionInput
}

func (g *fakeGateway) CreateCheckout(_ context.Context, in CheckoutSessionInput) (CheckoutSession, error) {
	g.lastInput = in
	if g.err != nil {
		return CheckoutSession{}, g.err
	}
	return CheckoutSession{ID: "cs_test_1", URL: "https://pay.example/cs_test_1"}, nil
}

func (g *fakeGateway) CreatePortal(_ context.Context, in PortalSessionInput) (string, error) {
	g.lastPortal = in
	if g.err != nil {
		return "", g.err
	}
	return "https://pay.example/portal/" + in.CustomerID, nil
}
