package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/Polaris/app/models"
	"github.com/ManuelReschke/Polaris/internal/pkg/entitlements"
	"github.com/ManuelReschke/Polaris/internal/pkg/metrics"
	"github.com/ManuelReschke/Polaris/internal/pkg/usercontext"
)

// PendingCheckout is the ledger row written before a checkout session is
// requested from the gateway.
type PendingCheckout struct {
	Provider  string
	Reference string
	UserID    string
	Plan      entitlements.PlanKey
}

// LedgerWriter appends rows to the billing ledger. Write failures are logged
// and counted but never surface to the caller.
type LedgerWriter struct {
	repo Repository
	now  func() time.Time
}

func NewLedgerWriter(repo Repository) *LedgerWriter {
	return &LedgerWriter{repo: repo, now: time.Now}
}

// Record appends one row for a canonical event. Replays append again; the
// ledger is an audit trail, not a dedupe table.
func (w *LedgerWriter) Record(ctx context.Context, ev Event) {
	entry := &models.LedgerEntry{
		Provider:    ev.Provider,
		ProviderRef: ev.ID,
		Status:      string(ev.Type),
		Plan:        string(ev.PlanKey),
		UserID:      ev.UserHint,
		AmountMinor: ev.AmountCents,
		Currency:    ev.Currency,
		Raw:         rawJSON(ev.Raw),
		CreatedAt:   w.now(),
	}
	w.insert(ctx, entry)
}

// RecordPending appends the originator's pending row keyed by the checkout reference.
func (w *LedgerWriter) RecordPending(ctx context.Context, p PendingCheckout) {
	raw, _ := json.Marshal(map[string]string{
		"reference": p.Reference,
		"user_id":   p.UserID,
		"plan_key":  string(p.Plan),
	})
	entry := &models.LedgerEntry{
		Provider:    p.Provider,
		ProviderRef: p.Reference,
		Status:      models.LedgerStatusPending,
		Plan:        string(p.Plan),
		UserID:      p.UserID,
		Raw:         datatypes.JSON(raw),
		CreatedAt:   w.now(),
	}
	w.insert(ctx, entry)
}

func (w *LedgerWriter) insert(ctx context.Context, entry *models.LedgerEntry) {
	if err := w.repo.InsertLedgerEntry(ctx, entry); err != nil {
		metrics.IncLedgerWriteFailure(entry.Provider)
		fiberlog.Errorw(fmt.Sprintf("[Billing] %v", ErrLedgerWriteFailed),
			"correlation_id", usercontext.CorrelationID(ctx),
			"provider", entry.Provider,
			"provider_ref", entry.ProviderRef,
			"status", entry.Status,
			"error", err,
		)
	}
}

// rawJSON keeps the body as-is when it is valid JSON and wraps it as a JSON
// string otherwise, so the column always holds a valid document.
func rawJSON(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON("null")
	}
	if json.Valid(raw) {
		return datatypes.JSON(append([]byte(nil), raw...))
	}
	quoted, _ := json.Marshal(string(raw))
	return datatypes.JSON(quoted)
}
