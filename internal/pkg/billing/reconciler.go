package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Polaris/app/models"
	"github.com/ManuelReschke/Polaris/internal/pkg/metrics"
	"github.com/ManuelReschke/Polaris/internal/pkg/usercontext"
)

const (
	PathNone      = "none"
	PathProcedure = "procedure"
	PathFallback  = "fallback"
)

// Result describes what Apply did with one event.
type Result struct {
	Action    Action
	Path      string
	Procedure ProcedureOutcome
	// Skipped is ErrUnattributableEvent or ErrStaleGrant when no row was touched.
	Skipped error
}

// Reconciler turns canonical events into absolute entitlement state.
type Reconciler struct {
	repo Repository
	now  func() time.Time
}

func NewReconciler(repo Repository) *Reconciler {
	return &Reconciler{repo: repo, now: time.Now}
}

// Apply grants or revokes according to the event type. It tries the atomic
// procedure first and falls back to direct table writes on any other outcome.
// An error is returned only when both paths failed.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Result, error) {
	action := ActionFor(ev.Type)
	res := Result{Action: action, Path: PathNone}

	switch action {
	case ActionGrant:
		if ev.UserHint == "" || !ev.HasPlan() {
			return r.skip(ctx, ev, res, ErrUnattributableEvent), nil
		}
		return r.grant(ctx, ev, res)
	case ActionRevoke:
		if ev.UserHint == "" {
			return r.skip(ctx, ev, res, ErrUnattributableEvent), nil
		}
		return r.revoke(ctx, ev, res)
	default:
		return res, nil
	}
}

func (r *Reconciler) grant(ctx context.Context, ev Event, res Result) (Result, error) {
	proc := r.repo.CallGrantProcedure(ctx, GrantParams{
		UserID:     ev.UserHint,
		Plan:       ev.PlanKey,
		Tier:       ev.PlanKey.Tier(),
		Source:     ev.Provider,
		Reference:  ev.ID,
		OccurredAt: ev.OccurredAt,
	})
	res.Procedure = proc.Outcome
	if proc.Outcome == ProcedureSucceeded {
		res.Path = PathProcedure
		metrics.ObserveReconciliation(string(res.Action), res.Path, "ok")
		return res, nil
	}
	r.logProcedure(ctx, ev, proc)

	res.Path = PathFallback
	if err := r.grantFallback(ctx, ev); err != nil {
		if errors.Is(err, ErrStaleGrant) {
			return r.skip(ctx, ev, res, ErrStaleGrant), nil
		}
		return r.fail(ctx, ev, res, err)
	}
	metrics.ObserveReconciliation(string(res.Action), res.Path, "ok")
	return res, nil
}

func (r *Reconciler) grantFallback(ctx context.Context, ev Event) error {
	rev, err := r.repo.GetRevocation(ctx, ev.UserHint)
	if err != nil {
		return fmt.Errorf("load revocation: %w", err)
	}
	if rev != nil && !ev.OccurredAt.After(rev.RevokedAt) {
		return ErrStaleGrant
	}
	now := r.now()
	return r.repo.UpsertEntitlement(ctx, &models.Entitlement{
		UserID:    ev.UserHint,
		Plan:      string(ev.PlanKey),
		Tier:      string(ev.PlanKey.Tier()),
		Active:    true,
		Source:    ev.Provider,
		Reference: ev.ID,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (r *Reconciler) revoke(ctx context.Context, ev Event, res Result) (Result, error) {
	proc := r.repo.CallRevokeProcedure(ctx, RevokeParams{
		UserID:     ev.UserHint,
		Source:     ev.Provider,
		Reference:  ev.ID,
		OccurredAt: ev.OccurredAt,
	})
	res.Procedure = proc.Outcome
	if proc.Outcome == ProcedureSucceeded {
		res.Path = PathProcedure
		metrics.ObserveReconciliation(string(res.Action), res.Path, "ok")
		return res, nil
	}
	r.logProcedure(ctx, ev, proc)

	res.Path = PathFallback
	if err := r.revokeFallback(ctx, ev); err != nil {
		return r.fail(ctx, ev, res, err)
	}
	metrics.ObserveReconciliation(string(res.Action), res.Path, "ok")
	return res, nil
}

// revokeFallback advances the watermark and deactivates every row of the
// user. The two writes are not atomic; the procedure path is.
func (r *Reconciler) revokeFallback(ctx context.Context, ev Event) error {
	rev, err := r.repo.GetRevocation(ctx, ev.UserHint)
	if err != nil {
		return fmt.Errorf("load revocation: %w", err)
	}
	now := r.now()
	if rev == nil || ev.OccurredAt.After(rev.RevokedAt) {
		err = r.repo.UpsertRevocation(ctx, &models.EntitlementRevocation{
			UserID:    ev.UserHint,
			RevokedAt: ev.OccurredAt,
			Source:    ev.Provider,
			Reference: ev.ID,
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("store revocation: %w", err)
		}
	}
	if _, err := r.repo.DeactivateEntitlements(ctx, ev.UserHint, ev.Provider, ev.ID, now); err != nil {
		return fmt.Errorf("deactivate entitlements: %w", err)
	}
	return nil
}

func (r *Reconciler) logProcedure(ctx context.Context, ev Event, proc ProcedureResult) {
	kv := []interface{}{
		"correlation_id", usercontext.CorrelationID(ctx),
		"provider", ev.Provider,
		"event_id", ev.ID,
		"outcome", proc.Outcome.String(),
	}
	if proc.Err != nil {
		kv = append(kv, "error", proc.Err)
	}
	if proc.Outcome == ProcedureFailed {
		fiberlog.Warnw("[Billing] entitlement procedure failed, using fallback", kv...)
		return
	}
	fiberlog.Debugw("[Billing] entitlement procedure unavailable, using fallback", kv...)
}

func (r *Reconciler) skip(ctx context.Context, ev Event, res Result, reason error) Result {
	res.Skipped = reason
	metrics.ObserveReconciliation(string(res.Action), res.Path, "skipped")
	fiberlog.Infow("[Billing] event skipped",
		"correlation_id", usercontext.CorrelationID(ctx),
		"provider", ev.Provider,
		"event_id", ev.ID,
		"type", string(ev.Type),
		"reason", reason.Error(),
	)
	return res
}

func (r *Reconciler) fail(ctx context.Context, ev Event, res Result, err error) (Result, error) {
	metrics.ObserveReconciliation(string(res.Action), res.Path, "failed")
	fiberlog.Errorw("[Billing] entitlement fallback failed",
		"correlation_id", usercontext.CorrelationID(ctx),
		"provider", ev.Provider,
		"event_id", ev.ID,
		"user_id", ev.UserHint,
		"error", err,
	)
	return res, fmt.Errorf("%w: %s %s: %v", ErrReconciliationFailed, res.Action, ev.ID, err)
}
