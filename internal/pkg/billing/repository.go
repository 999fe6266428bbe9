package billing

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/Polaris/app/models"
	"github.com/ManuelReschke/Polaris/internal/pkg/entitlements"
)

// mysqlErrProcedureMissing is ER_SP_DOES_NOT_EXIST.
const mysqlErrProcedureMissing = 1305

// ProcedureOutcome tags how an atomic server-side procedure call ended.
type ProcedureOutcome int

const (
	ProcedureSucceeded ProcedureOutcome = iota
	ProcedureUnavailable
	ProcedureFailed
)

func (o ProcedureOutcome) String() string {
	switch o {
	case ProcedureSucceeded:
		return "succeeded"
	case ProcedureUnavailable:
		return "unavailable"
	default:
		return "failed"
	}
}

// ProcedureResult is returned instead of an error so callers branch on the
// outcome explicitly.
type ProcedureResult struct {
	Outcome ProcedureOutcome
	Err     error
}

// GrantParams is the fixed parameter set of grant_entitlement.
type GrantParams struct {
	UserID     string
	Plan       entitlements.PlanKey
	Tier       entitlements.Tier
	Source     string
	Reference  string
	OccurredAt time.Time
}

// RevokeParams is the fixed parameter set of revoke_entitlement.
type RevokeParams struct {
	UserID     string
	Source     string
	Reference  string
	OccurredAt time.Time
}

// Repository provides DB operations used by the billing core.
type Repository interface {
	InsertLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error

	CallGrantProcedure(ctx context.Context, p GrantParams) ProcedureResult
	CallRevokeProcedure(ctx context.Context, p RevokeParams) ProcedureResult

	GetRevocation(ctx context.Context, userID string) (*models.EntitlementRevocation, error)
	UpsertRevocation(ctx context.Context, rev *models.EntitlementRevocation) error
	UpsertEntitlement(ctx context.Context, ent *models.Entitlement) error
	DeactivateEntitlements(ctx context.Context, userID, source, reference string, at time.Time) (int64, error)
	ListEntitlements(ctx context.Context, userID string) ([]models.Entitlement, error)

	UpsertBillingAccount(ctx context.Context, account *models.BillingAccount) error
	GetBillingAccount(ctx context.Context, userID, provider string) (*models.BillingAccount, error)
	FindBillingAccountByCustomer(ctx context.Context, provider, customerID string) (*models.BillingAccount, error)
}

type gormRepository struct {
	db                *gorm.DB
	proceduresEnabled bool
}

// NewRepository creates a billing repository backed by GORM. With procedures
// disabled every procedure call reports ProcedureUnavailable without touching
// the database.
func NewRepository(db *gorm.DB, proceduresEnabled bool) Repository {
	return &gormRepository{db: db, proceduresEnabled: proceduresEnabled}
}

func (r *gormRepository) InsertLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *gormRepository) CallGrantProcedure(ctx context.Context, p GrantParams) ProcedureResult {
	if !r.proceduresEnabled {
		return ProcedureResult{Outcome: ProcedureUnavailable}
	}
	err := r.db.WithContext(ctx).Exec(
		"CALL grant_entitlement(?, ?, ?, ?, ?, ?)",
		p.UserID, string(p.Plan), string(p.Tier), p.Source, p.Reference, p.OccurredAt.UTC(),
	).Error
	return classifyProcedureError(err)
}

func (r *gormRepository) CallRevokeProcedure(ctx context.Context, p RevokeParams) ProcedureResult {
	if !r.proceduresEnabled {
		return ProcedureResult{Outcome: ProcedureUnavailable}
	}
	err := r.db.WithContext(ctx).Exec(
		"CALL revoke_entitlement(?, ?, ?, ?)",
		p.UserID, p.Source, p.Reference, p.OccurredAt.UTC(),
	).Error
	return classifyProcedureError(err)
}

func classifyProcedureError(err error) ProcedureResult {
	if err == nil {
		return ProcedureResult{Outcome: ProcedureSucceeded}
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlErrProcedureMissing {
		return ProcedureResult{Outcome: ProcedureUnavailable, Err: err}
	}
	return ProcedureResult{Outcome: ProcedureFailed, Err: err}
}

func (r *gormRepository) GetRevocation(ctx context.Context, userID string) (*models.EntitlementRevocation, error) {
	var rev models.EntitlementRevocation
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&rev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rev, nil
}

func (r *gormRepository) UpsertRevocation(ctx context.Context, rev *models.EntitlementRevocation) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"revoked_at",
			"source",
			"reference",
			"updated_at",
		}),
	}).Create(rev).Error
}

func (r *gormRepository) UpsertEntitlement(ctx context.Context, ent *models.Entitlement) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "plan"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"tier",
			"active",
			"source",
			"reference",
			"updated_at",
		}),
	}).Create(ent).Error
}

func (r *gormRepository) DeactivateEntitlements(ctx context.Context, userID, source, reference string, at time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&models.Entitlement{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"active":     false,
			"source":     source,
			"reference":  reference,
			"updated_at": at,
		})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) ListEntitlements(ctx context.Context, userID string) ([]models.Entitlement, error) {
	var rows []models.Entitlement
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("plan").Find(&rows).Error
	return rows, err
}

func (r *gormRepository) UpsertBillingAccount(ctx context.Context, account *models.BillingAccount) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "provider"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider_customer_id",
			"updated_at",
		}),
	}).Create(account).Error
}

func (r *gormRepository) GetBillingAccount(ctx context.Context, userID, provider string) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := r.db.WithContext(ctx).Where("user_id = ? AND provider = ?", userID, provider).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// FindBillingAccountByCustomer returns the most recently linked account for a
// gateway customer id.
func (r *gormRepository) FindBillingAccountByCustomer(ctx context.Context, provider, customerID string) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_customer_id = ?", provider, customerID).
		Order("updated_at DESC").
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}
