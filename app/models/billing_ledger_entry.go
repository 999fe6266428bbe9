package models

import (
	"time"

	"gorm.io/datatypes"
)

// LedgerStatusPending marks the row an originator writes before handing the
// user to a gateway. Every other status is a canonical event type.
const LedgerStatusPending = "pending"

// LedgerEntry is one row of the billing audit trail. Rows are only ever
// inserted; redelivered webhooks produce additional rows.
type LedgerEntry struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Provider    string         `gorm:"type:varchar(20);not null;index:idx_billing_ledger_provider_ref,priority:1" json:"provider"`
	ProviderRef string         `gorm:"type:varchar(191);not null;index:idx_billing_ledger_provider_ref,priority:2" json:"provider_ref"`
	Status      string         `gorm:"type:varchar(32);not null;index" json:"status"`
	Plan        string         `gorm:"type:varchar(32);default:''" json:"plan"`
	UserID      string         `gorm:"type:varchar(191);default:'';index" json:"user_id"`
	AmountMinor *int64         `json:"amount_minor,omitempty"`
	Currency    string         `gorm:"type:varchar(8);default:''" json:"currency"`
	Raw         datatypes.JSON `json:"raw"`
	CreatedAt   time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName keeps the audit table name stable regardless of struct naming.
func (LedgerEntry) TableName() string { return "billing_ledger" }
