package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe       = "stripe"
	BillingProviderLemonSqueezy = "lemonsqueezy"
)

// BillingAccount links a local user to the customer record a gateway created
// for them. Filled from verified webhook events, read when opening a portal.
type BillingAccount struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	UserID             string    `gorm:"type:varchar(191);not null;index:ux_billing_accounts_user_provider,unique,priority:1" json:"user_id"`
	Provider           string    `gorm:"type:varchar(20);not null;index:ux_billing_accounts_user_provider,unique,priority:2" json:"provider"`
	ProviderCustomerID string    `gorm:"type:varchar(191);not null;index" json:"provider_customer_id"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
