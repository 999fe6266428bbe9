package models

import "time"

// Entitlement records whether a user currently has paid access to a plan.
type Entitlement struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(191);not null;index:ux_entitlements_user_plan,unique,priority:1" json:"user_id"`
	Plan      string    `gorm:"type:varchar(32);not null;index:ux_entitlements_user_plan,unique,priority:2" json:"plan"`
	Tier      string    `gorm:"type:varchar(20);not null;default:'free'" json:"tier"`
	Active    bool      `gorm:"not null;default:false;index" json:"active"`
	Source    string    `gorm:"type:varchar(20);default:''" json:"source"`
	Reference string    `gorm:"type:varchar(191);default:''" json:"reference"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntitlementRevocation holds the gateway time of the newest revoke applied to
// a user. Grants that happened at or before it are stale.
type EntitlementRevocation struct {
	UserID    string    `gorm:"primaryKey;type:varchar(191)" json:"user_id"`
	RevokedAt time.Time `gorm:"not null" json:"revoked_at"`
	Source    string    `gorm:"type:varchar(20);default:''" json:"source"`
	Reference string    `gorm:"type:varchar(191);default:''" json:"reference"`
	UpdatedAt time.Time `json:"updated_at"`
}
