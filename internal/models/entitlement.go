package models

import (
	"time"
)

// Entitlement statuses
const (
	EntitlementNone    = "none"
	EntitlementActive  = "active"
	EntitlementGrace   = "grace"
	EntitlementOnHold  = "on_hold"
	EntitlementPaused  = "paused"
	EntitlementExpired = "expired"
)

// Platforms
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

// Entitlement is a user's subscription access state. One row per user, one
// active product at a time. Rows are never deleted, only transitioned to
// expired. Only the event processor writes this table.
type Entitlement struct {
	BaseModel

	UID      string `json:"uid" gorm:"not null;uniqueIndex;size:128"`
	Status   string `json:"status" gorm:"not null;size:20;index"`
	Platform string `json:"platform" gorm:"size:20"`

	ProductID string `json:"product_id" gorm:"size:100"`
	AutoRenew bool   `json:"auto_renew"`

	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at" gorm:"index"`

	// LatestTransactionID is the store transaction of the last event that
	// moved this record.
	LatestTransactionID string    `json:"latest_transaction_id" gorm:"size:128"`
	LastVerifiedAt      time.Time `json:"last_verified_at"`
}

// TableName sets the table name
func (Entitlement) TableName() string {
	return "entitlements"
}

// IsActive reports whether the entitlement currently grants feature access.
// Grace counts as active: billing is retrying but access is kept.
func (e *Entitlement) IsActive(now time.Time) bool {
	switch e.Status {
	case EntitlementActive:
		return e.EndAt.After(now)
	case EntitlementGrace:
		return true
	default:
		return false
	}
}
