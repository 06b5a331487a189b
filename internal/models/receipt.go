package models

import (
	"time"
)

// Receipt caches the last known store truth for one platform transaction.
// Reconciliation compares fresh verification results against this cache to
// detect drift without touching user state.
type Receipt struct {
	BaseModel

	UID           string `json:"uid" gorm:"not null;size:128;uniqueIndex:idx_receipt_key"`
	Platform      string `json:"platform" gorm:"not null;size:20;uniqueIndex:idx_receipt_key"`
	TransactionID string `json:"transaction_id" gorm:"not null;size:256;uniqueIndex:idx_receipt_key"`

	Status         string    `json:"status" gorm:"size:20"`
	ProductID      string    `json:"product_id" gorm:"size:100"`
	ExpiresAt      time.Time `json:"expires_at"`
	AutoRenew      bool      `json:"auto_renew"`
	LastVerifiedAt time.Time `json:"last_verified_at"`

	// Raw is the store verification response, audit only.
	Raw string `json:"raw" gorm:"type:text"`
}

// TableName sets the table name
func (Receipt) TableName() string {
	return "receipts"
}
