package models

import (
	"fmt"
	"time"
)

// Event statuses. An event only moves forward: pending -> processed,
// skipped or failed. A processed event is never reprocessed.
const (
	EventPending   = "pending"
	EventProcessed = "processed"
	EventSkipped   = "skipped"
	EventFailed    = "failed"
)

// Event types, normalized across both stores
const (
	EventTypeSubscribed     = "subscribed"
	EventTypeDidRenew       = "did_renew"
	EventTypeDidFailToRenew = "did_fail_to_renew"
	EventTypeExpired        = "expired"
	EventTypeRefund         = "refund"
	EventTypePurchased      = "purchased"
	EventTypeOnHold         = "on_hold"
	EventTypePaused         = "paused"
	EventTypeResumed        = "resumed"
	EventTypeReconcile      = "reconcile"
	EventTypeMonthlyReset   = "monthly_reset"
)

// IAPEvent is the idempotency ledger: one row per inbound notification,
// client verification call or synthetic event, keyed by a deterministic
// EventID so redelivery produces the same row.
type IAPEvent struct {
	BaseModel

	EventID  string `json:"event_id" gorm:"not null;uniqueIndex;size:256"`
	Platform string `json:"platform" gorm:"size:20;index"`
	Type     string `json:"type" gorm:"not null;size:30"`

	// TransactionRef is the Apple transaction id or Google purchase token.
	TransactionRef string `json:"transaction_ref" gorm:"size:256;index"`
	ProductID      string `json:"product_id" gorm:"size:100"`

	// UID may be empty on arrival when the store payload lacks it; the
	// processor resolves it before committing.
	UID string `json:"uid" gorm:"size:128;index"`

	Status    string `json:"status" gorm:"not null;size:20;index"`
	Attempts  int    `json:"attempts" gorm:"not null;default:0"`
	LastError string `json:"last_error" gorm:"type:text"`

	// Raw is the opaque store payload, kept for audit only.
	Raw string `json:"raw" gorm:"type:text"`

	ProcessedAt *time.Time `json:"processed_at"`
}

// TableName sets the table name
func (IAPEvent) TableName() string {
	return "iap_events"
}

// AppleEventID derives the base event identity for an App Store
// transaction and normalized event type.
func AppleEventID(transactionID, eventType string) string {
	return fmt.Sprintf("apple_%s_%s", transactionID, eventType)
}

// GoogleEventID derives the base event identity for a Play purchase token
// and normalized event type.
func GoogleEventID(purchaseToken, eventType string) string {
	return fmt.Sprintf("google_%s_%s", purchaseToken, eventType)
}

// StoreEventID derives the idempotency key for an inbound store event.
// Purchase-anchoring events (subscribed, purchased) omit the per-message
// qualifier so a webhook and a client verify call for the same transaction
// land on the same row. State events keep it, because a recurring
// notification type can legitimately repeat for one transaction reference
// (Google renewals reuse the purchase token every period). Redelivery of
// one message carries the same qualifier, so dedup still holds.
func StoreEventID(platform, transactionRef, eventType, messageQualifier string) string {
	switch eventType {
	case EventTypeSubscribed, EventTypePurchased:
		messageQualifier = ""
	}

	var id string
	if platform == PlatformAndroid {
		id = GoogleEventID(transactionRef, eventType)
	} else {
		id = AppleEventID(transactionRef, eventType)
	}
	if messageQualifier != "" {
		id += "_" + messageQualifier
	}
	return id
}

// MonthlyResetEventID derives the synthetic id for a calendar-only monthly
// reset. One reset per user per month.
func MonthlyResetEventID(uid string, period time.Time) string {
	return fmt.Sprintf("reset_%s_%s", uid, period.Format("2006-01"))
}

// ReconcileEventID derives the synthetic id for a reconciliation replay.
// Day-scoped so a later drift on the same transaction can still correct.
func ReconcileEventID(platform, transactionRef string, day time.Time) string {
	return fmt.Sprintf("reconcile_%s_%s_%s", platform, transactionRef, day.Format("2006-01-02"))
}
