package models

// Ledger entry reasons
const (
	ReasonIntroMonthGrant     = "intro_month_grant"
	ReasonMonthlyRenewal      = "monthly_renewal"
	ReasonMonthlyReset        = "monthly_reset"
	ReasonStarterPackPurchase = "starter_pack_purchase"
	ReasonSpend               = "spend"
	ReasonRefundUnrecovered   = "refund_unrecovered"
)

// CreditLedgerEntry is one row of the append-only credit ledger. Entries
// are never updated or deleted; the current balance is reconciled against
// the sum of entries. An entry exists iff its source event was processed,
// which is what makes replays safe.
type CreditLedgerEntry struct {
	BaseModel

	UID    string `json:"uid" gorm:"not null;index;size:128;uniqueIndex:idx_ledger_uid_event"`
	Delta  int    `json:"delta" gorm:"not null"`
	Reason string `json:"reason" gorm:"not null;size:40;index"`

	// SourceEventID ties the entry to the iap_events row that caused it.
	// At most one entry per (uid, source_event_id).
	SourceEventID string `json:"source_event_id" gorm:"not null;size:256;uniqueIndex:idx_ledger_uid_event"`

	// Flagged marks entries that need manual review, e.g. a refund whose
	// credits were already spent and are not clawed back.
	Flagged bool `json:"flagged" gorm:"not null;default:false"`
}

// TableName sets the table name
func (CreditLedgerEntry) TableName() string {
	return "credit_ledger_entries"
}
