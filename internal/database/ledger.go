package database

import (
	"entitlement-api/internal/models"
)

// AppendLedgerEntry records one credit delta. The ledger is append-only;
// there is no update or delete path.
func (s *Store) AppendLedgerEntry(entry *models.CreditLedgerEntry) error {
	return s.db.Create(entry).Error
}

// HasLedgerEntryForEvent reports whether a ledger entry already exists for
// a (uid, source event) pair.
func (s *Store) HasLedgerEntryForEvent(uid, sourceEventID string) (bool, error) {
	var count int64
	err := s.db.Model(&models.CreditLedgerEntry{}).
		Where("uid = ? AND source_event_id = ?", uid, sourceEventID).
		Count(&count).Error
	return count > 0, err
}

// ListLedgerEntries returns a user's ledger entries, newest first
func (s *Store) ListLedgerEntries(uid string, limit int) ([]models.CreditLedgerEntry, error) {
	var entries []models.CreditLedgerEntry
	q := s.db.Where("uid = ?", uid).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	return entries, err
}

// SumLedgerDeltas returns the sum of all deltas for a user, used to
// reconcile the cached balance against the entries.
func (s *Store) SumLedgerDeltas(uid string) (int, error) {
	var total struct {
		Sum int
	}
	err := s.db.Model(&models.CreditLedgerEntry{}).
		Select("COALESCE(SUM(delta), 0) AS sum").
		Where("uid = ?", uid).
		Scan(&total).Error
	return total.Sum, err
}

// ListFlaggedLedgerEntries returns entries awaiting manual review, e.g.
// refunds whose credits were already spent.
func (s *Store) ListFlaggedLedgerEntries(limit int) ([]models.CreditLedgerEntry, error) {
	var entries []models.CreditLedgerEntry
	q := s.db.Where("flagged = ?", true).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	return entries, err
}
