package database

import (
	"errors"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
)

// GetReceipt returns the cached verification record for a transaction
func (s *Store) GetReceipt(uid, platform, transactionID string) (*models.Receipt, error) {
	var receipt models.Receipt
	err := s.db.Where("uid = ? AND platform = ? AND transaction_id = ?",
		uid, platform, transactionID).First(&receipt).Error
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// HasReceiptForTransaction reports whether the verification cache already
// covers a platform transaction, regardless of which event settled it
func (s *Store) HasReceiptForTransaction(platform, transactionID string) (bool, error) {
	var count int64
	err := s.db.Model(&models.Receipt{}).
		Where("platform = ? AND transaction_id = ?", platform, transactionID).
		Count(&count).Error
	return count > 0, err
}

// UpsertReceipt stores the latest verification result for a transaction
func (s *Store) UpsertReceipt(receipt *models.Receipt) error {
	var existing models.Receipt
	err := s.db.Where("uid = ? AND platform = ? AND transaction_id = ?",
		receipt.UID, receipt.Platform, receipt.TransactionID).First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.db.Create(receipt).Error
		}
		return err
	}

	existing.Status = receipt.Status
	existing.ProductID = receipt.ProductID
	existing.ExpiresAt = receipt.ExpiresAt
	existing.AutoRenew = receipt.AutoRenew
	existing.LastVerifiedAt = receipt.LastVerifiedAt
	existing.Raw = receipt.Raw
	return s.db.Save(&existing).Error
}
