package database

import (
	"errors"
	"time"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
)

// GetEntitlement returns the entitlement row for a uid
func (s *Store) GetEntitlement(uid string) (*models.Entitlement, error) {
	var entitlement models.Entitlement
	err := s.db.Where("uid = ?", uid).First(&entitlement).Error
	if err != nil {
		return nil, err
	}
	return &entitlement, nil
}

// GetOrInitEntitlement returns the entitlement for a uid, or a fresh
// unsaved row in status none when the user has never purchased.
func (s *Store) GetOrInitEntitlement(uid string) (*models.Entitlement, error) {
	entitlement, err := s.GetEntitlement(uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.Entitlement{
				UID:    uid,
				Status: models.EntitlementNone,
			}, nil
		}
		return nil, err
	}
	return entitlement, nil
}

// SaveEntitlement persists an entitlement row, creating it when new
func (s *Store) SaveEntitlement(entitlement *models.Entitlement) error {
	return s.db.Save(entitlement).Error
}

// ListEntitlementsByStatus returns entitlements in any of the given
// statuses, used by the reconciliation sampler.
func (s *Store) ListEntitlementsByStatus(statuses ...string) ([]models.Entitlement, error) {
	var entitlements []models.Entitlement
	err := s.db.Where("status IN ?", statuses).Find(&entitlements).Error
	return entitlements, err
}

// CountActiveEntitlements counts users whose entitlement currently grants
// access.
func (s *Store) CountActiveEntitlements(now time.Time) (int64, error) {
	var count int64
	err := s.db.Model(&models.Entitlement{}).
		Where("(status = ? AND end_at > ?) OR status = ?",
			models.EntitlementActive, now, models.EntitlementGrace).
		Count(&count).Error
	return count, err
}
