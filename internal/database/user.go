package database

import (
	"errors"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
)

// ErrUserNotFound is returned when no account exists for a uid
var ErrUserNotFound = errors.New("user not found")

// ErrStaleAccount is returned when a guarded account save lost a race
// against a concurrent writer. The caller re-reads the row and retries.
var ErrStaleAccount = errors.New("account modified concurrently")

// GetUser returns the account for a uid
func (s *Store) GetUser(uid string) (*models.UserAccount, error) {
	var user models.UserAccount
	err := s.db.Where("uid = ?", uid).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// EnsureUser returns the account for a uid, creating a free-tier account on
// first contact. LastMonthlyResetAt stays zero so the first balance read
// applies the lazy monthly grant.
func (s *Store) EnsureUser(uid string) (*models.UserAccount, error) {
	user := models.UserAccount{
		UID:  uid,
		Tier: models.TierFree,
	}
	err := s.db.Where("uid = ?", uid).FirstOrCreate(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SaveUser persists account changes guarded by the version column. Two
// transactions that read the same account snapshot cannot both commit: the
// loser's update matches zero rows and returns ErrStaleAccount, so a
// concurrent grant or spend is never silently overwritten.
func (s *Store) SaveUser(user *models.UserAccount) error {
	current := user.Version
	res := s.db.Model(&models.UserAccount{}).
		Where("uid = ? AND version = ?", user.UID, current).
		Updates(map[string]interface{}{
			"tier":                        user.Tier,
			"monthly_allowance_remaining": user.MonthlyAllowanceRemaining,
			"logic_pack_balance":          user.LogicPackBalance,
			"intro_offer_used":            user.IntroOfferUsed,
			"last_monthly_reset_at":       user.LastMonthlyResetAt,
			"version":                     current + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleAccount
	}
	user.Version = current + 1
	return nil
}
