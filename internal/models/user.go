package models

import (
	"time"
)

// Subscription tiers
const (
	TierFree       = "free"
	TierProMonthly = "pro_monthly"
	TierProAnnual  = "pro_annual"
)

// UserAccount holds the spendable credit state for one end user.
// Total spendable credits = MonthlyAllowanceRemaining + LogicPackBalance.
// Consumption always debits the monthly allowance before the logic pack.
type UserAccount struct {
	BaseModel

	UID  string `json:"uid" gorm:"not null;uniqueIndex;size:128"`
	Tier string `json:"tier" gorm:"not null;size:20;default:'free'"`

	// Monthly allowance resets at the start of each month; the logic pack
	// balance is purchased consumable credit and never auto-resets.
	MonthlyAllowanceRemaining int `json:"monthly_allowance_remaining" gorm:"not null;default:0"`
	LogicPackBalance          int `json:"logic_pack_balance" gorm:"not null;default:0"`

	// IntroOfferUsed is set once a user has ever received the intro month
	// grant; it never clears, even across cancel/resubscribe cycles.
	IntroOfferUsed     bool      `json:"intro_offer_used" gorm:"not null;default:false"`
	LastMonthlyResetAt time.Time `json:"last_monthly_reset_at"`

	// Version guards concurrent writers of the credit fields; a save whose
	// version is stale is rejected instead of overwriting a newer commit.
	Version int `json:"-" gorm:"not null;default:0"`
}

// TableName sets the table name
func (UserAccount) TableName() string {
	return "users"
}

// TotalCredits returns the user's total spendable credits
func (u *UserAccount) TotalCredits() int {
	return u.MonthlyAllowanceRemaining + u.LogicPackBalance
}
