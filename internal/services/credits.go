package services

import (
	"errors"
	"fmt"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"github.com/google/uuid"
)

// Quota constants
const (
	FreeMonthly      = 3
	ProMonthly       = 60
	IntroMonth       = 30
	RolloverCap      = 30
	StarterPackBonus = 100
)

// ErrInsufficientCredits is returned when a spend cannot be covered by the
// monthly allowance and logic pack combined.
var ErrInsufficientCredits = errors.New("insufficient credits")

// CreditService owns the quota rules: grants, rollover, the lazy monthly
// reset and the consumption order.
type CreditService struct {
	store *database.Store
	loc   *time.Location
}

// NewCreditService creates a credit service. The timezone fixes the
// operational reset boundary (00:00 on the 1st of each month).
func NewCreditService(store *database.Store, timezone string) (*CreditService, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load operational timezone: %w", err)
	}
	return &CreditService{store: store, loc: loc}, nil
}

// TierQuota returns the monthly credit quota for a tier
func TierQuota(tier string) int {
	switch tier {
	case models.TierProMonthly, models.TierProAnnual:
		return ProMonthly
	default:
		return FreeMonthly
	}
}

// monthlyGrant computes the next allowance: the tier quota plus unused
// allowance carried over up to the rollover cap.
func monthlyGrant(tier string, previousRemaining int) int {
	rollover := previousRemaining
	if rollover > RolloverCap {
		rollover = RolloverCap
	}
	return TierQuota(tier) + rollover
}

// ApplyEventGrant mutates the user's credit fields for one processed event
// and returns the ledger delta, reason and review flag. A zero delta with
// an empty reason means the event grants nothing.
//
// Must be called inside the processor's per-user transaction; the ledger
// append and user save belong to the caller.
func (c *CreditService) ApplyEventGrant(user *models.UserAccount, event *models.IAPEvent, purchase *NormalizedPurchase) (int, string, bool) {
	switch event.Type {
	case models.EventTypePurchased:
		if !IsConsumableProduct(purchase.ProductID) {
			return 0, "", false
		}
		user.LogicPackBalance += StarterPackBonus
		return StarterPackBonus, models.ReasonStarterPackPurchase, false

	case models.EventTypeSubscribed:
		user.Tier = TierForProduct(purchase.ProductID)
		previous := user.MonthlyAllowanceRemaining
		if !user.IntroOfferUsed {
			// The intro month replaces the normal grant, once per lifetime.
			user.IntroOfferUsed = true
			user.MonthlyAllowanceRemaining = IntroMonth
			user.LastMonthlyResetAt = time.Now()
			return IntroMonth - previous, models.ReasonIntroMonthGrant, false
		}
		user.MonthlyAllowanceRemaining = monthlyGrant(user.Tier, previous)
		user.LastMonthlyResetAt = time.Now()
		return user.MonthlyAllowanceRemaining - previous, models.ReasonMonthlyRenewal, false

	case models.EventTypeDidRenew:
		user.Tier = TierForProduct(purchase.ProductID)
		previous := user.MonthlyAllowanceRemaining
		user.MonthlyAllowanceRemaining = monthlyGrant(user.Tier, previous)
		user.LastMonthlyResetAt = time.Now()
		return user.MonthlyAllowanceRemaining - previous, models.ReasonMonthlyRenewal, false

	case models.EventTypeRefund:
		// Policy: refunded credits that were already spent are not clawed
		// back; the flagged zero-delta entry surfaces them for review. A
		// consumable refund is flagged the same way but leaves the
		// subscription tier alone.
		if !IsConsumableProduct(purchase.ProductID) {
			user.Tier = models.TierFree
		}
		return 0, models.ReasonRefundUnrecovered, true

	case models.EventTypeExpired:
		user.Tier = models.TierFree
		return 0, "", false

	case models.EventTypeReconcile:
		// A correction to a lapsed subscription also drops the tier, so
		// the lazy monthly reset takes over.
		if purchase.Status != PurchaseActive {
			user.Tier = models.TierFree
		}
		return 0, "", false

	default:
		// Grace, hold, pause, resume and reconcile events move the
		// entitlement only.
		return 0, "", false
	}
}

// currentPeriod returns the start of the current month in the operational
// timezone.
func (c *CreditService) currentPeriod(now time.Time) time.Time {
	local := now.In(c.loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, c.loc)
}

// EnsureMonthlyReset lazily applies the calendar reset for free-tier users
// on first relevant access after the boundary. Subscription tiers are
// granted by their renewal events instead. The synthetic reset event id is
// deduplicated through the idempotency ledger; one reset per user per
// month.
func (c *CreditService) EnsureMonthlyReset(uid string, now time.Time) error {
	return retryStale(func() error {
		return c.ensureMonthlyResetTx(uid, now)
	})
}

func (c *CreditService) ensureMonthlyResetTx(uid string, now time.Time) error {
	return c.store.Transaction(func(tx *database.Store) error {
		user, err := tx.EnsureUser(uid)
		if err != nil {
			return err
		}
		if user.Tier != models.TierFree {
			return nil
		}

		period := c.currentPeriod(now)
		if !user.LastMonthlyResetAt.Before(period) {
			return nil
		}

		event := &models.IAPEvent{
			EventID: models.MonthlyResetEventID(uid, period),
			Type:    models.EventTypeMonthlyReset,
			UID:     uid,
		}
		recorded, existed, err := tx.FindOrCreateEvent(event)
		if err != nil {
			return err
		}
		if existed && recorded.Status == models.EventProcessed {
			// Another request already reset this month.
			return nil
		}

		previous := user.MonthlyAllowanceRemaining
		user.MonthlyAllowanceRemaining = monthlyGrant(user.Tier, previous)
		user.LastMonthlyResetAt = now

		entry := &models.CreditLedgerEntry{
			UID:           uid,
			Delta:         user.MonthlyAllowanceRemaining - previous,
			Reason:        models.ReasonMonthlyReset,
			SourceEventID: recorded.EventID,
		}
		if err := tx.AppendLedgerEntry(entry); err != nil {
			return err
		}
		if err := tx.SaveUser(user); err != nil {
			return err
		}
		if err := tx.MarkEventProcessed(recorded); err != nil {
			return err
		}

		logging.Infof("Monthly reset applied - uid: %s, period: %s, allowance: %d",
			uid, period.Format("2006-01"), user.MonthlyAllowanceRemaining)
		return nil
	})
}

// Balance returns the user's account after running the lazy monthly reset
func (c *CreditService) Balance(uid string) (*models.UserAccount, error) {
	if err := c.EnsureMonthlyReset(uid, time.Now()); err != nil {
		return nil, err
	}
	return c.store.GetUser(uid)
}

// Spend debits credits: monthly allowance first, then logic pack. No
// partial or negative balances are ever persisted. This is its own atomic
// transaction; the caller guarantees exactly-once invocation per user
// action, so the idempotency ledger is not involved.
func (c *CreditService) Spend(uid string, amount int, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("spend amount must be positive, got %d", amount)
	}
	if err := c.EnsureMonthlyReset(uid, time.Now()); err != nil {
		return err
	}

	return retryStale(func() error {
		return c.store.Transaction(func(tx *database.Store) error {
			user, err := tx.GetUser(uid)
			if err != nil {
				return err
			}

			if user.TotalCredits() < amount {
				return ErrInsufficientCredits
			}

			fromMonthly := amount
			if fromMonthly > user.MonthlyAllowanceRemaining {
				fromMonthly = user.MonthlyAllowanceRemaining
			}
			user.MonthlyAllowanceRemaining -= fromMonthly
			user.LogicPackBalance -= amount - fromMonthly

			ledgerReason := models.ReasonSpend
			if reason != "" {
				ledgerReason = reason
			}
			entry := &models.CreditLedgerEntry{
				UID:           uid,
				Delta:         -amount,
				Reason:        ledgerReason,
				SourceEventID: "spend_" + uuid.New().String(),
			}
			if err := tx.AppendLedgerEntry(entry); err != nil {
				return err
			}
			return tx.SaveUser(user)
		})
	})
}
