package services

import (
	"fmt"
	"time"

	"entitlement-api/internal/models"
)

// NextEntitlementStatus computes the entitlement transition for one event.
// The table combines the normalized purchase status with the notification
// type; any state can reach expired on definitive termination.
func NextEntitlementStatus(current, eventType, purchaseStatus string) (string, error) {
	// Store truth wins on terminal statuses regardless of event type.
	switch purchaseStatus {
	case PurchaseRefunded:
		return models.EntitlementExpired, nil
	case PurchaseExpired:
		if eventType == models.EventTypeDidFailToRenew && current == models.EntitlementActive {
			// Billing retry window: access is kept but flagged.
			return models.EntitlementGrace, nil
		}
		return models.EntitlementExpired, nil
	}

	switch eventType {
	case models.EventTypeSubscribed, models.EventTypeDidRenew, models.EventTypeResumed:
		return models.EntitlementActive, nil
	case models.EventTypeDidFailToRenew:
		return models.EntitlementGrace, nil
	case models.EventTypeOnHold:
		return models.EntitlementOnHold, nil
	case models.EventTypePaused:
		if current != models.EntitlementActive && current != models.EntitlementPaused {
			return "", fmt.Errorf("cannot pause entitlement in status %s", current)
		}
		return models.EntitlementPaused, nil
	case models.EventTypeExpired, models.EventTypeRefund:
		return models.EntitlementExpired, nil
	case models.EventTypeReconcile:
		// Reconciliation carries the store's truth directly.
		switch purchaseStatus {
		case PurchaseActive:
			return models.EntitlementActive, nil
		default:
			return models.EntitlementExpired, nil
		}
	case models.EventTypePurchased:
		// Consumable purchases do not move the subscription state.
		return current, nil
	default:
		return "", fmt.Errorf("unknown event type %s", eventType)
	}
}

// ApplyEntitlementTransition writes an event's effect onto an entitlement
// row. Returns whether anything changed, so reconciliation replays on an
// in-sync user stay no-ops.
func ApplyEntitlementTransition(entitlement *models.Entitlement, event *models.IAPEvent, purchase *NormalizedPurchase, now time.Time) (bool, error) {
	if IsConsumableProduct(purchase.ProductID) {
		// Consumable events, refunds included, never move the subscription
		// entitlement. Their ledger effects live in the credit service.
		entitlement.LastVerifiedAt = now
		return false, nil
	}

	next, err := NextEntitlementStatus(entitlement.Status, event.Type, purchase.Status)
	if err != nil {
		return false, err
	}

	changed := false

	if entitlement.Status != next {
		entitlement.Status = next
		changed = true
	}

	if event.Type != models.EventTypePurchased {
		if purchase.ProductID != "" && entitlement.ProductID != purchase.ProductID {
			entitlement.ProductID = purchase.ProductID
			changed = true
		}
		if entitlement.Platform != event.Platform {
			entitlement.Platform = event.Platform
			changed = true
		}
		if entitlement.AutoRenew != purchase.AutoRenew {
			entitlement.AutoRenew = purchase.AutoRenew
			changed = true
		}
		if !purchase.ExpiresAt.IsZero() && !entitlement.EndAt.Equal(purchase.ExpiresAt) {
			entitlement.EndAt = purchase.ExpiresAt
			changed = true
		}
		if entitlement.StartAt.IsZero() && next == models.EntitlementActive {
			entitlement.StartAt = now
			changed = true
		}
	}

	if changed {
		entitlement.LatestTransactionID = event.TransactionRef
	}
	entitlement.LastVerifiedAt = now

	return changed, nil
}
