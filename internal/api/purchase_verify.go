package api

import (
	"net/http"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/internal/response"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// VerifyPurchaseRequest is the client-initiated verification request sent
// right after a purchase completes on device.
type VerifyPurchaseRequest struct {
	UID            string `json:"uid" binding:"required"`
	Platform       string `json:"platform" binding:"required,oneof=ios android"`
	ProductID      string `json:"product_id" binding:"required"`
	TransactionRef string `json:"transaction_ref" binding:"required"`
}

// RestoreRequest carries the caller's known store transactions to replay
// through the normal event path, e.g. after a reinstall.
type RestoreRequest struct {
	UID          string `json:"uid" binding:"required"`
	Platform     string `json:"platform" binding:"required,oneof=ios android"`
	Transactions []struct {
		ProductID      string `json:"product_id"`
		TransactionRef string `json:"transaction_ref" binding:"required"`
	} `json:"transactions" binding:"required,min=1"`
}

// clientEventType picks the event type for a client-submitted transaction:
// consumables land as purchases, everything else as a subscription start.
// The derived event id keeps this path idempotent with the webhook path
// for the same transaction.
func clientEventType(productID string) string {
	if services.IsConsumableProduct(productID) {
		return models.EventTypePurchased
	}
	return models.EventTypeSubscribed
}

// clientEvent builds the idempotent event row for a client-submitted
// transaction.
func clientEvent(uid, platform, productID, transactionRef string) *models.IAPEvent {
	eventType := clientEventType(productID)
	return &models.IAPEvent{
		EventID:        models.StoreEventID(platform, transactionRef, eventType, ""),
		Platform:       platform,
		Type:           eventType,
		TransactionRef: transactionRef,
		ProductID:      productID,
		UID:            uid,
	}
}

// VerifyPurchase verifies a purchase synchronously and applies its effects
// before responding, so the client sees its new tier immediately.
// POST /api/purchase/verify
func (h *Handlers) VerifyPurchase(c *gin.Context) {
	var req VerifyPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	if _, ok := services.LookupProduct(req.ProductID); !ok {
		response.ErrorJSON(c, http.StatusBadRequest, "Unknown product")
		return
	}

	event := clientEvent(req.UID, req.Platform, req.ProductID, req.TransactionRef)
	outcome := h.processor.Process(c.Request.Context(), event)

	switch outcome.Result {
	case services.ResultFailed:
		if outcome.Retryable {
			response.ErrorJSON(c, http.StatusServiceUnavailable, "Store verification unavailable, retry later")
			return
		}
		response.ErrorJSON(c, http.StatusUnprocessableEntity, "Purchase could not be verified: "+outcome.Reason)
		return
	case services.ResultSkipped:
		logging.Infof("Verify replay for transaction %s: %s", req.TransactionRef, outcome.Reason)
	}

	user, err := h.credits.Balance(req.UID)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load account")
		return
	}
	entitlement, err := h.store.GetOrInitEntitlement(req.UID)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load entitlement")
		return
	}

	response.SuccessJSON(c, gin.H{
		"applied":      outcome.Processed(),
		"credit_delta": outcome.CreditDelta,
		"entitlement":  entitlementView(entitlement, time.Now()),
		"credits":      creditView(user),
	})
}

// RestoreEntitlements replays the caller's store transactions through the
// idempotent event path. Transactions already seen are skipped; a genuine
// purchase the backend missed gets applied now.
// POST /api/purchase/restore
func (h *Handlers) RestoreEntitlements(c *gin.Context) {
	var req RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	restored := 0
	for _, tx := range req.Transactions {
		event := clientEvent(req.UID, req.Platform, tx.ProductID, tx.TransactionRef)
		outcome := h.processor.Process(c.Request.Context(), event)
		if outcome.Processed() {
			restored++
		} else if outcome.Result == services.ResultFailed && outcome.Retryable {
			response.ErrorJSON(c, http.StatusServiceUnavailable, "Store verification unavailable, retry later")
			return
		}
	}

	entitlement, err := h.store.GetOrInitEntitlement(req.UID)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load entitlement")
		return
	}

	logging.Infof("Restore for uid %s: %d/%d transactions applied",
		req.UID, restored, len(req.Transactions))

	response.SuccessJSON(c, gin.H{
		"restored_count": restored,
		"entitlement":    entitlementView(entitlement, time.Now()),
	})
}
