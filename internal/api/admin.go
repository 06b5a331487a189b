package api

import (
	"errors"
	"net/http"
	"strconv"

	"entitlement-api/internal/response"
	"entitlement-api/internal/services"

	"github.com/gin-gonic/gin"
)

// ReconcileRequest triggers an on-demand reconciliation for one user
type ReconcileRequest struct {
	UID string `json:"uid" binding:"required"`
}

// ReconcileUser re-verifies one user's entitlement against the store of
// record and corrects drift through the normal event path.
// POST /api/admin/reconcile
func (h *Handlers) ReconcileUser(c *gin.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	corrected, err := h.reconciler.ReconcileOne(c.Request.Context(), req.UID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			response.ErrorJSON(c, http.StatusNotFound, "No entitlement for user")
			return
		}
		response.ErrorJSON(c, http.StatusInternalServerError, "Reconciliation failed")
		return
	}

	response.SuccessJSON(c, gin.H{
		"uid":       req.UID,
		"corrected": corrected,
	})
}

// GetFailedEvents lists events stuck in the failed state for manual
// review.
// GET /api/admin/events/failed?limit=50
func (h *Handlers) GetFailedEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	events, err := h.store.ListFailedEvents(limit)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load events")
		return
	}

	response.SuccessJSON(c, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// GetFlaggedLedgerEntries lists ledger entries marked for manual review,
// e.g. refunds whose credits were already spent.
// GET /api/admin/ledger/flagged?limit=50
func (h *Handlers) GetFlaggedLedgerEntries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	entries, err := h.store.ListFlaggedLedgerEntries(limit)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load ledger entries")
		return
	}

	response.SuccessJSON(c, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}
