package api

import (
	"errors"
	"net/http"
	"strconv"

	"entitlement-api/internal/response"
	"entitlement-api/internal/services"

	"github.com/gin-gonic/gin"
)

// SpendRequest debits credits for one unit of work
type SpendRequest struct {
	UID    string `json:"uid" binding:"required"`
	Amount int    `json:"amount" binding:"required,min=1"`
	Reason string `json:"reason"`
}

// GetCreditBalance returns the user's spendable credits. Reading the
// balance runs the lazy monthly reset first, so a free-tier user crossing
// the month boundary sees the fresh allowance.
// GET /api/credits/balance?uid=xxx
func (h *Handlers) GetCreditBalance(c *gin.Context) {
	uid := c.Query("uid")
	if uid == "" {
		response.ErrorJSON(c, http.StatusBadRequest, "uid is required")
		return
	}

	user, err := h.credits.Balance(uid)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load balance")
		return
	}

	response.SuccessJSON(c, gin.H{
		"uid":     uid,
		"credits": creditView(user),
	})
}

// GetCreditHistory returns the user's recent ledger entries, newest first.
// GET /api/credits/history?uid=xxx&limit=50
func (h *Handlers) GetCreditHistory(c *gin.Context) {
	uid := c.Query("uid")
	if uid == "" {
		response.ErrorJSON(c, http.StatusBadRequest, "uid is required")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	entries, err := h.store.ListLedgerEntries(uid, limit)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load ledger")
		return
	}

	response.SuccessJSON(c, gin.H{
		"uid":     uid,
		"entries": entries,
		"count":   len(entries),
	})
}

// SpendCredits debits credits, monthly allowance first, then the logic
// pack balance.
// POST /api/credits/spend
func (h *Handlers) SpendCredits(c *gin.Context) {
	var req SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	if err := h.credits.Spend(req.UID, req.Amount, req.Reason); err != nil {
		if errors.Is(err, services.ErrInsufficientCredits) {
			response.ErrorJSON(c, http.StatusConflict, "Insufficient credits")
			return
		}
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to spend credits")
		return
	}

	user, err := h.credits.Balance(req.UID)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load balance")
		return
	}

	response.SuccessJSON(c, gin.H{
		"uid":     req.UID,
		"credits": creditView(user),
	})
}
