package api

import (
	"net/http"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/internal/response"

	"github.com/gin-gonic/gin"
)

// entitlementView shapes an entitlement for API responses
func entitlementView(e *models.Entitlement, now time.Time) gin.H {
	return gin.H{
		"status":           e.Status,
		"is_active":        e.IsActive(now),
		"platform":         e.Platform,
		"product_id":       e.ProductID,
		"auto_renew":       e.AutoRenew,
		"start_at":         e.StartAt,
		"end_at":           e.EndAt,
		"last_verified_at": e.LastVerifiedAt,
	}
}

// creditView shapes a user's credit balances for API responses
func creditView(u *models.UserAccount) gin.H {
	return gin.H{
		"tier":                        u.Tier,
		"monthly_allowance_remaining": u.MonthlyAllowanceRemaining,
		"logic_pack_balance":          u.LogicPackBalance,
		"total":                       u.TotalCredits(),
		"intro_offer_used":            u.IntroOfferUsed,
	}
}

// GetEntitlementStatus returns the user's current subscription access
// state. A user the processor has never seen reads as none rather than an
// error.
// GET /api/entitlement/status?uid=xxx
func (h *Handlers) GetEntitlementStatus(c *gin.Context) {
	uid := c.Query("uid")
	if uid == "" {
		response.ErrorJSON(c, http.StatusBadRequest, "uid is required")
		return
	}

	entitlement, err := h.store.GetOrInitEntitlement(uid)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load entitlement")
		return
	}

	response.SuccessJSON(c, gin.H{
		"uid":         uid,
		"entitlement": entitlementView(entitlement, time.Now()),
	})
}
