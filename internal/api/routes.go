package api

import (
	"entitlement-api/internal/config"
	"entitlement-api/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handlers, cfg *config.Config) {
	// Webhook routes (no authentication, the stores call these)
	webhook := r.Group("/webhook")
	{
		webhook.POST("/apple/production", h.AppStoreProductionWebhookHandler)
		webhook.POST("/apple/sandbox", h.AppStoreSandboxWebhookHandler)
		webhook.POST("/google", h.GooglePlayWebhookHandler)
	}

	// Client API (authenticated caller)
	api := r.Group("/api")
	api.Use(middleware.APIKeyAuth(cfg.APIKey))
	{
		purchase := api.Group("/purchase")
		{
			purchase.POST("/verify", h.VerifyPurchase)
			purchase.POST("/restore", h.RestoreEntitlements)
		}

		entitlement := api.Group("/entitlement")
		{
			entitlement.GET("/status", h.GetEntitlementStatus)
		}

		credits := api.Group("/credits")
		{
			credits.GET("/balance", h.GetCreditBalance)
			credits.GET("/history", h.GetCreditHistory)
			credits.POST("/spend", h.SpendCredits)
		}
	}

	// Admin API (separate key, for support and operators)
	admin := r.Group("/api/admin")
	admin.Use(middleware.APIKeyAuth(cfg.AdminAPIKey))
	{
		admin.POST("/reconcile", h.ReconcileUser)
		admin.GET("/events/failed", h.GetFailedEvents)
		admin.GET("/ledger/flagged", h.GetFlaggedLedgerEntries)
	}

	// Observability
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "entitlement-api",
		})
	})
}
