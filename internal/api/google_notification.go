package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// Google Play RTDN subscription notification types
const (
	googleSubRecovered = 1
	googleSubRenewed   = 2
	googleSubCanceled  = 3
	googleSubPurchased = 4
	googleSubOnHold    = 5
	googleSubInGrace   = 6
	googleSubRestarted = 7
	googleSubPaused    = 10
	googleSubRevoked   = 12
	googleSubExpired   = 13
)

// Google Play RTDN one-time product notification types
const (
	googleProductPurchased = 1
	googleProductCanceled  = 2
)

// googleSubEventType maps RTDN subscription notification codes onto the
// normalized event type set
func googleSubEventType(notificationType int) string {
	switch notificationType {
	case googleSubPurchased:
		return models.EventTypeSubscribed
	case googleSubRenewed:
		return models.EventTypeDidRenew
	case googleSubRecovered, googleSubRestarted:
		return models.EventTypeResumed
	case googleSubCanceled:
		// Cancellation only turns off auto-renew; access runs to expiry
		// and verification carries the truth.
		return models.EventTypeResumed
	case googleSubOnHold:
		return models.EventTypeOnHold
	case googleSubInGrace:
		return models.EventTypeDidFailToRenew
	case googleSubPaused:
		return models.EventTypePaused
	case googleSubRevoked:
		return models.EventTypeRefund
	case googleSubExpired:
		return models.EventTypeExpired
	default:
		return ""
	}
}

// GooglePlayWebhookHandler handles Google Play Real-Time Developer
// Notifications pushed through the Pub/Sub endpoint.
// POST /webhook/google
//
// Like the Apple handler, the push endpoint always gets a 200 once the
// envelope parses; processing failures live on the event row.
func (h *Handlers) GooglePlayWebhookHandler(c *gin.Context) {
	startTime := time.Now()

	var envelope models.GooglePlayNotification
	if err := c.ShouldBindJSON(&envelope); err != nil {
		logging.Errorf("Failed to parse Google Play envelope: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Invalid envelope"})
		return
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		logging.Errorf("Failed to decode RTDN data: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Invalid message data"})
		return
	}

	var payload models.GoogleRTDNPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logging.Errorf("Failed to parse RTDN payload: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Invalid notification payload"})
		return
	}

	if h.dedupe != nil && h.dedupe.Seen(c.Request.Context(), envelope.Message.MessageID, 0) {
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "duplicate"})
		return
	}

	var event *models.IAPEvent
	switch {
	case payload.SubscriptionNotification != nil:
		sub := payload.SubscriptionNotification
		eventType := googleSubEventType(sub.NotificationType)
		if eventType == "" {
			logging.Infof("Ignoring RTDN subscription notification type %d", sub.NotificationType)
			c.JSON(http.StatusOK, gin.H{"success": true, "status": "ignored"})
			return
		}
		event = &models.IAPEvent{
			EventID:        models.StoreEventID(models.PlatformAndroid, sub.PurchaseToken, eventType, payload.EventTimeMillis),
			Platform:       models.PlatformAndroid,
			Type:           eventType,
			TransactionRef: sub.PurchaseToken,
			ProductID:      sub.SubscriptionID,
			Raw:            string(data),
		}

	case payload.OneTimeProductNotification != nil:
		otp := payload.OneTimeProductNotification
		var eventType string
		switch otp.NotificationType {
		case googleProductPurchased:
			eventType = models.EventTypePurchased
		case googleProductCanceled:
			eventType = models.EventTypeRefund
		default:
			logging.Infof("Ignoring RTDN one-time product notification type %d", otp.NotificationType)
			c.JSON(http.StatusOK, gin.H{"success": true, "status": "ignored"})
			return
		}
		event = &models.IAPEvent{
			EventID:        models.StoreEventID(models.PlatformAndroid, otp.PurchaseToken, eventType, payload.EventTimeMillis),
			Platform:       models.PlatformAndroid,
			Type:           eventType,
			TransactionRef: otp.PurchaseToken,
			ProductID:      otp.SKU,
			Raw:            string(data),
		}

	default:
		// Test notifications and voided-purchase messages carry nothing
		// actionable here.
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "ignored"})
		return
	}

	h.enqueueEvent(c, event)

	logging.Infof("Google Play notification accepted - event: %s, time: %v",
		event.EventID, time.Since(startTime))

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Notification accepted"})
}
