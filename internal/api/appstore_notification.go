package api

import (
	"encoding/json"
	"net/http"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// appleEventType maps App Store notification types onto the normalized
// event type set. Unknown types return empty and are acknowledged without
// enqueueing.
func appleEventType(notificationType string) string {
	switch notificationType {
	case "SUBSCRIBED", "INITIAL_BUY":
		return models.EventTypeSubscribed
	case "DID_RENEW", "RENEWAL_EXTENDED":
		return models.EventTypeDidRenew
	case "DID_FAIL_TO_RENEW":
		return models.EventTypeDidFailToRenew
	case "EXPIRED", "GRACE_PERIOD_EXPIRED":
		return models.EventTypeExpired
	case "REFUND", "DID_REFUND", "REVOKE":
		return models.EventTypeRefund
	case "ONE_TIME_CHARGE":
		return models.EventTypePurchased
	case "DID_CHANGE_RENEWAL_STATUS":
		// Only toggles auto-renew; verification drives the actual status.
		return models.EventTypeResumed
	default:
		return ""
	}
}

// processAppStoreNotification decodes an ASN v2 payload and enqueues the
// event. Webhooks always acknowledge with 200 so Apple does not build a
// redelivery storm; internal failures are tracked on the event row, not
// the response code.
func (h *Handlers) processAppStoreNotification(environment string, c *gin.Context) {
	startTime := time.Now()

	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		logging.Errorf("Failed to read AppStore notification body: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Empty request body"})
		return
	}

	// Signature verification is the one rejection Apple should retry.
	if signature := c.GetHeader("X-Apple-Notification-Signature"); signature != "" {
		if err := h.signature.VerifyNotification(body, signature); err != nil {
			logging.Errorf("Signature verification failed: %v", err)
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Signature verification failed"})
			return
		}
	}

	var wrapper models.AppStoreNotificationWrapper
	if err := json.Unmarshal(body, &wrapper); err != nil || wrapper.SignedPayload == "" {
		logging.Errorf("Invalid AppStore notification wrapper: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Invalid notification format"})
		return
	}

	payload, err := services.DecodeJWSPayload(wrapper.SignedPayload)
	if err != nil {
		logging.Errorf("Failed to decode signedPayload: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Invalid signedPayload"})
		return
	}

	var notification models.AppStoreNotification
	if err := json.Unmarshal(payload, &notification); err != nil {
		logging.Errorf("Failed to unmarshal AppStore notification: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Invalid notification payload"})
		return
	}

	// Heartbeat pings carry no type.
	if notification.NotificationType == "" {
		logging.Infof("AppStore heartbeat - environment: %s", environment)
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "heartbeat_ok"})
		return
	}

	if h.dedupe != nil && h.dedupe.Seen(c.Request.Context(), notification.NotificationUUID, notification.SignedDate) {
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "duplicate"})
		return
	}

	eventType := appleEventType(notification.NotificationType)
	if eventType == "" {
		logging.Infof("Ignoring AppStore notification type %s", notification.NotificationType)
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "ignored"})
		return
	}

	transactionInfo, err := services.ParseAppleTransaction(notification.Data.SignedTransactionInfo)
	if err != nil {
		logging.Errorf("Failed to parse transaction info: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Invalid transaction info"})
		return
	}

	event := &models.IAPEvent{
		EventID:        models.StoreEventID(models.PlatformIOS, transactionInfo.TransactionID, eventType, notification.NotificationUUID),
		Platform:       models.PlatformIOS,
		Type:           eventType,
		TransactionRef: transactionInfo.TransactionID,
		ProductID:      transactionInfo.ProductID,
		UID:            transactionInfo.AppAccountToken,
		Raw:            string(payload),
	}

	h.enqueueEvent(c, event)

	logging.Infof("AppStore notification accepted - type: %s, transaction: %s, time: %v",
		notification.NotificationType, transactionInfo.TransactionID, time.Since(startTime))

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Notification accepted"})
}

// enqueueEvent persists the event as pending and pushes it to the worker
// queue. An already-settled event is left alone.
func (h *Handlers) enqueueEvent(c *gin.Context, event *models.IAPEvent) {
	recorded, existed, err := h.store.FindOrCreateEvent(event)
	if err != nil {
		logging.Errorf("Failed to record event %s: %v", event.EventID, err)
		return
	}
	if existed && recorded.Status != models.EventPending {
		logging.Infof("Event %s already settled (%s), not enqueueing", recorded.EventID, recorded.Status)
		return
	}
	if err := h.queue.Enqueue(c.Request.Context(), recorded.EventID); err != nil {
		// The row stays pending; the stuck sweeper or a redelivery will
		// pick it up.
		logging.Errorf("Failed to enqueue event %s: %v", recorded.EventID, err)
	}
}

// AppStoreProductionWebhookHandler handles production environment notifications
// POST /webhook/apple/production
func (h *Handlers) AppStoreProductionWebhookHandler(c *gin.Context) {
	h.processAppStoreNotification("production", c)
}

// AppStoreSandboxWebhookHandler handles sandbox environment notifications
// POST /webhook/apple/sandbox
func (h *Handlers) AppStoreSandboxWebhookHandler(c *gin.Context) {
	h.processAppStoreNotification("sandbox", c)
}
