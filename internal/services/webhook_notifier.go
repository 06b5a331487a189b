package services

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"
)

// WebhookNotifier pushes entitlement changes to the configured app backend
// so feature gating can react without polling.
type WebhookNotifier struct {
	callbackURL string
	secret      string
	httpClient  *http.Client
}

// NewWebhookNotifier creates a webhook notifier. An empty callback URL
// disables delivery.
func NewWebhookNotifier(callbackURL, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		callbackURL: callbackURL,
		secret:      secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WebhookPayload is the entitlement change message
type WebhookPayload struct {
	Event               string `json:"event"` // "entitlement.updated"
	UID                 string `json:"uid"`
	Status              string `json:"status"`
	ProductID           string `json:"product_id"`
	Platform            string `json:"platform"`
	AutoRenew           bool   `json:"auto_renew"`
	EndAt               string `json:"end_at"` // ISO 8601
	LatestTransactionID string `json:"latest_transaction_id"`
	Timestamp           string `json:"timestamp"`
}

// NotifyEntitlementChange sends the change notification. Called in a
// goroutine after the event commit; delivery failures never affect the
// committed state.
func (wn *WebhookNotifier) NotifyEntitlementChange(entitlement *models.Entitlement) {
	if wn.callbackURL == "" {
		return
	}

	payload := WebhookPayload{
		Event:               "entitlement.updated",
		UID:                 entitlement.UID,
		Status:              entitlement.Status,
		ProductID:           entitlement.ProductID,
		Platform:            entitlement.Platform,
		AutoRenew:           entitlement.AutoRenew,
		EndAt:               entitlement.EndAt.Format(time.RFC3339),
		LatestTransactionID: entitlement.LatestTransactionID,
		Timestamp:           time.Now().Format(time.RFC3339),
	}

	wn.sendWithRetry(payload)
}

// sendWithRetry delivers with a 1s, 5s, 30s retry schedule
func (wn *WebhookNotifier) sendWithRetry(payload WebhookPayload) {
	retryDelays := []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}
	maxRetries := len(retryDelays)

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := wn.send(payload)
		if err == nil {
			logging.Infof("Webhook notification sent - uid: %s, status: %s, attempt: %d",
				payload.UID, payload.Status, attempt+1)
			return
		}

		logging.Errorf("Webhook notification failed - uid: %s, attempt: %d, error: %v",
			payload.UID, attempt+1, err)

		if attempt < maxRetries-1 {
			time.Sleep(retryDelays[attempt])
		}
	}

	logging.Errorf("Webhook notification failed after %d attempts - uid: %s", maxRetries, payload.UID)
}

func (wn *WebhookNotifier) send(payload WebhookPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest("POST", wn.callbackURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "EntitlementAPI-Webhook/1.0")

	if wn.secret != "" {
		req.Header.Set("X-Entitlement-Signature", wn.generateSignature(jsonData))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// generateSignature computes the HMAC-SHA256 payload signature
func (wn *WebhookNotifier) generateSignature(payload []byte) string {
	h := hmac.New(sha256.New, []byte(wn.secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
