package models

// AppStoreNotificationWrapper represents the outer wrapper of App Store
// Server Notification V2. Apple sends notifications as a JWT in the
// signedPayload field.
type AppStoreNotificationWrapper struct {
	SignedPayload string `json:"signedPayload"` // JWT containing the actual notification
}

// AppStoreNotification represents App Store Server Notification V2,
// decoded from the signedPayload JWT. Apple uses camelCase field names.
type AppStoreNotification struct {
	NotificationType string           `json:"notificationType"` // e.g., "SUBSCRIBED", "DID_RENEW"
	Subtype          string           `json:"subtype,omitempty"`
	NotificationUUID string           `json:"notificationUUID"`
	DataVersion      string           `json:"dataVersion"`
	SignedDate       int64            `json:"signedDate"`
	Data             NotificationData `json:"data"`
}

// NotificationData contains the notification data payload
type NotificationData struct {
	AppAppleID            int    `json:"appAppleId"`
	BundleID              string `json:"bundleId"`
	BundleVersion         string `json:"bundleVersion"`
	Environment           string `json:"environment"` // "Sandbox" or "Production"
	SignedTransactionInfo string `json:"signedTransactionInfo"`
}

// AppleTransactionInfo represents decoded transaction information from the
// signedTransactionInfo JWT
type AppleTransactionInfo struct {
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	PurchaseDateMS        int64  `json:"purchase_date_ms"`
	ExpiresDateMS         int64  `json:"expires_date_ms"`
	AutoRenewStatus       int    `json:"auto_renew_status"`
	Environment           string `json:"environment"`

	// AppAccountToken is the UUID the client set during purchase; it maps
	// the store transaction back to our user id.
	AppAccountToken string `json:"app_account_token"`
}

// GooglePlayNotification represents a Google Play Real-Time Developer
// Notification pushed through a Pub/Sub style envelope.
type GooglePlayNotification struct {
	Message struct {
		Data      string `json:"data"` // base64 encoded RTDN JSON
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// GoogleRTDNPayload is the decoded message.data body
type GoogleRTDNPayload struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification,omitempty"`
	OneTimeProductNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SKU              string `json:"sku"`
	} `json:"oneTimeProductNotification,omitempty"`
}
