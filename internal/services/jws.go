package services

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"entitlement-api/internal/models"
)

// DecodeJWSPayload extracts the payload of a JWS token without verifying
// its signature. Apple wraps both notifications and transaction records in
// signed JWTs; signature verification happens at the webhook boundary, so
// inner tokens are decoded directly.
func DecodeJWSPayload(token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid JWT format: expected 3 parts, got %d", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT payload: %w", err)
	}
	return payload, nil
}

// ParseAppleTransaction decodes a signedTransactionInfo JWT into the
// transaction fields this system cares about. Numeric claims arrive as
// float64 from JSON and are coerced.
func ParseAppleTransaction(signedTransactionInfo string) (*models.AppleTransactionInfo, error) {
	if signedTransactionInfo == "" {
		return nil, fmt.Errorf("signed_transaction_info is empty")
	}

	payload, err := DecodeJWSPayload(signedTransactionInfo)
	if err != nil {
		return nil, err
	}

	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JWT payload: %w", err)
	}

	info := &models.AppleTransactionInfo{}

	if tid, ok := claims["transactionId"].(string); ok {
		info.TransactionID = tid
	}
	if otid, ok := claims["originalTransactionId"].(string); ok {
		info.OriginalTransactionID = otid
	}
	if pid, ok := claims["productId"].(string); ok {
		info.ProductID = pid
	}
	if env, ok := claims["environment"].(string); ok {
		info.Environment = env
	}

	info.PurchaseDateMS = claimInt64(claims, "purchaseDate")
	info.ExpiresDateMS = claimInt64(claims, "expiresDate")
	info.AutoRenewStatus = int(claimInt64(claims, "autoRenewStatus"))

	// appAccountToken is the UUID the client set during purchase; Apple has
	// shipped it under a few different names.
	for _, key := range []string{"appAccountToken", "app_account_token", "applicationUsername"} {
		if token, ok := claims[key].(string); ok && token != "" {
			info.AppAccountToken = token
			break
		}
	}

	if info.TransactionID == "" {
		return nil, fmt.Errorf("transaction_id is missing in JWT claims")
	}

	return info, nil
}

// AppleTransactionRevoked reports whether a decoded transaction payload
// carries a revocation date, i.e. the purchase was refunded.
func AppleTransactionRevoked(signedTransactionInfo string) bool {
	payload, err := DecodeJWSPayload(signedTransactionInfo)
	if err != nil {
		return false
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return false
	}
	return claimInt64(claims, "revocationDate") > 0
}

// claimInt64 reads a numeric JWT claim that may arrive as float64 or int
func claimInt64(claims map[string]interface{}, key string) int64 {
	switch v := claims[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
