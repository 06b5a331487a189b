package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"entitlement-api/internal/config"
	"entitlement-api/pkg/logging"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	androidPublisherAPI   = "https://androidpublisher.googleapis.com/androidpublisher/v3"
	androidPublisherScope = "https://www.googleapis.com/auth/androidpublisher"
)

// GoogleVerifier verifies purchases against the Google Play Developer API
// using service-account OAuth.
type GoogleVerifier struct {
	packageName string
	tokenSource oauth2.TokenSource
	httpClient  *http.Client
	timeout     time.Duration
}

// NewGoogleVerifier creates a Play Developer API client from config
func NewGoogleVerifier(cfg *config.Config) (*GoogleVerifier, error) {
	keyJSON, err := os.ReadFile(cfg.GoogleServiceAccountJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account key: %w", err)
	}

	jwtConfig, err := google.JWTConfigFromJSON(keyJSON, androidPublisherScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}

	return &GoogleVerifier{
		packageName: cfg.GooglePackageName,
		tokenSource: jwtConfig.TokenSource(context.Background()),
		httpClient: &http.Client{
			Timeout: cfg.VerifyTimeout,
		},
		timeout: cfg.VerifyTimeout,
	}, nil
}

// subscriptionPurchase is the Play Developer API subscription resource
type subscriptionPurchase struct {
	ExpiryTimeMillis     string `json:"expiryTimeMillis"`
	AutoRenewing         bool   `json:"autoRenewing"`
	PaymentState         *int   `json:"paymentState,omitempty"`
	CancelReason         *int   `json:"cancelReason,omitempty"`
	ObfuscatedExternalID string `json:"obfuscatedExternalAccountId"`
}

// productPurchase is the Play Developer API one-time product resource
type productPurchase struct {
	PurchaseState        int    `json:"purchaseState"` // 0 purchased, 1 canceled, 2 pending
	ConsumptionState     int    `json:"consumptionState"`
	ObfuscatedExternalID string `json:"obfuscatedExternalAccountId"`
	PurchaseTimeMillis   string `json:"purchaseTimeMillis"`
}

// Verify fetches a purchase from the Play Developer API and normalizes it.
// Consumable products and subscriptions live on different endpoints; the
// catalog decides which one applies.
func (v *GoogleVerifier) Verify(ctx context.Context, ref VerifyRef) (*NormalizedPurchase, error) {
	if ref.TransactionRef == "" {
		return nil, fmt.Errorf("%w: empty purchase token", ErrInvalidReference)
	}

	if IsConsumableProduct(ref.ProductID) {
		return v.verifyProduct(ctx, ref)
	}
	return v.verifySubscription(ctx, ref)
}

func (v *GoogleVerifier) verifySubscription(ctx context.Context, ref VerifyRef) (*NormalizedPurchase, error) {
	endpoint := fmt.Sprintf("%s/applications/%s/purchases/subscriptions/%s/tokens/%s",
		androidPublisherAPI, url.PathEscape(v.packageName),
		url.PathEscape(ref.ProductID), url.PathEscape(ref.TransactionRef))

	body, err := v.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var purchase subscriptionPurchase
	if err := json.Unmarshal(body, &purchase); err != nil {
		return nil, fmt.Errorf("failed to parse subscription resource: %w", err)
	}

	expiryMillis, _ := strconv.ParseInt(purchase.ExpiryTimeMillis, 10, 64)
	expiresAt := time.Unix(expiryMillis/1000, 0)

	status := PurchaseActive
	switch {
	case purchase.CancelReason != nil && *purchase.CancelReason == 1:
		// Cancelled by the system, which Google uses for refunds
		status = PurchaseRefunded
	case expiresAt.Before(time.Now()):
		status = PurchaseExpired
	}

	logging.Infof("Google verification - product: %s, status: %s, auto_renew: %v",
		ref.ProductID, status, purchase.AutoRenewing)

	return &NormalizedPurchase{
		Status:     status,
		ProductID:  ref.ProductID,
		ExpiresAt:  expiresAt,
		AutoRenew:  purchase.AutoRenewing,
		UID:        purchase.ObfuscatedExternalID,
		RawPayload: string(body),
	}, nil
}

func (v *GoogleVerifier) verifyProduct(ctx context.Context, ref VerifyRef) (*NormalizedPurchase, error) {
	endpoint := fmt.Sprintf("%s/applications/%s/purchases/products/%s/tokens/%s",
		androidPublisherAPI, url.PathEscape(v.packageName),
		url.PathEscape(ref.ProductID), url.PathEscape(ref.TransactionRef))

	body, err := v.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var purchase productPurchase
	if err := json.Unmarshal(body, &purchase); err != nil {
		return nil, fmt.Errorf("failed to parse product resource: %w", err)
	}

	status := PurchaseActive
	if purchase.PurchaseState == 1 {
		status = PurchaseRefunded
	}

	return &NormalizedPurchase{
		Status:     status,
		ProductID:  ref.ProductID,
		UID:        purchase.ObfuscatedExternalID,
		RawPayload: string(body),
	}, nil
}

// get performs an authenticated Play Developer API request
func (v *GoogleVerifier) get(ctx context.Context, endpoint string) ([]byte, error) {
	token, err := v.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: oauth token: %v", ErrStoreUnreachable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	token.SetAuthHeader(req)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: status %d", ErrNotFound, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: status %d", ErrInvalidReference, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrStoreUnreachable, resp.StatusCode)
	}
}
