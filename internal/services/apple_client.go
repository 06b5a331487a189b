package services

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"entitlement-api/internal/config"
	"entitlement-api/pkg/logging"

	"github.com/golang-jwt/jwt/v5"
)

const (
	appleProductionAPI = "https://api.storekit.itunes.apple.com"
	appleSandboxAPI    = "https://api.storekit-sandbox.itunes.apple.com"

	// Apple rejects tokens valid for more than 60 minutes; short-lived
	// tokens also limit replay exposure.
	appleTokenTTL = 5 * time.Minute
)

// AppleVerifier verifies purchases against the App Store Server API,
// authenticating with a short-lived ES256-signed JWT.
type AppleVerifier struct {
	keyID      string
	issuerID   string
	bundleID   string
	privateKey *ecdsa.PrivateKey
	baseURL    string
	httpClient *http.Client
}

// NewAppleVerifier creates an App Store verification client from config
func NewAppleVerifier(cfg *config.Config) (*AppleVerifier, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.ApplePrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Apple private key: %w", err)
	}

	baseURL := appleProductionAPI
	if cfg.AppleSandbox {
		baseURL = appleSandboxAPI
	}

	return &AppleVerifier{
		keyID:      cfg.AppleKeyID,
		issuerID:   cfg.AppleIssuerID,
		bundleID:   cfg.AppleBundleID,
		privateKey: key,
		baseURL:    baseURL,
		httpClient: &http.Client{
			Timeout: cfg.VerifyTimeout,
		},
	}, nil
}

// transactionResponse is the App Store Server API transaction lookup body
type transactionResponse struct {
	SignedTransactionInfo string `json:"signedTransactionInfo"`
}

// Verify fetches a transaction from the App Store Server API and
// normalizes it.
func (v *AppleVerifier) Verify(ctx context.Context, ref VerifyRef) (*NormalizedPurchase, error) {
	if ref.TransactionRef == "" {
		return nil, fmt.Errorf("%w: empty transaction id", ErrInvalidReference)
	}

	token, err := v.clientToken()
	if err != nil {
		return nil, fmt.Errorf("failed to sign client token: %w", err)
	}

	url := fmt.Sprintf("%s/inApps/v1/transactions/%s", v.baseURL, ref.TransactionRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

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
		// fall through to parsing
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, ref.TransactionRef)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: status %d", ErrInvalidReference, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrStoreUnreachable, resp.StatusCode)
	}

	var txResp transactionResponse
	if err := json.Unmarshal(body, &txResp); err != nil {
		return nil, fmt.Errorf("failed to parse transaction response: %w", err)
	}

	return v.normalize(txResp.SignedTransactionInfo)
}

// normalize maps a signed transaction record onto the closed purchase
// status set.
func (v *AppleVerifier) normalize(signedTransactionInfo string) (*NormalizedPurchase, error) {
	info, err := ParseAppleTransaction(signedTransactionInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}

	expiresAt := time.Unix(info.ExpiresDateMS/1000, 0)

	status := PurchaseActive
	switch {
	case AppleTransactionRevoked(signedTransactionInfo):
		status = PurchaseRefunded
	case info.ExpiresDateMS > 0 && expiresAt.Before(time.Now()):
		status = PurchaseExpired
	}

	logging.Infof("Apple verification - transaction: %s, product: %s, status: %s",
		info.TransactionID, info.ProductID, status)

	return &NormalizedPurchase{
		Status:     status,
		ProductID:  info.ProductID,
		ExpiresAt:  expiresAt,
		AutoRenew:  info.AutoRenewStatus == 1,
		UID:        info.AppAccountToken,
		RawPayload: signedTransactionInfo,
	}, nil
}

// clientToken mints the ES256 JWT the App Store Server API requires
func (v *AppleVerifier) clientToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": v.issuerID,
		"iat": now.Unix(),
		"exp": now.Add(appleTokenTTL).Unix(),
		"aud": "appstoreconnect-v1",
		"bid": v.bundleID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = v.keyID

	return token.SignedString(v.privateKey)
}
