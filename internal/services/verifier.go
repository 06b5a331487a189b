package services

import (
	"context"
	"errors"
	"time"
)

// Normalized purchase statuses. This is the closed set everything
// downstream of the verification clients sees; nothing else inspects raw
// store JSON.
const (
	PurchaseActive   = "active"
	PurchaseExpired  = "expired"
	PurchaseRefunded = "refunded"
)

// Verification error taxonomy. Callers retry ErrStoreUnreachable with
// backoff; the other two are terminal for the event.
var (
	ErrStoreUnreachable = errors.New("store verification unavailable")
	ErrInvalidReference = errors.New("invalid transaction reference")
	ErrNotFound         = errors.New("transaction not found at store")
)

// VerifyRef identifies one purchase at the store of record
type VerifyRef struct {
	Platform       string // ios or android
	ProductID      string
	TransactionRef string // Apple transaction id or Google purchase token
}

// NormalizedPurchase is the platform-agnostic verification result
type NormalizedPurchase struct {
	Status    string
	ProductID string
	ExpiresAt time.Time
	AutoRenew bool

	// UID is the user reference the store carried (Apple appAccountToken,
	// Google obfuscated account id). May be empty; the caller resolves it.
	UID string

	// RawPayload is the store response, kept for the receipt cache only.
	RawPayload string
}

// StoreVerifier asks one store of record for the truth about a purchase.
// Implementations are stateless per call; network only, no local mutation.
type StoreVerifier interface {
	Verify(ctx context.Context, ref VerifyRef) (*NormalizedPurchase, error)
}
