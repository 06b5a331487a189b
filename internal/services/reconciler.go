package services

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"gorm.io/gorm"
)

// Reconciler periodically samples users with active or grace entitlements,
// re-verifies them against the store of record and corrects drift by
// replaying through the processor's idempotent commit path.
type Reconciler struct {
	store          *database.Store
	verifiers      map[string]StoreVerifier
	processor      *Processor
	interval       time.Duration
	sampleFraction float64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewReconciler creates a reconciliation scheduler
func NewReconciler(store *database.Store, verifiers map[string]StoreVerifier, processor *Processor, interval time.Duration, sampleFraction float64) *Reconciler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if sampleFraction <= 0 || sampleFraction > 1 {
		sampleFraction = 0.05
	}
	return &Reconciler{
		store:          store,
		verifiers:      verifiers,
		processor:      processor,
		interval:       interval,
		sampleFraction: sampleFraction,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the nightly reconciliation loop
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		logging.Infof("[Reconciler] Running every %s, sampling %.0f%% of active users",
			r.interval, r.sampleFraction*100)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				logging.Infof("[Reconciler] Stopping")
				return
			case <-ticker.C:
				checked, corrected := r.RunOnce(context.Background())
				logging.Infof("[Reconciler] Pass complete - checked: %d, corrected: %d", checked, corrected)
			}
		}
	}()
}

// Stop stops the loop
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	close(r.stopCh)
	r.running = false
	r.wg.Wait()
}

// RunOnce reconciles one sampled batch and returns (checked, corrected)
func (r *Reconciler) RunOnce(ctx context.Context) (int, int) {
	entitlements, err := r.store.ListEntitlementsByStatus(models.EntitlementActive, models.EntitlementGrace)
	if err != nil {
		logging.Errorf("[Reconciler] Failed to list entitlements: %v", err)
		return 0, 0
	}

	checked, corrected := 0, 0
	for i := range entitlements {
		if rand.Float64() >= r.sampleFraction {
			continue
		}
		checked++
		metrics.ReconcileChecked.Inc()
		if r.ReconcileUser(ctx, &entitlements[i]) {
			corrected++
		}
	}
	return checked, corrected
}

// ReconcileOne reconciles a single user on demand, for support and
// debugging. Same code path as the scheduled pass.
func (r *Reconciler) ReconcileOne(ctx context.Context, uid string) (bool, error) {
	entitlement, err := r.store.GetEntitlement(uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrNotFound
		}
		return false, err
	}
	return r.ReconcileUser(ctx, entitlement), nil
}

// ReconcileUser re-verifies one entitlement and corrects drift. Returns
// whether a correction was applied.
func (r *Reconciler) ReconcileUser(ctx context.Context, entitlement *models.Entitlement) bool {
	verifier, ok := r.verifiers[entitlement.Platform]
	if !ok || entitlement.LatestTransactionID == "" {
		return false
	}

	purchase, err := verifier.Verify(ctx, VerifyRef{
		Platform:       entitlement.Platform,
		ProductID:      entitlement.ProductID,
		TransactionRef: entitlement.LatestTransactionID,
	})
	if err != nil {
		logging.Warnf("[Reconciler] Verification failed for uid %s: %v", entitlement.UID, err)
		return false
	}

	if !r.hasDrift(entitlement, purchase) {
		return false
	}

	logging.Warnf("[Reconciler] Drift detected - uid: %s, local status: %s, store status: %s, local end: %s, store end: %s",
		entitlement.UID, entitlement.Status, purchase.Status,
		entitlement.EndAt.Format(time.RFC3339), purchase.ExpiresAt.Format(time.RFC3339))

	// A refund discovered by reconciliation gets the full refund
	// treatment, flagged ledger entry included.
	eventType := models.EventTypeReconcile
	if purchase.Status == PurchaseRefunded {
		eventType = models.EventTypeRefund
	}

	event := &models.IAPEvent{
		EventID:        models.ReconcileEventID(entitlement.Platform, entitlement.LatestTransactionID, time.Now()),
		Platform:       entitlement.Platform,
		Type:           eventType,
		TransactionRef: entitlement.LatestTransactionID,
		ProductID:      purchase.ProductID,
		UID:            entitlement.UID,
	}

	outcome := r.processor.ProcessVerified(event, purchase)
	if !outcome.Processed() {
		logging.Warnf("[Reconciler] Correction not applied for uid %s: %s (%s)",
			entitlement.UID, outcome.Result, outcome.Reason)
		return false
	}

	metrics.ReconcileCorrections.Inc()
	return true
}

// hasDrift compares the fresh store truth against local state, consulting
// the receipts cache to skip spurious corrections.
func (r *Reconciler) hasDrift(entitlement *models.Entitlement, purchase *NormalizedPurchase) bool {
	localActive := entitlement.Status == models.EntitlementActive || entitlement.Status == models.EntitlementGrace
	storeActive := purchase.Status == PurchaseActive

	if localActive != storeActive {
		return true
	}

	receipt, err := r.store.GetReceipt(entitlement.UID, entitlement.Platform, entitlement.LatestTransactionID)
	if err != nil {
		// No cached truth yet; treat the expiry mismatch as the signal.
		return storeActive && !purchase.ExpiresAt.Equal(entitlement.EndAt)
	}

	return receipt.Status != purchase.Status || !receipt.ExpiresAt.Equal(purchase.ExpiresAt)
}
