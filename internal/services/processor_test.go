package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestStore opens an isolated in-memory database per test
func newTestStore(t *testing.T) *database.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.AutoMigrate(db))
	return database.NewStore(db)
}

// fakeVerifier returns canned results keyed by transaction ref
type fakeVerifier struct {
	purchases map[string]*NormalizedPurchase
	err       error
	calls     int
}

func (f *fakeVerifier) Verify(ctx context.Context, ref VerifyRef) (*NormalizedPurchase, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	purchase, ok := f.purchases[ref.TransactionRef]
	if !ok {
		return nil, ErrNotFound
	}
	return purchase, nil
}

func newTestProcessor(t *testing.T, store *database.Store, verifier StoreVerifier) *Processor {
	t.Helper()
	credits, err := NewCreditService(store, "UTC")
	require.NoError(t, err)
	return NewProcessor(store, map[string]StoreVerifier{
		models.PlatformIOS:     verifier,
		models.PlatformAndroid: verifier,
	}, credits, nil, 5*time.Second, 3)
}

func activePurchase(uid, productID string) *NormalizedPurchase {
	return &NormalizedPurchase{
		Status:    PurchaseActive,
		ProductID: productID,
		ExpiresAt: time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second),
		AutoRenew: true,
		UID:       uid,
	}
}

func subscribeEvent(uid, txID string) *models.IAPEvent {
	return &models.IAPEvent{
		EventID:        models.StoreEventID(models.PlatformIOS, txID, models.EventTypeSubscribed, ""),
		Platform:       models.PlatformIOS,
		Type:           models.EventTypeSubscribed,
		TransactionRef: txID,
		ProductID:      "com.example.pro.monthly",
		UID:            uid,
	}
}

func TestProcessNewSubscriptionGrantsIntroMonth(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{purchases: map[string]*NormalizedPurchase{
		"tx1": activePurchase("user-1", "com.example.pro.monthly"),
	}}
	processor := newTestProcessor(t, store, verifier)

	outcome := processor.Process(context.Background(), subscribeEvent("user-1", "tx1"))

	require.Equal(t, ResultProcessed, outcome.Result)
	assert.Equal(t, IntroMonth, outcome.CreditDelta)

	user, err := store.GetUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, models.TierProMonthly, user.Tier)
	assert.Equal(t, IntroMonth, user.MonthlyAllowanceRemaining)
	assert.True(t, user.IntroOfferUsed)

	entitlement, err := store.GetEntitlement("user-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementActive, entitlement.Status)
	assert.True(t, entitlement.IsActive(time.Now()))
	assert.Equal(t, "tx1", entitlement.LatestTransactionID)

	event, err := store.GetEvent(models.StoreEventID(models.PlatformIOS, "tx1", models.EventTypeSubscribed, ""))
	require.NoError(t, err)
	assert.Equal(t, models.EventProcessed, event.Status)
	require.NotNil(t, event.ProcessedAt)
}

func TestProcessDuplicateEventIsSkipped(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{purchases: map[string]*NormalizedPurchase{
		"tx1": activePurchase("user-1", "com.example.pro.monthly"),
	}}
	processor := newTestProcessor(t, store, verifier)

	first := processor.Process(context.Background(), subscribeEvent("user-1", "tx1"))
	require.Equal(t, ResultProcessed, first.Result)

	// Redelivery of the same notification
	second := processor.Process(context.Background(), subscribeEvent("user-1", "tx1"))
	assert.Equal(t, ResultSkipped, second.Result)
	assert.Equal(t, 1, verifier.calls)

	user, err := store.GetUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, IntroMonth, user.MonthlyAllowanceRemaining)

	entries, err := store.ListLedgerEntries("user-1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProcessRenewalRollsOverUnusedAllowance(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{purchases: map[string]*NormalizedPurchase{
		"tx2": activePurchase("user-1", "com.example.pro.monthly"),
	}}
	processor := newTestProcessor(t, store, verifier)

	user, err := store.EnsureUser("user-1")
	require.NoError(t, err)
	user.Tier = models.TierProMonthly
	user.IntroOfferUsed = true
	user.MonthlyAllowanceRemaining = 45
	require.NoError(t, store.SaveUser(user))

	event := &models.IAPEvent{
		EventID:        models.StoreEventID(models.PlatformIOS, "tx2", models.EventTypeDidRenew, "uuid-renew"),
		Platform:       models.PlatformIOS,
		Type:           models.EventTypeDidRenew,
		TransactionRef: "tx2",
		ProductID:      "com.example.pro.monthly",
		UID:            "user-1",
	}
	outcome := processor.Process(context.Background(), event)

	require.Equal(t, ResultProcessed, outcome.Result)
	// 60 quota + rollover capped at 30, minus the 45 already held
	assert.Equal(t, 45, outcome.CreditDelta)

	user, err = store.GetUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, 90, user.MonthlyAllowanceRemaining)
}

func TestProcessStarterPackPurchase(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{purchases: map[string]*NormalizedPurchase{
		"pack1": {
			Status:    PurchaseActive,
			ProductID: "com.example.logicpack.starter",
			UID:       "user-1",
		},
	}}
	processor := newTestProcessor(t, store, verifier)

	event := &models.IAPEvent{
		EventID:        models.StoreEventID(models.PlatformIOS, "pack1", models.EventTypePurchased, ""),
		Platform:       models.PlatformIOS,
		Type:           models.EventTypePurchased,
		TransactionRef: "pack1",
		ProductID:      "com.example.logicpack.starter",
		UID:            "user-1",
	}
	outcome := processor.Process(context.Background(), event)

	require.Equal(t, ResultProcessed, outcome.Result)
	assert.Equal(t, StarterPackBonus, outcome.CreditDelta)

	user, err := store.GetUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, StarterPackBonus, user.LogicPackBalance)
	// Consumables never touch the subscription
	assert.Equal(t, models.TierFree, user.Tier)

	entitlement, err := store.GetOrInitEntitlement("user-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementNone, entitlement.Status)
}

func TestProcessFailedRenewalEntersGrace(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{purchases: map[string]*NormalizedPurchase{
		"tx1": activePurchase("user-1", "com.example.pro.monthly"),
		"tx1-expired": {
			Status:    PurchaseExpired,
			ProductID: "com.example.pro.monthly",
			UID:       "user-1",
		},
	}}
	processor := newTestProcessor(t, store, verifier)

	outcome := processor.Process(context.Background(), subscribeEvent("user-1", "tx1"))
	require.Equal(t, ResultProcessed, outcome.Result)

	event := &models.IAPEvent{
		EventID:        models.StoreEventID(models.PlatformIOS, "tx1-expired", models.EventTypeDidFailToRenew, "uuid-fail"),
		Platform:       models.PlatformIOS,
		Type:           models.EventTypeDidFailToRenew,
		TransactionRef: "tx1-expired",
		ProductID:      "com.example.pro.monthly",
		UID:            "user-1",
	}
	outcome = processor.Process(context.Background(), event)
	require.Equal(t, ResultProcessed, outcome.Result)
	assert.Zero(t, outcome.CreditDelta)

	entitlement, err := store.GetEntitlement("user-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementGrace, entitlement.Status)
	// Grace keeps access while billing retries
	assert.True(t, entitlement.IsActive(time.Now()))
}

func TestProcessRefundExpiresAndFlagsLedger(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{purchases: map[string]*NormalizedPurchase{
		"tx1": activePurchase("user-1", "com.example.pro.monthly"),
		"tx1-refund": {
			Status:    PurchaseRefunded,
			ProductID: "com.example.pro.monthly",
			UID:       "user-1",
		},
	}}
	processor := newTestProcessor(t, store, verifier)

	outcome := processor.Process(context.Background(), subscribeEvent("user-1", "tx1"))
	require.Equal(t, ResultProcessed, outcome.Result)

	event := &models.IAPEvent{
		EventID:        models.StoreEventID(models.PlatformIOS, "tx1-refund", models.EventTypeRefund, "uuid-refund"),
		Platform:       models.PlatformIOS,
		Type:           models.EventTypeRefund,
		TransactionRef: "tx1-refund",
		ProductID:      "com.example.pro.monthly",
		UID:            "user-1",
	}
	outcome = processor.Process(context.Background(), event)
	require.Equal(t, ResultProcessed, outcome.Result)
	assert.Zero(t, outcome.CreditDelta)

	entitlement, err := store.GetEntitlement("user-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementExpired, entitlement.Status)

	user, err := store.GetUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, user.Tier)

	flagged, err := store.ListFlaggedLedgerEntries(10)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, models.ReasonRefundUnrecovered, flagged[0].Reason)
	assert.Zero(t, flagged[0].Delta)
}

func TestProcessStoreUnreachableIsRetryable(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{err: ErrStoreUnreachable}
	processor := newTestProcessor(t, store, verifier)

	event := subscribeEvent("user-1", "tx1")
	for i := 1; i <= 2; i++ {
		outcome := processor.Process(context.Background(), event)
		require.Equal(t, ResultFailed, outcome.Result)
		assert.True(t, outcome.Retryable, "attempt %d should stay retryable", i)
	}

	recorded, err := store.GetEvent(event.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.EventPending, recorded.Status)
	assert.Equal(t, 2, recorded.Attempts)

	// Third attempt exhausts the budget
	outcome := processor.Process(context.Background(), event)
	require.Equal(t, ResultFailed, outcome.Result)
	assert.False(t, outcome.Retryable)

	recorded, err = store.GetEvent(event.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.EventFailed, recorded.Status)

	// A failed event is not retried blindly on redelivery
	outcome = processor.Process(context.Background(), event)
	assert.Equal(t, ResultSkipped, outcome.Result)
}

func TestProcessInvalidReferenceFailsImmediately(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{err: ErrInvalidReference}
	processor := newTestProcessor(t, store, verifier)

	outcome := processor.Process(context.Background(), subscribeEvent("user-1", "tx-bad"))
	require.Equal(t, ResultFailed, outcome.Result)
	assert.False(t, outcome.Retryable)

	recorded, err := store.GetEvent(models.StoreEventID(models.PlatformIOS, "tx-bad", models.EventTypeSubscribed, ""))
	require.NoError(t, err)
	assert.Equal(t, models.EventFailed, recorded.Status)
	assert.NotEmpty(t, recorded.LastError)
}

func TestProcessUnresolvableUserFails(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{purchases: map[string]*NormalizedPurchase{
		"tx1": {Status: PurchaseActive, ProductID: "com.example.pro.monthly"},
	}}
	processor := newTestProcessor(t, store, verifier)

	event := subscribeEvent("", "tx1")
	event.UID = ""
	outcome := processor.Process(context.Background(), event)
	require.Equal(t, ResultFailed, outcome.Result)
	assert.Equal(t, "unresolved user", outcome.Reason)
}

func TestProcessLedgerBalancesStayConsistent(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{purchases: map[string]*NormalizedPurchase{
		"tx1":   activePurchase("user-1", "com.example.pro.monthly"),
		"tx2":   activePurchase("user-1", "com.example.pro.monthly"),
		"pack1": {Status: PurchaseActive, ProductID: "com.example.logicpack.starter", UID: "user-1"},
	}}
	processor := newTestProcessor(t, store, verifier)
	ctx := context.Background()

	require.Equal(t, ResultProcessed, processor.Process(ctx, subscribeEvent("user-1", "tx1")).Result)

	renew := &models.IAPEvent{
		EventID:        models.StoreEventID(models.PlatformIOS, "tx2", models.EventTypeDidRenew, "uuid-renew"),
		Platform:       models.PlatformIOS,
		Type:           models.EventTypeDidRenew,
		TransactionRef: "tx2",
		ProductID:      "com.example.pro.monthly",
		UID:            "user-1",
	}
	require.Equal(t, ResultProcessed, processor.Process(ctx, renew).Result)

	pack := &models.IAPEvent{
		EventID:        models.StoreEventID(models.PlatformIOS, "pack1", models.EventTypePurchased, ""),
		Platform:       models.PlatformIOS,
		Type:           models.EventTypePurchased,
		TransactionRef: "pack1",
		ProductID:      "com.example.logicpack.starter",
		UID:            "user-1",
	}
	require.Equal(t, ResultProcessed, processor.Process(ctx, pack).Result)

	credits, err := NewCreditService(store, "UTC")
	require.NoError(t, err)
	require.NoError(t, credits.Spend("user-1", 25, ""))

	user, err := store.GetUser("user-1")
	require.NoError(t, err)
	sum, err := store.SumLedgerDeltas("user-1")
	require.NoError(t, err)
	assert.Equal(t, user.TotalCredits(), sum)
}

func TestProcessRenewedTransactionIsNotRegrantedByRestore(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{purchases: map[string]*NormalizedPurchase{
		"tx2": activePurchase("user-1", "com.example.pro.monthly"),
	}}
	processor := newTestProcessor(t, store, verifier)

	user, err := store.EnsureUser("user-1")
	require.NoError(t, err)
	user.Tier = models.TierProMonthly
	user.IntroOfferUsed = true
	require.NoError(t, store.SaveUser(user))

	// A renewal mints a fresh transaction id, so the webhook settles tx2
	// under a qualified event id.
	renew := &models.IAPEvent{
		EventID:        models.StoreEventID(models.PlatformIOS, "tx2", models.EventTypeDidRenew, "uuid-renew"),
		Platform:       models.PlatformIOS,
		Type:           models.EventTypeDidRenew,
		TransactionRef: "tx2",
		ProductID:      "com.example.pro.monthly",
		UID:            "user-1",
	}
	outcome := processor.Process(context.Background(), renew)
	require.Equal(t, ResultProcessed, outcome.Result)
	require.Equal(t, ProMonthly, outcome.CreditDelta)

	// A restore replays tx2 as a subscription start under the unqualified
	// anchor id; the receipt cache catches the already-settled transaction.
	outcome = processor.Process(context.Background(), subscribeEvent("user-1", "tx2"))
	assert.Equal(t, ResultSkipped, outcome.Result)
	assert.Equal(t, 1, verifier.calls)

	user, err = store.GetUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, ProMonthly, user.MonthlyAllowanceRemaining)

	entries, err := store.ListLedgerEntries("user-1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProcessConsumableRefundLeavesSubscription(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{purchases: map[string]*NormalizedPurchase{
		"tx1": activePurchase("user-1", "com.example.pro.monthly"),
		"pack1": {
			Status:    PurchaseRefunded,
			ProductID: "com.example.logicpack.starter",
			UID:       "user-1",
		},
	}}
	processor := newTestProcessor(t, store, verifier)

	outcome := processor.Process(context.Background(), subscribeEvent("user-1", "tx1"))
	require.Equal(t, ResultProcessed, outcome.Result)

	refund := &models.IAPEvent{
		EventID:        models.StoreEventID(models.PlatformIOS, "pack1", models.EventTypeRefund, "uuid-refund"),
		Platform:       models.PlatformIOS,
		Type:           models.EventTypeRefund,
		TransactionRef: "pack1",
		ProductID:      "com.example.logicpack.starter",
		UID:            "user-1",
	}
	outcome = processor.Process(context.Background(), refund)
	require.Equal(t, ResultProcessed, outcome.Result)

	// The starter pack refund is flagged for review but the unrelated
	// subscription keeps its access and tier.
	entitlement, err := store.GetEntitlement("user-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementActive, entitlement.Status)

	user, err := store.GetUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, models.TierProMonthly, user.Tier)

	flagged, err := store.ListFlaggedLedgerEntries(10)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, models.ReasonRefundUnrecovered, flagged[0].Reason)
	assert.Zero(t, flagged[0].Delta)
}

func TestProcessConcurrentDuplicateAppliesOnce(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{purchases: map[string]*NormalizedPurchase{
		"tx1": activePurchase("user-1", "com.example.pro.monthly"),
	}}
	processor := newTestProcessor(t, store, verifier)

	outcomes := make([]Outcome, 2)
	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = processor.Process(context.Background(), subscribeEvent("user-1", "tx1"))
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, outcome := range outcomes {
		if outcome.Processed() {
			applied++
		} else {
			assert.Equal(t, ResultSkipped, outcome.Result)
		}
	}
	assert.Equal(t, 1, applied)

	user, err := store.GetUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, IntroMonth, user.MonthlyAllowanceRemaining)

	entries, err := store.ListLedgerEntries("user-1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProcessConcurrentEventsConserveLedger(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{purchases: map[string]*NormalizedPurchase{
		"tx2":   activePurchase("user-1", "com.example.pro.monthly"),
		"pack1": {Status: PurchaseActive, ProductID: "com.example.logicpack.starter", UID: "user-1"},
	}}
	processor := newTestProcessor(t, store, verifier)

	user, err := store.EnsureUser("user-1")
	require.NoError(t, err)
	user.Tier = models.TierProMonthly
	user.IntroOfferUsed = true
	require.NoError(t, store.SaveUser(user))

	// A renewal racing a starter pack purchase for the same user: neither
	// commit may overwrite the other's delta.
	renew := &models.IAPEvent{
		EventID:        models.StoreEventID(models.PlatformIOS, "tx2", models.EventTypeDidRenew, "uuid-renew"),
		Platform:       models.PlatformIOS,
		Type:           models.EventTypeDidRenew,
		TransactionRef: "tx2",
		ProductID:      "com.example.pro.monthly",
		UID:            "user-1",
	}
	pack := &models.IAPEvent{
		EventID:        models.StoreEventID(models.PlatformIOS, "pack1", models.EventTypePurchased, ""),
		Platform:       models.PlatformIOS,
		Type:           models.EventTypePurchased,
		TransactionRef: "pack1",
		ProductID:      "com.example.logicpack.starter",
		UID:            "user-1",
	}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i, event := range []*models.IAPEvent{renew, pack} {
		wg.Add(1)
		go func(i int, event *models.IAPEvent) {
			defer wg.Done()
			outcomes[i] = processor.Process(context.Background(), event)
		}(i, event)
	}
	wg.Wait()

	require.Equal(t, ResultProcessed, outcomes[0].Result)
	require.Equal(t, ResultProcessed, outcomes[1].Result)

	user, err = store.GetUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, ProMonthly, user.MonthlyAllowanceRemaining)
	assert.Equal(t, StarterPackBonus, user.LogicPackBalance)

	sum, err := store.SumLedgerDeltas("user-1")
	require.NoError(t, err)
	assert.Equal(t, user.TotalCredits(), sum)
}

func TestProcessVerifiedReconcileCorrectsState(t *testing.T) {
	store := newTestStore(t)
	verifier := &fakeVerifier{purchases: map[string]*NormalizedPurchase{
		"tx1": activePurchase("user-1", "com.example.pro.monthly"),
	}}
	processor := newTestProcessor(t, store, verifier)

	require.Equal(t, ResultProcessed,
		processor.Process(context.Background(), subscribeEvent("user-1", "tx1")).Result)

	event := &models.IAPEvent{
		EventID:        models.ReconcileEventID(models.PlatformIOS, "tx1", time.Now()),
		Platform:       models.PlatformIOS,
		Type:           models.EventTypeReconcile,
		TransactionRef: "tx1",
		ProductID:      "com.example.pro.monthly",
		UID:            "user-1",
	}
	purchase := &NormalizedPurchase{
		Status:    PurchaseExpired,
		ProductID: "com.example.pro.monthly",
		UID:       "user-1",
	}
	outcome := processor.ProcessVerified(event, purchase)
	require.Equal(t, ResultProcessed, outcome.Result)

	entitlement, err := store.GetEntitlement("user-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntitlementExpired, entitlement.Status)

	// The same reconcile event cannot double-apply
	outcome = processor.ProcessVerified(event, purchase)
	assert.Equal(t, ResultSkipped, outcome.Result)
}
