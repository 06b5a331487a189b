package database

import (
	"fmt"
	"testing"

	"entitlement-api/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
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

	require.NoError(t, AutoMigrate(db))
	return NewStore(db)
}

func TestFindOrCreateEventRecordsOnce(t *testing.T) {
	store := newTestStore(t)

	event := &models.IAPEvent{
		EventID:        "apple_tx1_SUBSCRIBED",
		Platform:       models.PlatformIOS,
		Type:           models.EventTypeSubscribed,
		TransactionRef: "tx1",
	}

	recorded, existed, err := store.FindOrCreateEvent(event)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, models.EventPending, recorded.Status)

	// Redelivery finds the same row
	again, existed, err := store.FindOrCreateEvent(&models.IAPEvent{
		EventID: "apple_tx1_SUBSCRIBED",
	})
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, recorded.ID, again.ID)

	var count int64
	require.NoError(t, store.DB().Model(&models.IAPEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDuplicateEventInsertIsRejected(t *testing.T) {
	store := newTestStore(t)

	first := &models.IAPEvent{EventID: "google_token1_2", Status: models.EventPending}
	require.NoError(t, store.CreateEvent(first))

	err := store.CreateEvent(&models.IAPEvent{EventID: "google_token1_2", Status: models.EventPending})
	require.Error(t, err)
	assert.True(t, IsDuplicateKeyError(err))
}

func TestLedgerRejectsSecondEntryForSameEvent(t *testing.T) {
	store := newTestStore(t)

	entry := &models.CreditLedgerEntry{
		UID:           "user-1",
		Delta:         30,
		Reason:        models.ReasonIntroMonthGrant,
		SourceEventID: "apple_tx1_SUBSCRIBED",
	}
	require.NoError(t, store.AppendLedgerEntry(entry))

	dup := &models.CreditLedgerEntry{
		UID:           "user-1",
		Delta:         30,
		Reason:        models.ReasonIntroMonthGrant,
		SourceEventID: "apple_tx1_SUBSCRIBED",
	}
	err := store.AppendLedgerEntry(dup)
	require.Error(t, err)
	assert.True(t, IsDuplicateKeyError(err))

	// A different user may reference the same event id
	other := &models.CreditLedgerEntry{
		UID:           "user-2",
		Delta:         30,
		Reason:        models.ReasonIntroMonthGrant,
		SourceEventID: "apple_tx1_SUBSCRIBED",
	}
	assert.NoError(t, store.AppendLedgerEntry(other))
}

func TestTransactionRollsBackOnError(t *testing.T) {
	store := newTestStore(t)

	err := store.Transaction(func(tx *Store) error {
		if _, err := tx.EnsureUser("user-1"); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, err = store.GetUser("user-1")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUpsertReceiptReplacesCachedTruth(t *testing.T) {
	store := newTestStore(t)

	receipt := &models.Receipt{
		UID:           "user-1",
		Platform:      models.PlatformIOS,
		TransactionID: "tx1",
		Status:        "active",
		ProductID:     "com.example.pro.monthly",
	}
	require.NoError(t, store.UpsertReceipt(receipt))

	update := &models.Receipt{
		UID:           "user-1",
		Platform:      models.PlatformIOS,
		TransactionID: "tx1",
		Status:        "expired",
		ProductID:     "com.example.pro.monthly",
	}
	require.NoError(t, store.UpsertReceipt(update))

	loaded, err := store.GetReceipt("user-1", models.PlatformIOS, "tx1")
	require.NoError(t, err)
	assert.Equal(t, "expired", loaded.Status)

	var count int64
	require.NoError(t, store.DB().Model(&models.Receipt{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
