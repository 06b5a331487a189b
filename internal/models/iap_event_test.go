package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventIDDerivationIsDeterministic(t *testing.T) {
	assert.Equal(t, AppleEventID("tx1", EventTypeDidRenew), AppleEventID("tx1", EventTypeDidRenew))
	assert.Equal(t, "apple_tx1_did_renew", AppleEventID("tx1", EventTypeDidRenew))
	assert.Equal(t, "google_token1_did_renew", GoogleEventID("token1", EventTypeDidRenew))

	// Different event types for the same transaction are distinct events
	assert.NotEqual(t, AppleEventID("tx1", EventTypeSubscribed), AppleEventID("tx1", EventTypeExpired))
}

func TestStoreEventIDQualifier(t *testing.T) {
	// Purchase anchors ignore the message qualifier so the webhook and the
	// client verify path converge on one row
	assert.Equal(t,
		StoreEventID(PlatformIOS, "tx1", EventTypeSubscribed, "uuid-1"),
		StoreEventID(PlatformIOS, "tx1", EventTypeSubscribed, ""))
	assert.Equal(t, "google_token1_purchased",
		StoreEventID(PlatformAndroid, "token1", EventTypePurchased, "1735689600000"))

	// Recurring state events stay distinct per message
	assert.Equal(t, "google_token1_did_renew_100",
		StoreEventID(PlatformAndroid, "token1", EventTypeDidRenew, "100"))
	assert.NotEqual(t,
		StoreEventID(PlatformAndroid, "token1", EventTypeDidRenew, "100"),
		StoreEventID(PlatformAndroid, "token1", EventTypeDidRenew, "200"))

	// Redelivery of one message carries the same qualifier
	assert.Equal(t,
		StoreEventID(PlatformIOS, "tx1", EventTypeDidFailToRenew, "uuid-1"),
		StoreEventID(PlatformIOS, "tx1", EventTypeDidFailToRenew, "uuid-1"))
}

func TestMonthlyResetEventIDScopesToMonth(t *testing.T) {
	jan := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "reset_user-1_2026-01", MonthlyResetEventID("user-1", jan))

	// Any instant inside the month maps to the same id
	midJan := time.Date(2026, time.January, 20, 13, 30, 0, 0, time.UTC)
	assert.Equal(t,
		MonthlyResetEventID("user-1", jan.AddDate(0, 0, 0)),
		MonthlyResetEventID("user-1", time.Date(midJan.Year(), midJan.Month(), 1, 0, 0, 0, 0, time.UTC)))

	assert.NotEqual(t,
		MonthlyResetEventID("user-1", jan),
		MonthlyResetEventID("user-1", jan.AddDate(0, 1, 0)))
}

func TestReconcileEventIDScopesToDay(t *testing.T) {
	day := time.Date(2026, time.March, 5, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "reconcile_ios_tx1_2026-03-05", ReconcileEventID(PlatformIOS, "tx1", day))
	assert.NotEqual(t,
		ReconcileEventID(PlatformIOS, "tx1", day),
		ReconcileEventID(PlatformIOS, "tx1", day.AddDate(0, 0, 1)))
}
