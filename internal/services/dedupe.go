package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"entitlement-api/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// NotificationDedupe is a cheap pre-filter in front of the durable
// idempotency ledger: store webhooks get redelivered in bursts, and
// rejecting an already-seen notification UUID here saves a queue round
// trip. The ledger remains the authority; losing Redis state only costs a
// skipped outcome later.
type NotificationDedupe struct {
	client *redis.Client
	ttl    time.Duration
}

// NewNotificationDedupe creates the dedupe filter
func NewNotificationDedupe(client *redis.Client) *NotificationDedupe {
	return &NotificationDedupe{
		client: client,
		ttl:    24 * time.Hour,
	}
}

// Seen records a notification identity and reports whether it was already
// recorded within the TTL window. On Redis errors it reports false: the
// idempotency ledger catches what slips through.
func (d *NotificationDedupe) Seen(ctx context.Context, notificationUUID string, signedDate int64) bool {
	if notificationUUID == "" {
		return false
	}

	key := "notification_seen:" + d.fingerprint(notificationUUID, signedDate)
	set, err := d.client.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		logging.Warnf("Dedupe check unavailable for %s: %v", notificationUUID, err)
		return false
	}
	if !set {
		logging.Infof("Duplicate notification filtered - uuid: %s", notificationUUID)
		return true
	}
	return false
}

func (d *NotificationDedupe) fingerprint(notificationUUID string, signedDate int64) string {
	data := fmt.Sprintf("%s:%d", notificationUUID, signedDate)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
