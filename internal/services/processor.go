package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"
)

// Outcome results
const (
	ResultProcessed = "processed"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
)

// Outcome is the explicit result of processing one event. Duplicate
// delivery is a Skipped outcome, not an error.
type Outcome struct {
	Result      string
	Reason      string
	Retryable   bool
	CreditDelta int
	Entitlement *models.Entitlement
}

// Processed reports whether the event's effects were applied by this call
func (o Outcome) Processed() bool {
	return o.Result == ResultProcessed
}

// Processor consumes one inbound event at a time: it runs store
// verification, computes the entitlement transition and credit delta, and
// commits both atomically under the idempotency guard.
type Processor struct {
	store      *database.Store
	verifiers  map[string]StoreVerifier
	credits    *CreditService
	notifier   *WebhookNotifier
	timeout    time.Duration
	maxRetries int
}

// NewProcessor creates an event processor. Verifiers are keyed by
// platform; the notifier may be nil when no callback is configured.
func NewProcessor(store *database.Store, verifiers map[string]StoreVerifier, credits *CreditService, notifier *WebhookNotifier, timeout time.Duration, maxRetries int) *Processor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Processor{
		store:      store,
		verifiers:  verifiers,
		credits:    credits,
		notifier:   notifier,
		timeout:    timeout,
		maxRetries: maxRetries,
	}
}

// Process runs the full pipeline for one event: idempotency check, store
// verification, then the atomic commit.
func (p *Processor) Process(ctx context.Context, event *models.IAPEvent) Outcome {
	recorded, done := p.guard(event)
	if done != nil {
		return *done
	}

	verifier, ok := p.verifiers[recorded.Platform]
	if !ok {
		p.fail(recorded, fmt.Sprintf("no verifier for platform %s", recorded.Platform))
		return Outcome{Result: ResultFailed, Reason: "unknown platform"}
	}

	verifyCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	purchase, err := verifier.Verify(verifyCtx, VerifyRef{
		Platform:       recorded.Platform,
		ProductID:      recorded.ProductID,
		TransactionRef: recorded.TransactionRef,
	})
	if err != nil {
		return p.handleVerifyError(recorded, err)
	}

	return p.commit(recorded, purchase)
}

// ProcessVerified runs the commit path for an event whose purchase record
// was already obtained, e.g. a reconciliation replay. It reuses the same
// idempotency guard, so a correction cannot double-apply credits.
func (p *Processor) ProcessVerified(event *models.IAPEvent, purchase *NormalizedPurchase) Outcome {
	recorded, done := p.guard(event)
	if done != nil {
		return *done
	}
	return p.commit(recorded, purchase)
}

// guard records the event in the idempotency ledger, or short-circuits
// when the event was already settled. This is the at-most-once guarantee.
func (p *Processor) guard(event *models.IAPEvent) (*models.IAPEvent, *Outcome) {
	switch event.Type {
	case models.EventTypeSubscribed, models.EventTypePurchased:
		// A client verify or restore submits the newest transaction id,
		// which a webhook may have already settled under a different event
		// id (an Apple renewal carries a fresh transaction id). The receipt
		// cache is keyed by transaction, so it catches the cross-path
		// replay before any grant.
		if event.TransactionRef != "" {
			seen, err := p.store.HasReceiptForTransaction(event.Platform, event.TransactionRef)
			if err != nil {
				logging.Errorf("Failed to check receipt cache for event %s: %v", event.EventID, err)
				return nil, &Outcome{Result: ResultFailed, Reason: "receipt cache unavailable", Retryable: true}
			}
			if seen {
				metrics.EventsSkipped.Inc()
				return nil, &Outcome{Result: ResultSkipped, Reason: "transaction already settled"}
			}
		}
	}

	recorded, existed, err := p.store.FindOrCreateEvent(event)
	if err != nil {
		logging.Errorf("Failed to record event %s: %v", event.EventID, err)
		return nil, &Outcome{Result: ResultFailed, Reason: "event ledger unavailable", Retryable: true}
	}

	if existed {
		switch recorded.Status {
		case models.EventProcessed, models.EventSkipped:
			metrics.EventsSkipped.Inc()
			return nil, &Outcome{Result: ResultSkipped, Reason: "already processed"}
		case models.EventFailed:
			return nil, &Outcome{Result: ResultSkipped, Reason: "previously failed, awaiting manual review"}
		}
		// pending: a retry of an unfinished event, safe to continue
	}
	return recorded, nil
}

// handleVerifyError applies the retry policy: store-unreachable stays
// pending up to the retry budget, malformed references fail immediately.
func (p *Processor) handleVerifyError(event *models.IAPEvent, err error) Outcome {
	if errors.Is(err, ErrStoreUnreachable) {
		if rerr := p.store.RecordEventAttempt(event, err.Error()); rerr != nil {
			logging.Errorf("Failed to record attempt for event %s: %v", event.EventID, rerr)
		}
		if event.Attempts >= p.maxRetries {
			p.fail(event, fmt.Sprintf("verification unavailable after %d attempts: %v", event.Attempts, err))
			return Outcome{Result: ResultFailed, Reason: "retry budget exhausted"}
		}
		logging.Warnf("Verification unavailable for event %s (attempt %d/%d): %v",
			event.EventID, event.Attempts, p.maxRetries, err)
		return Outcome{Result: ResultFailed, Reason: "store unreachable", Retryable: true}
	}

	// Invalid or unknown references are never retried blindly.
	p.fail(event, err.Error())
	return Outcome{Result: ResultFailed, Reason: "invalid reference"}
}

func (p *Processor) fail(event *models.IAPEvent, cause string) {
	logging.Errorf("Event %s marked failed: %s", event.EventID, cause)
	if err := p.store.MarkEventFailed(event, cause); err != nil {
		logging.Errorf("Failed to mark event %s failed: %v", event.EventID, err)
	}
	metrics.EventsFailed.Inc()
}

// maxStaleRetries bounds re-runs of a per-user transaction whose guarded
// account save lost a concurrency race.
const maxStaleRetries = 3

// retryStale re-runs a transaction that lost a version-guarded account
// save race. Each attempt re-reads the account inside a fresh transaction,
// so the retry computes its effect on top of the winner's commit.
func retryStale(fn func() error) error {
	var err error
	for i := 0; i < maxStaleRetries; i++ {
		err = fn()
		if !errors.Is(err, database.ErrStaleAccount) {
			return err
		}
	}
	return err
}

// commit applies the event's entitlement transition, credit delta, receipt
// cache update and processed status in one transaction scoped to the user.
// If it fails, the event stays pending and is safe to retry with no
// partial effects visible.
func (p *Processor) commit(event *models.IAPEvent, purchase *NormalizedPurchase) Outcome {
	uid := event.UID
	if uid == "" {
		uid = purchase.UID
	}
	if uid == "" {
		p.fail(event, "cannot resolve user for event")
		return Outcome{Result: ResultFailed, Reason: "unresolved user"}
	}

	now := time.Now()
	var outcome Outcome

	err := retryStale(func() error {
		return p.store.Transaction(func(tx *database.Store) error {
			user, err := tx.EnsureUser(uid)
			if err != nil {
				return err
			}

			// The ledger append and the event status flip commit together,
			// so an existing entry means a concurrent worker or a crashed
			// retry already applied this event's effects in full. Re-running
			// the grant here would mutate the balance without a matching
			// ledger entry.
			applied, err := tx.HasLedgerEntryForEvent(uid, event.EventID)
			if err != nil {
				return err
			}
			if applied {
				event.UID = uid
				if err := tx.MarkEventProcessed(event); err != nil {
					return err
				}
				outcome = Outcome{Result: ResultSkipped, Reason: "already processed"}
				return nil
			}

			entitlement, err := tx.GetOrInitEntitlement(uid)
			if err != nil {
				return err
			}

			changed, err := ApplyEntitlementTransition(entitlement, event, purchase, now)
			if err != nil {
				return err
			}

			delta, reason, flagged := p.credits.ApplyEventGrant(user, event, purchase)

			if reason != "" {
				entry := &models.CreditLedgerEntry{
					UID:           uid,
					Delta:         delta,
					Reason:        reason,
					SourceEventID: event.EventID,
					Flagged:       flagged,
				}
				if err := tx.AppendLedgerEntry(entry); err != nil {
					return err
				}
			}

			if err := tx.SaveUser(user); err != nil {
				return err
			}
			if changed || entitlement.ID != 0 {
				if err := tx.SaveEntitlement(entitlement); err != nil {
					return err
				}
			}

			if event.TransactionRef != "" {
				receipt := &models.Receipt{
					UID:            uid,
					Platform:       event.Platform,
					TransactionID:  event.TransactionRef,
					Status:         purchase.Status,
					ProductID:      purchase.ProductID,
					ExpiresAt:      purchase.ExpiresAt,
					AutoRenew:      purchase.AutoRenew,
					LastVerifiedAt: now,
					Raw:            purchase.RawPayload,
				}
				if err := tx.UpsertReceipt(receipt); err != nil {
					return err
				}
			}

			event.UID = uid
			if err := tx.MarkEventProcessed(event); err != nil {
				return err
			}

			outcome = Outcome{
				Result:      ResultProcessed,
				CreditDelta: delta,
				Reason:      reason,
				Entitlement: entitlement,
			}
			return nil
		})
	})

	if err != nil {
		logging.Errorf("Commit failed for event %s: %v", event.EventID, err)
		return Outcome{Result: ResultFailed, Reason: "commit failed", Retryable: true}
	}

	if outcome.Result != ResultProcessed {
		metrics.EventsSkipped.Inc()
		return outcome
	}

	metrics.EventsProcessed.Inc()
	logging.Infof("Event processed - event: %s, uid: %s, type: %s, delta: %d",
		event.EventID, uid, event.Type, outcome.CreditDelta)

	if p.notifier != nil && outcome.Entitlement != nil {
		go p.notifier.NotifyEntitlementChange(outcome.Entitlement)
	}

	return outcome
}
