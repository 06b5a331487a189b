package database

import (
	"errors"
	"strings"
	"time"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
)

// GetEvent returns the idempotency ledger row for an event id
func (s *Store) GetEvent(eventID string) (*models.IAPEvent, error) {
	var event models.IAPEvent
	err := s.db.Where("event_id = ?", eventID).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// CreateEvent inserts a new pending event row. The unique index on
// event_id makes a racing duplicate insert fail, which the caller treats
// as "already recorded".
func (s *Store) CreateEvent(event *models.IAPEvent) error {
	return s.db.Create(event).Error
}

// FindOrCreateEvent returns the existing row for an event id or records a
// new pending one. The second return value reports whether the row already
// existed.
func (s *Store) FindOrCreateEvent(event *models.IAPEvent) (*models.IAPEvent, bool, error) {
	existing, err := s.GetEvent(event.EventID)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	event.Status = models.EventPending
	if err := s.CreateEvent(event); err != nil {
		// Lost a race with a concurrent delivery of the same event.
		if IsDuplicateKeyError(err) {
			existing, gerr := s.GetEvent(event.EventID)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, true, nil
		}
		return nil, false, err
	}
	return event, false, nil
}

// MarkEventProcessed moves an event row to processed
func (s *Store) MarkEventProcessed(event *models.IAPEvent) error {
	now := time.Now()
	event.Status = models.EventProcessed
	event.ProcessedAt = &now
	return s.db.Save(event).Error
}

// MarkEventFailed moves an event row to failed with the terminal error
func (s *Store) MarkEventFailed(event *models.IAPEvent, cause string) error {
	event.Status = models.EventFailed
	event.LastError = cause
	return s.db.Save(event).Error
}

// RecordEventAttempt increments the attempt counter while the event stays
// pending.
func (s *Store) RecordEventAttempt(event *models.IAPEvent, cause string) error {
	event.Attempts++
	event.LastError = cause
	return s.db.Save(event).Error
}

// ListFailedEvents returns events that exhausted their retry budget, for
// operator review.
func (s *Store) ListFailedEvents(limit int) ([]models.IAPEvent, error) {
	var events []models.IAPEvent
	err := s.db.Where("status = ?", models.EventFailed).
		Order("updated_at DESC").Limit(limit).Find(&events).Error
	return events, err
}

// IsDuplicateKeyError reports whether err is a unique constraint violation.
// Covers both the Postgres and SQLite driver messages.
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
