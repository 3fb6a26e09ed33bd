package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/fleetalert/fleetalert/internal/database"
	"gorm.io/gorm"
)

// EventService is the read/transition surface for alert events: the
// acknowledgement handler, resolution, and the history/reporting queries.
type EventService struct {
	db *gorm.DB
}

// NewEventService creates a new EventService
func NewEventService(db *gorm.DB) *EventService {
	return &EventService{db: db}
}

// Acknowledge records a user acknowledgement of an active event.
//
// Idempotent: acknowledging an already-acknowledged event returns the existing
// acknowledgement without error, so double-clicks and retried requests are
// harmless. Deliveries already scheduled keep draining; no new deliveries are
// created for an acknowledged event.
func (s *EventService) Acknowledge(eventUUID, userID string) (*database.AlertEvent, error) {
	event, err := s.GetEvent(eventUUID)
	if err != nil {
		return nil, err
	}

	switch event.State {
	case database.EventStateAcknowledged:
		return event, nil
	case database.EventStateResolved:
		return nil, ErrInvalidEventState
	}

	now := time.Now()
	res := s.db.Model(&database.AlertEvent{}).
		Where("id = ? AND state = ?", event.ID, database.EventStateActive).
		Updates(map[string]interface{}{
			"state":           database.EventStateAcknowledged,
			"acknowledged_at": now,
			"acknowledged_by": userID,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to acknowledge event %s: %w", eventUUID, res.Error)
	}
	if res.RowsAffected == 0 {
		// A concurrent caller changed the state first; re-read and decide.
		event, err = s.GetEvent(eventUUID)
		if err != nil {
			return nil, err
		}
		if event.State == database.EventStateAcknowledged {
			return event, nil
		}
		return nil, ErrInvalidEventState
	}

	return s.GetEvent(eventUUID)
}

// Resolve closes an event, clearing its active key so a later qualifying
// condition (outside the cooldown window) can open a new one. Resolving an
// already-resolved event is a no-op. Outstanding failed deliveries stop being
// retried once the event is resolved.
func (s *EventService) Resolve(eventUUID, resolvedBy string) (*database.AlertEvent, error) {
	event, err := s.GetEvent(eventUUID)
	if err != nil {
		return nil, err
	}

	if event.State == database.EventStateResolved {
		return event, nil
	}

	now := time.Now()
	res := s.db.Model(&database.AlertEvent{}).
		Where("id = ? AND state <> ?", event.ID, database.EventStateResolved).
		Updates(map[string]interface{}{
			"state":       database.EventStateResolved,
			"resolved_at": now,
			"resolved_by": resolvedBy,
			"active_key":  nil,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to resolve event %s: %w", eventUUID, res.Error)
	}

	return s.GetEvent(eventUUID)
}

// GetEvent retrieves an event by UUID
func (s *EventService) GetEvent(eventUUID string) (*database.AlertEvent, error) {
	var event database.AlertEvent
	if err := s.db.Where("uuid = ?", eventUUID).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

// GetEventWithDeliveries retrieves an event and its delivery audit trail
func (s *EventService) GetEventWithDeliveries(eventUUID string) (*database.AlertEvent, error) {
	var event database.AlertEvent
	err := s.db.Preload("Deliveries").Where("uuid = ?", eventUUID).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

// EventFilters narrows the event history query
type EventFilters struct {
	From        *time.Time
	To          *time.Time
	AlertType   database.AlertType
	Severity    database.AlertSeverity
	State       database.EventState
	IncludeTest bool
	Limit       int
	Offset      int
}

// ListEvents returns events matching the filters, newest first, with the
// total match count for pagination.
func (s *EventService) ListEvents(f EventFilters) ([]database.AlertEvent, int64, error) {
	query := s.db.Model(&database.AlertEvent{})
	if !f.IncludeTest {
		query = query.Where("is_test = ?", false)
	}
	if f.From != nil {
		query = query.Where("triggered_at >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("triggered_at <= ?", *f.To)
	}
	if f.AlertType != "" {
		query = query.Where("alert_type = ?", f.AlertType)
	}
	if f.Severity != "" {
		query = query.Where("severity = ?", f.Severity)
	}
	if f.State != "" {
		query = query.Where("state = ?", f.State)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	} else {
		query = query.Limit(500)
	}
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}

	var events []database.AlertEvent
	if err := query.Order("triggered_at DESC").Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// ListDeliveries returns the delivery rows for an event, oldest first
func (s *EventService) ListDeliveries(eventID uint) ([]database.AlertDelivery, error) {
	var deliveries []database.AlertDelivery
	err := s.db.Where("event_id = ?", eventID).Order("created_at ASC").Find(&deliveries).Error
	return deliveries, err
}

// ListFailedFinalDeliveries returns permanently failed deliveries for the
// operator-facing reporting path
func (s *EventService) ListFailedFinalDeliveries(limit int) ([]database.AlertDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	var deliveries []database.AlertDelivery
	err := s.db.Where("status = ?", database.DeliveryStatusFailedFinal).
		Order("updated_at DESC").Limit(limit).Find(&deliveries).Error
	return deliveries, err
}
