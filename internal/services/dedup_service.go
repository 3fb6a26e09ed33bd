package services

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fleetalert/fleetalert/internal/database"
	"gorm.io/gorm"
)

// EvaluateOutcome describes what the deduplicator did with a candidate condition
type EvaluateOutcome string

const (
	// OutcomeCreated means a new active event was created and should be dispatched
	OutcomeCreated EvaluateOutcome = "created"
	// OutcomeRefreshed means an open event already covers the condition; its
	// payload was updated in place and nothing is re-dispatched
	OutcomeRefreshed EvaluateOutcome = "refreshed"
	// OutcomeSuppressed means the condition is within the cooldown window of a
	// resolved event, or another worker won a concurrent creation race
	OutcomeSuppressed EvaluateOutcome = "suppressed"
)

// Condition is a single candidate fact produced by a condition source,
// e.g. "component X is due for maintenance in 3 days".
type Condition struct {
	ObjectType string
	ObjectID   string
	// Severity optionally overrides the policy severity for this condition
	Severity database.AlertSeverity
	// Payload is the structured message content, opaque to the engine
	Payload database.JSONB
}

// DedupService decides whether a candidate condition becomes a new alert event.
//
// The rule: a new event for a dedupe key is created only when no open (active
// or acknowledged) event exists for the key AND the most recent event, if any,
// was triggered at least one cooldown ago. Cooldown is measured from
// triggered_at, independent of acknowledgement. An open event always
// suppresses and has its payload refreshed in place.
type DedupService struct {
	db *gorm.DB
}

// NewDedupService creates a new DedupService
func NewDedupService(db *gorm.DB) *DedupService {
	return &DedupService{db: db}
}

// DedupeKey computes the stable alert slot for a (policy, object) pair.
// Individual trigger instances for the same object share one slot.
func DedupeKey(policyID uint, objectType, objectID string) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%d|%s|%s", policyID, objectType, objectID))
	return hex.EncodeToString(h[:])
}

// Evaluate runs the dedupe decision for one candidate condition. Exactly one
// of the three outcomes is returned together with the governing event.
//
// Concurrent calls for the same (policy, object) are serialized by the unique
// index on alert_events.active_key: the loser of a creation race observes
// gorm.ErrDuplicatedKey and reports suppression instead of a second event.
func (s *DedupService) Evaluate(policy *database.AlertPolicy, cond Condition) (*database.AlertEvent, EvaluateOutcome, error) {
	key := DedupeKey(policy.ID, cond.ObjectType, cond.ObjectID)
	now := time.Now()

	var latest database.AlertEvent
	err := s.db.Where("dedupe_key = ? AND is_test = ?", key, false).
		Order("triggered_at DESC").First(&latest).Error
	switch {
	case err == nil:
		if latest.IsOpen() {
			updates := map[string]interface{}{"last_seen_at": now}
			if cond.Payload != nil {
				updates["payload"] = cond.Payload
			}
			if err := s.db.Model(&latest).Updates(updates).Error; err != nil {
				return nil, "", fmt.Errorf("failed to refresh event %s: %w", latest.UUID, err)
			}
			return &latest, OutcomeRefreshed, nil
		}
		if now.Before(latest.TriggeredAt.Add(policy.Cooldown())) {
			return &latest, OutcomeSuppressed, nil
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// first occurrence for this slot
	default:
		return nil, "", fmt.Errorf("failed to look up events for dedupe key: %w", err)
	}

	severity := policy.Severity
	if cond.Severity != "" {
		severity = cond.Severity
	}

	event := &database.AlertEvent{
		PolicyID:    policy.ID,
		AlertType:   policy.AlertType,
		ObjectType:  cond.ObjectType,
		ObjectID:    cond.ObjectID,
		DedupeKey:   key,
		ActiveKey:   &key,
		State:       database.EventStateActive,
		Severity:    severity,
		Payload:     cond.Payload,
		TriggeredAt: now,
		LastSeenAt:  now,
	}

	if err := s.db.Create(event).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the race: another evaluation created the open event first.
			var winner database.AlertEvent
			if ferr := s.db.Where("active_key = ?", key).First(&winner).Error; ferr != nil {
				return nil, OutcomeSuppressed, nil
			}
			return &winner, OutcomeSuppressed, nil
		}
		return nil, "", fmt.Errorf("failed to create event: %w", err)
	}

	return event, OutcomeCreated, nil
}
