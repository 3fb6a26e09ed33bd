package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fleetalert/fleetalert/internal/database"
	"gorm.io/gorm"
)

// ConditionSource produces candidate conditions for one alert type. How the
// conditions are computed (maintenance schedules, stock counts, certificate
// registries, ...) is outside the engine; sources are registered at startup.
type ConditionSource interface {
	AlertType() database.AlertType
	FetchCandidates(ctx context.Context, policy *database.AlertPolicy) ([]Condition, error)
}

// CycleStats summarizes one evaluation cycle
type CycleStats struct {
	PoliciesEvaluated   int `json:"policies_evaluated"`
	CandidatesSeen      int `json:"candidates_seen"`
	EventsCreated       int `json:"events_created"`
	EventsRefreshed     int `json:"events_refreshed"`
	Suppressed          int `json:"suppressed"`
	DeliveriesCreated   int `json:"deliveries_created"`
	DeliveriesAttempted int `json:"deliveries_attempted"`
	Errors              int `json:"errors"`
}

// EvaluationService runs the evaluation sweep: for every enabled policy it
// fetches candidate conditions, runs them through the deduplicator, and
// dispatches newly created events. Per-object failures are isolated; only a
// policy-list failure aborts the cycle.
type EvaluationService struct {
	db       *gorm.DB
	policies *PolicyService
	dedup    *DedupService
	dispatch *DispatchService
	delivery *DeliveryService

	mu      sync.RWMutex
	sources map[database.AlertType]ConditionSource
}

// NewEvaluationService creates a new EvaluationService
func NewEvaluationService(db *gorm.DB, policies *PolicyService, dedup *DedupService, dispatch *DispatchService, delivery *DeliveryService) *EvaluationService {
	return &EvaluationService{
		db:       db,
		policies: policies,
		dedup:    dedup,
		dispatch: dispatch,
		delivery: delivery,
		sources:  make(map[database.AlertType]ConditionSource),
	}
}

// RegisterSource registers the condition source for its alert type
func (s *EvaluationService) RegisterSource(src ConditionSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.AlertType()] = src
}

// RunCycle executes one sweep across all enabled policies. The policy set is
// read fresh at cycle start; edits made mid-cycle apply from the next cycle.
func (s *EvaluationService) RunCycle(ctx context.Context) (*CycleStats, error) {
	policies, err := s.policies.ListEnabled()
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled policies: %w", err)
	}

	stats := &CycleStats{}
	for i := range policies {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		policy := policies[i]
		stats.PoliciesEvaluated++

		s.mu.RLock()
		source, ok := s.sources[policy.AlertType]
		s.mu.RUnlock()
		if !ok {
			log.Printf("Evaluation: no condition source registered for %s, skipping policy %d",
				policy.AlertType, policy.ID)
			continue
		}

		candidates, err := source.FetchCandidates(ctx, &policy)
		if err != nil {
			log.Printf("Evaluation: fetching candidates for policy %d (%s) failed: %v",
				policy.ID, policy.AlertType, err)
			stats.Errors++
			continue
		}

		for _, cond := range candidates {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.CandidatesSeen++
			if err := s.evaluateOne(ctx, &policy, cond, stats); err != nil {
				log.Printf("Evaluation: condition for %s/%s under policy %d failed: %v",
					cond.ObjectType, cond.ObjectID, policy.ID, err)
				stats.Errors++
			}
		}
	}

	log.Printf("Evaluation cycle: %d policies, %d candidates, %d created, %d refreshed, %d suppressed, %d deliveries, %d errors",
		stats.PoliciesEvaluated, stats.CandidatesSeen, stats.EventsCreated,
		stats.EventsRefreshed, stats.Suppressed, stats.DeliveriesCreated, stats.Errors)
	return stats, nil
}

// evaluateOne handles a single candidate condition end to end
func (s *EvaluationService) evaluateOne(ctx context.Context, policy *database.AlertPolicy, cond Condition, stats *CycleStats) error {
	event, outcome, err := s.dedup.Evaluate(policy, cond)
	if err != nil {
		return err
	}

	switch outcome {
	case OutcomeRefreshed:
		stats.EventsRefreshed++
		return nil
	case OutcomeSuppressed:
		stats.Suppressed++
		return nil
	}

	stats.EventsCreated++
	deliveries, err := s.dispatch.Dispatch(event, policy)
	if err != nil {
		// The event exists; its deliveries will be rescued by the stale-pending
		// sweep if any rows were persisted before the failure.
		return err
	}
	stats.DeliveriesCreated += len(deliveries)

	for i := range deliveries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats.DeliveriesAttempted++
		if _, err := s.delivery.Attempt(ctx, deliveries[i].ID); err != nil {
			log.Printf("Evaluation: first attempt for delivery %s failed: %v", deliveries[i].UUID, err)
		}
	}
	return nil
}

// SendTestAlert creates a one-off verification event for the policy and
// delivers it to the requesting user on every enabled channel, bypassing
// dedupe and cooldown. The event is marked as a test, never occupies the
// dedupe slot, and is auto-resolved once the attempts finish.
func (s *EvaluationService) SendTestAlert(ctx context.Context, policyID uint, userID string) (*database.AlertEvent, error) {
	policy, err := s.policies.GetPolicy(policyID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	event := &database.AlertEvent{
		PolicyID:   policy.ID,
		AlertType:  policy.AlertType,
		ObjectType: "test",
		ObjectID:   fmt.Sprintf("test-%d", now.UnixNano()),
		DedupeKey:  DedupeKey(policy.ID, "test", fmt.Sprintf("%d", now.UnixNano())),
		State:      database.EventStateActive,
		Severity:   policy.Severity,
		IsTest:     true,
		Payload: database.JSONB{
			"message":      fmt.Sprintf("Test alert for policy %s", policy.AlertType),
			"requested_by": userID,
		},
		TriggeredAt: now,
		LastSeenAt:  now,
	}
	if err := s.db.Create(event).Error; err != nil {
		return nil, fmt.Errorf("failed to create test event: %w", err)
	}

	recipients, err := s.dispatch.resolver.Resolve(nil, []string{userID})
	if err != nil || len(recipients) == 0 {
		recipients = []Recipient{{ID: userID}}
	}
	rcpt := recipients[0]

	channels := policy.EnabledChannels()
	if len(channels) == 0 {
		channels = []database.AlertChannel{database.ChannelInApp}
	}

	for _, channel := range channels {
		address := channelAddress(channel, rcpt)
		if address == "" {
			continue
		}
		delivery := database.AlertDelivery{
			EventID:          event.ID,
			Channel:          channel,
			RecipientID:      rcpt.ID,
			RecipientAddress: address,
			Status:           database.DeliveryStatusPending,
		}
		if err := s.db.Create(&delivery).Error; err != nil {
			return nil, fmt.Errorf("failed to create test delivery: %w", err)
		}
		if _, err := s.delivery.Attempt(ctx, delivery.ID); err != nil {
			log.Printf("Test alert: attempt on channel %s failed: %v", channel, err)
		}
	}

	// Test events never linger in the active feed.
	resolvedAt := time.Now()
	if err := s.db.Model(event).Updates(map[string]interface{}{
		"state":       database.EventStateResolved,
		"resolved_at": resolvedAt,
		"resolved_by": "system:test",
	}).Error; err != nil {
		return nil, err
	}

	return event, s.db.Preload("Deliveries").First(event, event.ID).Error
}
