package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/fleetalert/fleetalert/internal/database"
	"github.com/fleetalert/fleetalert/internal/services"
)

type fixedSource struct {
	alertType  database.AlertType
	conditions []services.Condition
}

func (s *fixedSource) AlertType() database.AlertType { return s.alertType }

func (s *fixedSource) FetchCandidates(ctx context.Context, policy *database.AlertPolicy) ([]services.Condition, error) {
	return s.conditions, nil
}

func newTestSweep(t *testing.T) (*EvaluationSweep, *services.DeliveryService) {
	db := setupTestDB(t)

	policy := &database.AlertPolicy{
		AlertType:       database.AlertTypeMaintenanceDue,
		Enabled:         true,
		Severity:        database.AlertSeverityMedium,
		CooldownMinutes: 60,
		InAppEnabled:    true,
		Recipients:      database.JSONB{"users": []interface{}{"user-1"}},
	}
	if err := db.Create(policy).Error; err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}

	policies := services.NewPolicyService(db)
	dedup := services.NewDedupService(db)
	resolver := services.NewStaticRecipientResolver([]services.SeedRecipient{
		{ID: "user-1", Name: "Alice", Email: "alice@example.com"},
	})
	dispatch := services.NewDispatchService(db, resolver)
	delivery := services.NewDeliveryService(db, services.DefaultDeliveryConfig())
	eval := services.NewEvaluationService(db, policies, dedup, dispatch, delivery)
	eval.RegisterSource(&fixedSource{
		alertType:  database.AlertTypeMaintenanceDue,
		conditions: []services.Condition{{ObjectType: "component", ObjectID: "pump-1"}},
	})

	return NewEvaluationSweep(eval, time.Second), delivery
}

func TestEvaluationSweep_RunExecutesCycle(t *testing.T) {
	sweep, delivery := newTestSweep(t)
	delivery.RegisterSender(&recordingSender{channel: database.ChannelInApp})

	stats, err := sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats == nil || stats.EventsCreated != 1 {
		t.Errorf("stats = %+v, want one created event", stats)
	}
}

func TestEvaluationSweep_SingleFlight(t *testing.T) {
	sweep, _ := newTestSweep(t)

	sweep.mu.Lock()
	stats, err := sweep.Run(context.Background())
	sweep.mu.Unlock()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats != nil {
		t.Errorf("stats = %+v, want nil for a skipped tick", stats)
	}
}
