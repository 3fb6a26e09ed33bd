package services

import (
	"errors"
	"testing"
	"time"

	"github.com/fleetalert/fleetalert/internal/database"
	"gorm.io/gorm"
)

func TestEventService_AcknowledgeActiveEvent(t *testing.T) {
	db := setupTestDB(t)
	dedup := NewDedupService(db)
	events := NewEventService(db)
	policy := createTestPolicy(t, db, database.AlertTypeMaintenanceDue, 60)

	event, _, err := dedup.Evaluate(policy, Condition{ObjectType: "component", ObjectID: "pump-1"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	acked, err := events.Acknowledge(event.UUID, "chief")
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if acked.State != database.EventStateAcknowledged {
		t.Errorf("state = %s, want acknowledged", acked.State)
	}
	if acked.AcknowledgedBy != "chief" {
		t.Errorf("acknowledged_by = %q, want chief", acked.AcknowledgedBy)
	}
	if acked.AcknowledgedAt == nil {
		t.Error("acknowledged_at not set")
	}
	if acked.ActiveKey == nil {
		t.Error("acknowledged events must keep their active key (still open)")
	}
}

func TestEventService_AcknowledgeIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	dedup := NewDedupService(db)
	events := NewEventService(db)
	policy := createTestPolicy(t, db, database.AlertTypeMaintenanceDue, 60)

	event, _, err := dedup.Evaluate(policy, Condition{ObjectType: "component", ObjectID: "pump-1"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	first, err := events.Acknowledge(event.UUID, "chief")
	if err != nil {
		t.Fatalf("first Acknowledge failed: %v", err)
	}
	second, err := events.Acknowledge(event.UUID, "someone-else")
	if err != nil {
		t.Fatalf("second Acknowledge failed: %v", err)
	}
	if second.AcknowledgedBy != "chief" {
		t.Errorf("second ack changed acknowledged_by to %q", second.AcknowledgedBy)
	}
	if !first.AcknowledgedAt.Equal(*second.AcknowledgedAt) {
		t.Error("second ack changed acknowledged_at")
	}
}

func TestEventService_AcknowledgeRaceLoserKeepsFirstAcknowledger(t *testing.T) {
	db := setupTestDB(t)
	dedup := NewDedupService(db)
	events := NewEventService(db)
	policy := createTestPolicy(t, db, database.AlertTypeMaintenanceDue, 60)

	event, _, err := dedup.Evaluate(policy, Condition{ObjectType: "component", ObjectID: "pump-1"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	// Flip the row to acknowledged between this caller's read and its
	// state-guarded update, the interleaving a faster concurrent caller
	// produces. The update callback runs on the statement's own connection
	// right before the guarded update executes.
	fired := false
	err = db.Callback().Update().Before("gorm:update").Register("interleaved_ack", func(tx *gorm.DB) {
		if fired {
			return
		}
		fired = true
		_, execErr := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
			"UPDATE alert_events SET state = ?, acknowledged_at = ?, acknowledged_by = ? WHERE id = ?",
			string(database.EventStateAcknowledged), time.Now(), "first-responder", event.ID)
		if execErr != nil {
			t.Errorf("interleaved update failed: %v", execErr)
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}
	defer db.Callback().Update().Remove("interleaved_ack")

	acked, err := events.Acknowledge(event.UUID, "second-responder")
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if !fired {
		t.Fatal("interleaved update never ran")
	}
	if acked.State != database.EventStateAcknowledged {
		t.Errorf("state = %s, want acknowledged", acked.State)
	}
	if acked.AcknowledgedBy != "first-responder" {
		t.Errorf("acknowledged_by = %q, want the first acknowledger preserved", acked.AcknowledgedBy)
	}
}

func TestEventService_AcknowledgeUnknownEvent(t *testing.T) {
	db := setupTestDB(t)
	events := NewEventService(db)

	if _, err := events.Acknowledge("no-such-uuid", "chief"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("err = %v, want ErrEventNotFound", err)
	}
}

func TestEventService_AcknowledgeResolvedEvent(t *testing.T) {
	db := setupTestDB(t)
	dedup := NewDedupService(db)
	events := NewEventService(db)
	policy := createTestPolicy(t, db, database.AlertTypeMaintenanceDue, 60)

	event, _, err := dedup.Evaluate(policy, Condition{ObjectType: "component", ObjectID: "pump-1"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if _, err := events.Resolve(event.UUID, "chief"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if _, err := events.Acknowledge(event.UUID, "chief"); !errors.Is(err, ErrInvalidEventState) {
		t.Errorf("err = %v, want ErrInvalidEventState", err)
	}
}

func TestEventService_ResolveClearsActiveKey(t *testing.T) {
	db := setupTestDB(t)
	dedup := NewDedupService(db)
	events := NewEventService(db)
	policy := createTestPolicy(t, db, database.AlertTypeMaintenanceDue, 60)

	event, _, err := dedup.Evaluate(policy, Condition{ObjectType: "component", ObjectID: "pump-1"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	resolved, err := events.Resolve(event.UUID, "chief")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.State != database.EventStateResolved {
		t.Errorf("state = %s, want resolved", resolved.State)
	}
	if resolved.ActiveKey != nil {
		t.Error("resolve must clear active_key")
	}
	if resolved.ResolvedAt == nil || resolved.ResolvedBy != "chief" {
		t.Error("resolution metadata not recorded")
	}

	// Idempotent.
	again, err := events.Resolve(event.UUID, "someone-else")
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if again.ResolvedBy != "chief" {
		t.Errorf("second resolve changed resolved_by to %q", again.ResolvedBy)
	}
}

func TestEventService_ListEvents(t *testing.T) {
	db := setupTestDB(t)
	events := NewEventService(db)
	policy := createTestPolicy(t, db, database.AlertTypeMaintenanceDue, 60)

	now := time.Now()
	mk := func(objectID string, state database.EventState, severity database.AlertSeverity, isTest bool, triggeredAt time.Time) {
		key := DedupeKey(policy.ID, "component", objectID)
		event := &database.AlertEvent{
			PolicyID:    policy.ID,
			AlertType:   policy.AlertType,
			ObjectType:  "component",
			ObjectID:    objectID,
			DedupeKey:   key,
			State:       state,
			Severity:    severity,
			IsTest:      isTest,
			TriggeredAt: triggeredAt,
		}
		if state != database.EventStateResolved && !isTest {
			event.ActiveKey = &key
		}
		if err := db.Create(event).Error; err != nil {
			t.Fatalf("failed to create event %s: %v", objectID, err)
		}
	}

	mk("pump-1", database.EventStateActive, database.AlertSeverityHigh, false, now.Add(-1*time.Hour))
	mk("pump-2", database.EventStateResolved, database.AlertSeverityLow, false, now.Add(-3*time.Hour))
	mk("pump-3", database.EventStateAcknowledged, database.AlertSeverityHigh, false, now.Add(-2*time.Hour))
	mk("pump-4", database.EventStateActive, database.AlertSeverityMedium, true, now)

	all, total, err := events.ListEvents(EventFilters{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3 (test events excluded by default)", total)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	// Newest first.
	if all[0].ObjectID != "pump-1" || all[2].ObjectID != "pump-2" {
		t.Errorf("unexpected order: %s ... %s", all[0].ObjectID, all[2].ObjectID)
	}

	high, total, err := events.ListEvents(EventFilters{Severity: database.AlertSeverityHigh})
	if err != nil {
		t.Fatalf("ListEvents by severity failed: %v", err)
	}
	if total != 2 || len(high) != 2 {
		t.Errorf("high severity: total=%d len=%d, want 2", total, len(high))
	}

	active, _, err := events.ListEvents(EventFilters{State: database.EventStateActive})
	if err != nil {
		t.Fatalf("ListEvents by state failed: %v", err)
	}
	if len(active) != 1 || active[0].ObjectID != "pump-1" {
		t.Errorf("active filter returned %d events", len(active))
	}

	from := now.Add(-150 * time.Minute)
	windowed, _, err := events.ListEvents(EventFilters{From: &from, To: &now})
	if err != nil {
		t.Fatalf("ListEvents by window failed: %v", err)
	}
	if len(windowed) != 2 {
		t.Errorf("window filter returned %d events, want 2", len(windowed))
	}

	withTest, total, err := events.ListEvents(EventFilters{IncludeTest: true})
	if err != nil {
		t.Fatalf("ListEvents with test failed: %v", err)
	}
	if total != 4 || len(withTest) != 4 {
		t.Errorf("include_test: total=%d len=%d, want 4", total, len(withTest))
	}

	paged, total, err := events.ListEvents(EventFilters{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListEvents paged failed: %v", err)
	}
	if total != 3 {
		t.Errorf("paged total = %d, want full count 3", total)
	}
	if len(paged) != 1 {
		t.Errorf("paged len = %d, want 1", len(paged))
	}
}

func TestEventService_GetEventWithDeliveries(t *testing.T) {
	db := setupTestDB(t)
	events := NewEventService(db)

	event, _ := createTestEventWithDelivery(t, db, database.DeliveryStatusPending)

	loaded, err := events.GetEventWithDeliveries(event.UUID)
	if err != nil {
		t.Fatalf("GetEventWithDeliveries failed: %v", err)
	}
	if len(loaded.Deliveries) != 1 {
		t.Errorf("deliveries = %d, want 1", len(loaded.Deliveries))
	}
}

func TestEventService_ListFailedFinalDeliveries(t *testing.T) {
	db := setupTestDB(t)
	events := NewEventService(db)

	_, delivery := createTestEventWithDelivery(t, db, database.DeliveryStatusFailedFinal)
	createTestEventWithDelivery(t, db, database.DeliveryStatusSent)

	failed, err := events.ListFailedFinalDeliveries(0)
	if err != nil {
		t.Fatalf("ListFailedFinalDeliveries failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != delivery.ID {
		t.Errorf("got %d failed_final deliveries, want 1", len(failed))
	}
}
