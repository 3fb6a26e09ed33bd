package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fleetalert/fleetalert/internal/database"
	"github.com/fleetalert/fleetalert/internal/services"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	err = db.AutoMigrate(
		&database.AlertPolicy{},
		&database.AlertEvent{},
		&database.AlertDelivery{},
		&database.InAppNotification{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

// recordingSender counts sends and optionally fails them
type recordingSender struct {
	channel database.AlertChannel
	err     error
	calls   int
}

func (s *recordingSender) Channel() database.AlertChannel { return s.channel }

func (s *recordingSender) Send(ctx context.Context, delivery *database.AlertDelivery, event *database.AlertEvent) error {
	s.calls++
	return s.err
}

type deliveryFixture struct {
	eventState  database.EventState
	status      database.DeliveryStatus
	retryCount  int
	nextRetryAt *time.Time
	createdAt   time.Time
	updatedAt   time.Time
}

func createDelivery(t *testing.T, db *gorm.DB, f deliveryFixture) *database.AlertDelivery {
	policy := &database.AlertPolicy{
		AlertType:       database.AlertTypeMaintenanceDue,
		Enabled:         true,
		Severity:        database.AlertSeverityMedium,
		CooldownMinutes: 60,
		InAppEnabled:    true,
	}
	if err := db.Where("alert_type = ?", policy.AlertType).FirstOrCreate(policy).Error; err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}

	event := &database.AlertEvent{
		PolicyID:    policy.ID,
		AlertType:   policy.AlertType,
		ObjectType:  "component",
		ObjectID:    time.Now().Format("150405.000000000"),
		DedupeKey:   time.Now().Format("150405.000000000"),
		State:       f.eventState,
		Severity:    database.AlertSeverityMedium,
		TriggeredAt: time.Now(),
	}
	if err := db.Create(event).Error; err != nil {
		t.Fatalf("failed to create event: %v", err)
	}

	delivery := &database.AlertDelivery{
		EventID:          event.ID,
		Channel:          database.ChannelInApp,
		RecipientID:      "user-1",
		RecipientAddress: "user-1",
		Status:           f.status,
		RetryCount:       f.retryCount,
		NextRetryAt:      f.nextRetryAt,
	}
	if err := db.Create(delivery).Error; err != nil {
		t.Fatalf("failed to create delivery: %v", err)
	}
	if !f.createdAt.IsZero() {
		if err := db.Model(delivery).Update("created_at", f.createdAt).Error; err != nil {
			t.Fatalf("failed to backdate delivery: %v", err)
		}
	}
	if !f.updatedAt.IsZero() {
		// UpdateColumn skips the auto-managed timestamp.
		if err := db.Model(delivery).UpdateColumn("updated_at", f.updatedAt).Error; err != nil {
			t.Fatalf("failed to backdate delivery update time: %v", err)
		}
	}
	return delivery
}

func newScheduler(t *testing.T, db *gorm.DB, sender services.Sender) (*RetryScheduler, *services.DeliveryService) {
	delivery := services.NewDeliveryService(db, services.DeliveryConfig{
		MaxAttempts: 3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
		SendTimeout: time.Second,
	})
	if sender != nil {
		delivery.RegisterSender(sender)
	}
	return NewRetryScheduler(db, delivery, time.Second, 10*time.Minute), delivery
}

func TestRetryScheduler_DueForRetrySelection(t *testing.T) {
	db := setupTestDB(t)
	j, _ := newScheduler(t, db, nil)

	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := createDelivery(t, db, deliveryFixture{
		eventState: database.EventStateActive, status: database.DeliveryStatusFailed,
		retryCount: 1, nextRetryAt: &past,
	})
	// Backoff not yet elapsed.
	createDelivery(t, db, deliveryFixture{
		eventState: database.EventStateActive, status: database.DeliveryStatusFailed,
		retryCount: 1, nextRetryAt: &future,
	})
	// Attempts exhausted.
	createDelivery(t, db, deliveryFixture{
		eventState: database.EventStateActive, status: database.DeliveryStatusFailed,
		retryCount: 3, nextRetryAt: &past,
	})
	// Parent resolved: retries stop.
	createDelivery(t, db, deliveryFixture{
		eventState: database.EventStateResolved, status: database.DeliveryStatusFailed,
		retryCount: 1, nextRetryAt: &past,
	})
	// Already sent.
	createDelivery(t, db, deliveryFixture{
		eventState: database.EventStateActive, status: database.DeliveryStatusSent,
	})

	got, err := j.DueForRetry(now)
	if err != nil {
		t.Fatalf("DueForRetry failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Errorf("due = %d deliveries, want exactly the eligible one", len(got))
	}
}

func TestRetryScheduler_AcknowledgedEventsStillDrain(t *testing.T) {
	db := setupTestDB(t)
	j, _ := newScheduler(t, db, nil)

	past := time.Now().Add(-time.Minute)
	createDelivery(t, db, deliveryFixture{
		eventState: database.EventStateAcknowledged, status: database.DeliveryStatusFailed,
		retryCount: 1, nextRetryAt: &past,
	})

	got, err := j.DueForRetry(time.Now())
	if err != nil {
		t.Fatalf("DueForRetry failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("due = %d, want 1 (ack halts escalation, not scheduled retries)", len(got))
	}
}

func TestRetryScheduler_StalePendingRescue(t *testing.T) {
	db := setupTestDB(t)
	sender := &recordingSender{channel: database.ChannelInApp}
	j, _ := newScheduler(t, db, sender)

	// Orphaned by a crash 20 minutes ago.
	stale := createDelivery(t, db, deliveryFixture{
		eventState: database.EventStateActive, status: database.DeliveryStatusPending,
		createdAt: time.Now().Add(-20 * time.Minute),
	})
	// Fresh pending row: the evaluation cycle owns it.
	createDelivery(t, db, deliveryFixture{
		eventState: database.EventStateActive, status: database.DeliveryStatusPending,
	})

	attempted, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if attempted != 1 {
		t.Errorf("attempted = %d, want 1", attempted)
	}

	var rescued database.AlertDelivery
	db.First(&rescued, stale.ID)
	if rescued.Status != database.DeliveryStatusSent {
		t.Errorf("rescued delivery status = %s, want sent", rescued.Status)
	}
}

func TestRetryScheduler_InterruptedClaimRescue(t *testing.T) {
	db := setupTestDB(t)
	j, delivery := newScheduler(t, db, nil)

	// Claimed 20 minutes ago by a process that died mid-send.
	stuck := createDelivery(t, db, deliveryFixture{
		eventState: database.EventStateActive, status: database.DeliveryStatusInProgress,
		retryCount: 1, updatedAt: time.Now().Add(-20 * time.Minute),
	})
	// Freshly claimed: a live worker owns it.
	fresh := createDelivery(t, db, deliveryFixture{
		eventState: database.EventStateActive, status: database.DeliveryStatusInProgress,
	})

	before := time.Now()
	if _, err := j.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	var rescued database.AlertDelivery
	db.First(&rescued, stuck.ID)
	if rescued.Status != database.DeliveryStatusFailed {
		t.Errorf("rescued status = %s, want failed", rescued.Status)
	}
	if rescued.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2 (interruption counts as an attempt)", rescued.RetryCount)
	}
	if rescued.FailureReason == "" {
		t.Error("failure_reason not recorded")
	}
	if rescued.NextRetryAt == nil {
		t.Fatal("next_retry_at not scheduled")
	}
	if want := before.Add(delivery.Backoff(2)); rescued.NextRetryAt.Before(want.Add(-time.Second)) {
		t.Errorf("next_retry_at = %v, want around %v", rescued.NextRetryAt, want)
	}

	var untouched database.AlertDelivery
	db.First(&untouched, fresh.ID)
	if untouched.Status != database.DeliveryStatusInProgress {
		t.Errorf("fresh claim status = %s, want in_progress", untouched.Status)
	}
}

func TestRetryScheduler_InterruptedClaimExhaustsAttempts(t *testing.T) {
	db := setupTestDB(t)
	j, _ := newScheduler(t, db, nil) // MaxAttempts 3

	stuck := createDelivery(t, db, deliveryFixture{
		eventState: database.EventStateActive, status: database.DeliveryStatusInProgress,
		retryCount: 2, updatedAt: time.Now().Add(-20 * time.Minute),
	})

	if _, err := j.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	var rescued database.AlertDelivery
	db.First(&rescued, stuck.ID)
	if rescued.Status != database.DeliveryStatusFailedFinal {
		t.Errorf("status = %s, want failed_final", rescued.Status)
	}
	if rescued.NextRetryAt != nil {
		t.Errorf("next_retry_at = %v, want nil for a terminal delivery", rescued.NextRetryAt)
	}
}

func TestRetryScheduler_RunOnceRetriesAndSucceeds(t *testing.T) {
	db := setupTestDB(t)
	sender := &recordingSender{channel: database.ChannelInApp}
	j, _ := newScheduler(t, db, sender)

	past := time.Now().Add(-time.Minute)
	delivery := createDelivery(t, db, deliveryFixture{
		eventState: database.EventStateActive, status: database.DeliveryStatusFailed,
		retryCount: 1, nextRetryAt: &past,
	})

	attempted, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if attempted != 1 || sender.calls != 1 {
		t.Errorf("attempted=%d calls=%d, want 1/1", attempted, sender.calls)
	}

	var stored database.AlertDelivery
	db.First(&stored, delivery.ID)
	if stored.Status != database.DeliveryStatusSent {
		t.Errorf("status = %s, want sent", stored.Status)
	}
}

func TestRetryScheduler_RunOnceDrivesToFailedFinal(t *testing.T) {
	db := setupTestDB(t)
	sender := &recordingSender{channel: database.ChannelInApp, err: errors.New("still down")}
	j, _ := newScheduler(t, db, sender)

	past := time.Now().Add(-time.Minute)
	delivery := createDelivery(t, db, deliveryFixture{
		eventState: database.EventStateActive, status: database.DeliveryStatusFailed,
		retryCount: 2, nextRetryAt: &past, // one attempt left of 3
	})

	if _, err := j.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	var stored database.AlertDelivery
	db.First(&stored, delivery.ID)
	if stored.Status != database.DeliveryStatusFailedFinal {
		t.Errorf("status = %s, want failed_final", stored.Status)
	}

	// Next sweep finds nothing.
	attempted, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce failed: %v", err)
	}
	if attempted != 0 {
		t.Errorf("attempted = %d, want 0", attempted)
	}
}

func TestRetryScheduler_SingleFlight(t *testing.T) {
	db := setupTestDB(t)
	j, _ := newScheduler(t, db, nil)

	past := time.Now().Add(-time.Minute)
	createDelivery(t, db, deliveryFixture{
		eventState: database.EventStateActive, status: database.DeliveryStatusFailed,
		retryCount: 1, nextRetryAt: &past,
	})

	j.mu.Lock()
	attempted, err := j.RunOnce(context.Background())
	j.mu.Unlock()
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if attempted != 0 {
		t.Errorf("attempted = %d, want 0 (tick must be skipped while one is in flight)", attempted)
	}
}
