package jobs

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/fleetalert/fleetalert/internal/database"
	"github.com/fleetalert/fleetalert/internal/services"
	"gorm.io/gorm"
)

// RetryScheduler periodically resubmits failed deliveries whose backoff has
// elapsed, and recovers rows orphaned by a crash: pending rows never handed
// to a worker, and in_progress claims whose worker died mid-send. Deliveries
// whose parent event is resolved are left alone; acknowledged events still
// drain their already-scheduled retries.
type RetryScheduler struct {
	db         *gorm.DB
	delivery   *services.DeliveryService
	interval   time.Duration
	staleAfter time.Duration
	mu         sync.Mutex
}

// NewRetryScheduler creates a new retry scheduler
func NewRetryScheduler(db *gorm.DB, delivery *services.DeliveryService, interval, staleAfter time.Duration) *RetryScheduler {
	return &RetryScheduler{
		db:         db,
		delivery:   delivery,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// DueForRetry returns deliveries eligible for another attempt at the given
// time: failed with elapsed next_retry_at and attempts remaining, parent
// event not resolved.
func (j *RetryScheduler) DueForRetry(now time.Time) ([]database.AlertDelivery, error) {
	var deliveries []database.AlertDelivery
	err := j.db.
		Joins("JOIN alert_events ON alert_events.id = alert_deliveries.event_id").
		Where("alert_deliveries.status = ? AND alert_deliveries.next_retry_at <= ? AND alert_deliveries.retry_count < ?",
			database.DeliveryStatusFailed, now, j.delivery.MaxAttempts()).
		Where("alert_events.state <> ?", database.EventStateResolved).
		Order("alert_deliveries.next_retry_at ASC").
		Find(&deliveries).Error
	return deliveries, err
}

// StalePending returns pending deliveries that were persisted but never
// attempted, older than the stale threshold. These exist when the process
// crashed after dispatch and before the first send.
func (j *RetryScheduler) StalePending(now time.Time) ([]database.AlertDelivery, error) {
	cutoff := now.Add(-j.staleAfter)
	var deliveries []database.AlertDelivery
	err := j.db.
		Joins("JOIN alert_events ON alert_events.id = alert_deliveries.event_id").
		Where("alert_deliveries.status = ? AND alert_deliveries.created_at < ?",
			database.DeliveryStatusPending, cutoff).
		Where("alert_events.state <> ?", database.EventStateResolved).
		Find(&deliveries).Error
	return deliveries, err
}

// StaleInProgress returns deliveries stuck in in_progress past the stale
// threshold. A claim is only held for the duration of one bounded send, so an
// old in_progress row means the claiming process died mid-attempt and nothing
// will ever release it.
func (j *RetryScheduler) StaleInProgress(now time.Time) ([]database.AlertDelivery, error) {
	cutoff := now.Add(-j.staleAfter)
	var deliveries []database.AlertDelivery
	err := j.db.
		Where("status = ? AND updated_at < ?", database.DeliveryStatusInProgress, cutoff).
		Find(&deliveries).Error
	return deliveries, err
}

// rescueInProgress records each abandoned claim as a failed attempt, putting
// the row back on the normal retry path (or failed_final when the interrupted
// attempt was the last one).
func (j *RetryScheduler) rescueInProgress(now time.Time) (int, error) {
	stuck, err := j.StaleInProgress(now)
	if err != nil {
		return 0, err
	}

	rescued := 0
	for i := range stuck {
		retryCount := stuck[i].RetryCount + 1
		updates := map[string]interface{}{
			"attempted_at":   now,
			"failure_reason": "delivery attempt interrupted before completion",
			"retry_count":    retryCount,
		}
		if retryCount >= j.delivery.MaxAttempts() {
			updates["status"] = database.DeliveryStatusFailedFinal
			updates["next_retry_at"] = nil
		} else {
			updates["status"] = database.DeliveryStatusFailed
			updates["next_retry_at"] = now.Add(j.delivery.Backoff(retryCount))
		}

		res := j.db.Model(&database.AlertDelivery{}).
			Where("id = ? AND status = ?", stuck[i].ID, database.DeliveryStatusInProgress).
			Updates(updates)
		if res.Error != nil {
			return rescued, res.Error
		}
		if res.RowsAffected > 0 {
			rescued++
		}
	}
	return rescued, nil
}

// RunOnce performs one sweep if none is in flight, returning the number of
// attempts made. A skipped tick returns (0, nil).
func (j *RetryScheduler) RunOnce(ctx context.Context) (int, error) {
	if !j.mu.TryLock() {
		log.Println("Retry sweep still running, skipping tick")
		return 0, nil
	}
	defer j.mu.Unlock()

	now := time.Now()
	rescued, err := j.rescueInProgress(now)
	if err != nil {
		return 0, err
	}
	if rescued > 0 {
		log.Printf("Retry sweep: rescued %d interrupted deliveries", rescued)
	}

	due, err := j.DueForRetry(now)
	if err != nil {
		return 0, err
	}
	stale, err := j.StalePending(now)
	if err != nil {
		return 0, err
	}
	due = append(due, stale...)

	attempted := 0
	for i := range due {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}
		delivery, err := j.delivery.Attempt(ctx, due[i].ID)
		if err != nil {
			// Lost claims are expected under concurrent workers; anything
			// else is a store problem for the next tick.
			if !errors.Is(err, services.ErrDeliveryClaimed) {
				log.Printf("Retry sweep: attempt for delivery %d failed: %v", due[i].ID, err)
			}
			continue
		}
		attempted++
		if delivery.Status == database.DeliveryStatusFailedFinal {
			log.Printf("Retry sweep: delivery %s permanently failed on channel %s: %s",
				delivery.UUID, delivery.Channel, delivery.FailureReason)
		}
	}
	return attempted, nil
}

// Start begins the periodic retry sweep and blocks until the context is
// cancelled. An in-flight sweep finishes before Start returns.
func (j *RetryScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			attempted, err := j.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				log.Printf("Retry sweep error: %v", err)
			} else if attempted > 0 {
				log.Printf("Retry sweep: attempted %d deliveries", attempted)
			}
		case <-ctx.Done():
			j.mu.Lock()
			defer j.mu.Unlock()
			log.Println("Retry sweep stopped")
			return
		}
	}
}
