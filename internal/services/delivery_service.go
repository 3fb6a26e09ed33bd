package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fleetalert/fleetalert/internal/database"
	"gorm.io/gorm"
)

// Sender performs the actual transmission for one channel. Implementations
// live outside the engine core (Slack API, SMTP relay, in-app store) and must
// respect the context deadline.
type Sender interface {
	Channel() database.AlertChannel
	Send(ctx context.Context, delivery *database.AlertDelivery, event *database.AlertEvent) error
}

// DeliveryConfig tunes retry behavior for delivery attempts
type DeliveryConfig struct {
	// MaxAttempts is the total number of send attempts before failed_final
	MaxAttempts int
	// BackoffBase is the delay after the first failure; it doubles per retry
	BackoffBase time.Duration
	// BackoffCap bounds the computed backoff
	BackoffCap time.Duration
	// SendTimeout bounds each individual Sender invocation
	SendTimeout time.Duration
}

// DefaultDeliveryConfig returns the production defaults
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxAttempts: 5,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
		SendTimeout: 30 * time.Second,
	}
}

// DeliveryService attempts sends for individual deliveries. It is safe for
// concurrent use across different deliveries; a single delivery is protected
// by the claim transition pending/failed -> in_progress, so two workers can
// never attempt the same row simultaneously.
type DeliveryService struct {
	db  *gorm.DB
	cfg DeliveryConfig

	mu      sync.RWMutex
	senders map[database.AlertChannel]Sender
}

// NewDeliveryService creates a new DeliveryService
func NewDeliveryService(db *gorm.DB, cfg DeliveryConfig) *DeliveryService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultDeliveryConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultDeliveryConfig().BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultDeliveryConfig().BackoffCap
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultDeliveryConfig().SendTimeout
	}
	return &DeliveryService{
		db:      db,
		cfg:     cfg,
		senders: make(map[database.AlertChannel]Sender),
	}
}

// RegisterSender registers the sender for its channel
func (s *DeliveryService) RegisterSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senders[sender.Channel()] = sender
}

// MaxAttempts returns the configured attempt ceiling
func (s *DeliveryService) MaxAttempts() int {
	return s.cfg.MaxAttempts
}

// Backoff computes the delay before the given retry (1-based failure count):
// base doubling per failure, capped.
func (s *DeliveryService) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := s.cfg.BackoffBase
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if d > s.cfg.BackoffCap {
		return s.cfg.BackoffCap
	}
	return d
}

// Attempt claims the delivery and performs one send. The send outcome (sent,
// failed with retry scheduled, or failed_final) is recorded on the row; the
// returned error covers store failures and lost claims only.
func (s *DeliveryService) Attempt(ctx context.Context, deliveryID uint) (*database.AlertDelivery, error) {
	// Claim: only one worker may move the row to in_progress.
	res := s.db.Model(&database.AlertDelivery{}).
		Where("id = ? AND status IN ?", deliveryID,
			[]database.DeliveryStatus{database.DeliveryStatusPending, database.DeliveryStatusFailed}).
		Update("status", database.DeliveryStatusInProgress)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim delivery %d: %w", deliveryID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrDeliveryClaimed
	}

	var delivery database.AlertDelivery
	if err := s.db.First(&delivery, deliveryID).Error; err != nil {
		return nil, fmt.Errorf("failed to load claimed delivery %d: %w", deliveryID, err)
	}
	var event database.AlertEvent
	if err := s.db.First(&event, delivery.EventID).Error; err != nil {
		return nil, fmt.Errorf("failed to load event for delivery %d: %w", deliveryID, err)
	}

	sendErr := s.send(ctx, &delivery, &event)
	now := time.Now()

	if sendErr == nil {
		updates := map[string]interface{}{
			"status":        database.DeliveryStatusSent,
			"attempted_at":  now,
			"delivered_at":  now,
			"next_retry_at": nil,
		}
		if err := s.db.Model(&delivery).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to record sent delivery %d: %w", deliveryID, err)
		}
	} else {
		retryCount := delivery.RetryCount + 1
		updates := map[string]interface{}{
			"attempted_at":   now,
			"failure_reason": sendErr.Error(),
			"retry_count":    retryCount,
		}
		if retryCount >= s.cfg.MaxAttempts {
			updates["status"] = database.DeliveryStatusFailedFinal
			updates["next_retry_at"] = nil
			log.Printf("Delivery %s exhausted %d attempts on channel %s: %v",
				delivery.UUID, retryCount, delivery.Channel, sendErr)
		} else {
			updates["status"] = database.DeliveryStatusFailed
			updates["next_retry_at"] = now.Add(s.Backoff(retryCount))
			log.Printf("Delivery %s failed (attempt %d/%d) on channel %s: %v",
				delivery.UUID, retryCount, s.cfg.MaxAttempts, delivery.Channel, sendErr)
		}
		if err := s.db.Model(&delivery).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to record failed delivery %d: %w", deliveryID, err)
		}
	}

	if err := s.db.First(&delivery, deliveryID).Error; err != nil {
		return nil, err
	}
	return &delivery, nil
}

// send invokes the channel sender under the configured timeout
func (s *DeliveryService) send(ctx context.Context, delivery *database.AlertDelivery, event *database.AlertEvent) error {
	s.mu.RLock()
	sender, ok := s.senders[delivery.Channel]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no sender registered for channel %s", delivery.Channel)
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	err := sender.Send(sctx, delivery, event)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("send timed out after %s: %w", s.cfg.SendTimeout, err)
	}
	return err
}
