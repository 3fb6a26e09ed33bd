package senders

import (
	"context"
	"fmt"

	"github.com/fleetalert/fleetalert/internal/database"
	"gorm.io/gorm"
)

// InAppSender delivers alert events to the application's notification feed:
// a row in inapp_notifications plus a best-effort live push through the hub.
// The delivery's recipient address is the application user id.
type InAppSender struct {
	db  *gorm.DB
	hub *Hub
}

// NewInAppSender creates a new in-app sender
func NewInAppSender(db *gorm.DB, hub *Hub) *InAppSender {
	return &InAppSender{db: db, hub: hub}
}

// Channel implements services.Sender
func (s *InAppSender) Channel() database.AlertChannel {
	return database.ChannelInApp
}

// Send implements services.Sender
func (s *InAppSender) Send(ctx context.Context, delivery *database.AlertDelivery, event *database.AlertEvent) error {
	notification := &database.InAppNotification{
		UserID:    delivery.RecipientAddress,
		EventUUID: event.UUID,
		AlertType: event.AlertType,
		Severity:  event.Severity,
		Summary:   EventSummary(event),
	}
	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		return fmt.Errorf("failed to store in-app notification: %w", err)
	}

	if s.hub != nil {
		s.hub.Broadcast(notification)
	}
	return nil
}
