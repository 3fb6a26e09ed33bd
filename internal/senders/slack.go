package senders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/fleetalert/fleetalert/internal/database"
	"github.com/slack-go/slack"
)

// SlackManager manages the Slack client lifecycle with hot-reload support:
// operators can change the bot token or disable the integration at runtime
// and the next reload picks it up without a restart.
type SlackManager struct {
	mu         sync.RWMutex
	client     *slack.Client
	reloadChan chan struct{}
}

// NewSlackManager creates a new Slack manager
func NewSlackManager() *SlackManager {
	return &SlackManager{
		reloadChan: make(chan struct{}, 1),
	}
}

// Client returns the current Slack client (nil when Slack is disabled)
func (m *SlackManager) Client() *slack.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Reload reads Slack settings from the database and rebuilds the client
func (m *SlackManager) Reload() error {
	settings, err := database.GetSlackSettings()
	if err != nil {
		log.Printf("SlackManager: Could not load Slack settings: %v", err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !settings.IsActive() {
		if m.client != nil {
			log.Printf("SlackManager: Slack is now disabled, dropping client")
		}
		m.client = nil
		return nil
	}

	m.client = slack.New(settings.BotToken)
	log.Printf("SlackManager: Slack integration is ACTIVE")
	return nil
}

// TriggerReload signals that a reload is needed (non-blocking)
func (m *SlackManager) TriggerReload() {
	select {
	case m.reloadChan <- struct{}{}:
	default:
	}
}

// WatchForReloads runs a loop that watches for reload signals
func (m *SlackManager) WatchForReloads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reloadChan:
			if err := m.Reload(); err != nil {
				log.Printf("SlackManager: Reload failed: %v", err)
			}
		}
	}
}

// SlackSender delivers alert events as Slack direct messages. The delivery's
// recipient address is the Slack user (or channel) id.
type SlackSender struct {
	manager *SlackManager
}

// NewSlackSender creates a new Slack sender
func NewSlackSender(manager *SlackManager) *SlackSender {
	return &SlackSender{manager: manager}
}

// Channel implements services.Sender
func (s *SlackSender) Channel() database.AlertChannel {
	return database.ChannelSlack
}

// Send implements services.Sender
func (s *SlackSender) Send(ctx context.Context, delivery *database.AlertDelivery, event *database.AlertEvent) error {
	client := s.manager.Client()
	if client == nil {
		return errors.New("slack is not configured")
	}

	text := fmt.Sprintf("%s *%s* alert for %s/%s\n%s",
		database.GetSeverityEmoji(event.Severity),
		event.AlertType,
		event.ObjectType, event.ObjectID,
		EventSummary(event))

	_, _, err := client.PostMessageContext(ctx, delivery.RecipientAddress,
		slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack post failed: %w", err)
	}
	return nil
}

// EventSummary renders the human-readable one-liner for an event payload.
// The payload is opaque to the engine; a "message" key is used when present.
func EventSummary(event *database.AlertEvent) string {
	if event.Payload != nil {
		if msg, ok := event.Payload["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("%s condition on %s %s", event.AlertType, event.ObjectType, event.ObjectID)
}
