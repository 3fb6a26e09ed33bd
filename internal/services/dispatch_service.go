package services

import (
	"fmt"
	"log"

	"github.com/fleetalert/fleetalert/internal/database"
	"gorm.io/gorm"
)

// Recipient is a concrete addressable notification target
type Recipient struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	SlackID string `json:"slack_id"`
}

// RecipientResolver maps a policy's role names and explicit user ids to
// concrete recipients. Implemented outside the engine (user directory,
// seed file, ...).
type RecipientResolver interface {
	Resolve(roles []string, users []string) ([]Recipient, error)
}

// DispatchService fans a newly created event out to the policy's enabled
// channels, persisting one pending delivery row per (channel, recipient)
// before any send happens. A crash after dispatch is recoverable: the retry
// scheduler rescues stale pending rows.
type DispatchService struct {
	db       *gorm.DB
	resolver RecipientResolver
}

// NewDispatchService creates a new DispatchService
func NewDispatchService(db *gorm.DB, resolver RecipientResolver) *DispatchService {
	return &DispatchService{db: db, resolver: resolver}
}

// Dispatch creates pending deliveries for the event. An empty resolved
// recipient set is reported, not an error: the event stays active with zero
// deliveries and the gap is visible through the read path.
func (s *DispatchService) Dispatch(event *database.AlertEvent, policy *database.AlertPolicy) ([]database.AlertDelivery, error) {
	spec := ParseRecipients(policy)
	recipients, err := s.resolver.Resolve(spec.Roles, spec.Users)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipients for policy %d: %w", policy.ID, err)
	}
	recipients = dedupeRecipients(recipients)

	if len(recipients) == 0 {
		log.Printf("Dispatch: no recipients resolved for policy %d (%s), event %s gets zero deliveries",
			policy.ID, policy.AlertType, event.UUID)
		return nil, nil
	}

	channels := policy.EnabledChannels()
	if len(channels) == 0 {
		log.Printf("Dispatch: no channels enabled on policy %d (%s), event %s gets zero deliveries",
			policy.ID, policy.AlertType, event.UUID)
		return nil, nil
	}

	var deliveries []database.AlertDelivery
	for _, channel := range channels {
		for _, rcpt := range recipients {
			address := channelAddress(channel, rcpt)
			if address == "" {
				log.Printf("Dispatch: recipient %s has no %s address, skipping", rcpt.ID, channel)
				continue
			}
			deliveries = append(deliveries, database.AlertDelivery{
				EventID:          event.ID,
				Channel:          channel,
				RecipientID:      rcpt.ID,
				RecipientAddress: address,
				Status:           database.DeliveryStatusPending,
			})
		}
	}

	if len(deliveries) == 0 {
		return nil, nil
	}

	// Persist every row before any worker touches them.
	err = s.db.Transaction(func(tx *gorm.DB) error {
		for i := range deliveries {
			if err := tx.Create(&deliveries[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist deliveries for event %s: %w", event.UUID, err)
	}

	return deliveries, nil
}

// dedupeRecipients drops duplicate ids; role membership and explicit user
// lists commonly overlap
func dedupeRecipients(recipients []Recipient) []Recipient {
	seen := make(map[string]bool, len(recipients))
	var out []Recipient
	for _, r := range recipients {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

// channelAddress picks the address a channel's sender needs
func channelAddress(channel database.AlertChannel, rcpt Recipient) string {
	switch channel {
	case database.ChannelEmail:
		return rcpt.Email
	case database.ChannelInApp:
		return rcpt.ID
	case database.ChannelSlack:
		return rcpt.SlackID
	default:
		return ""
	}
}

// StaticRecipientResolver resolves recipients against a fixed directory,
// typically loaded from the seed file.
type StaticRecipientResolver struct {
	byID   map[string]Recipient
	byRole map[string][]Recipient
}

// NewStaticRecipientResolver builds a resolver from seed file entries
func NewStaticRecipientResolver(entries []SeedRecipient) *StaticRecipientResolver {
	r := &StaticRecipientResolver{
		byID:   make(map[string]Recipient),
		byRole: make(map[string][]Recipient),
	}
	for _, e := range entries {
		rcpt := Recipient{ID: e.ID, Name: e.Name, Email: e.Email, SlackID: e.SlackID}
		r.byID[e.ID] = rcpt
		for _, role := range e.Roles {
			r.byRole[role] = append(r.byRole[role], rcpt)
		}
	}
	return r
}

// Resolve implements RecipientResolver
func (r *StaticRecipientResolver) Resolve(roles []string, users []string) ([]Recipient, error) {
	var out []Recipient
	for _, role := range roles {
		out = append(out, r.byRole[role]...)
	}
	for _, id := range users {
		if rcpt, ok := r.byID[id]; ok {
			out = append(out, rcpt)
		} else {
			// Unknown explicit ids still get an in-app address so test sends
			// and freshly added users are not silently dropped.
			out = append(out, Recipient{ID: id})
		}
	}
	return out, nil
}
