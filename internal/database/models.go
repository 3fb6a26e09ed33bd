package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return errors.New("type assertion to []byte failed")
	}
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// AlertType identifies one of the operational conditions the engine watches.
type AlertType string

const (
	AlertTypeMaintenanceDue    AlertType = "maintenance_due"
	AlertTypeInventoryLow      AlertType = "inventory_low"
	AlertTypeRunningHours      AlertType = "running_hours"
	AlertTypeCertificateExpiry AlertType = "certificate_expiry"
	AlertTypeBackupHealth      AlertType = "backup_health"
)

// ValidAlertTypes returns all supported alert types
func ValidAlertTypes() []AlertType {
	return []AlertType{
		AlertTypeMaintenanceDue,
		AlertTypeInventoryLow,
		AlertTypeRunningHours,
		AlertTypeCertificateExpiry,
		AlertTypeBackupHealth,
	}
}

// IsValid returns true if the alert type is one of the supported types
func (t AlertType) IsValid() bool {
	for _, v := range ValidAlertTypes() {
		if t == v {
			return true
		}
	}
	return false
}

// AlertSeverity represents the severity assigned to a policy and its events
type AlertSeverity string

const (
	AlertSeverityLow    AlertSeverity = "low"
	AlertSeverityMedium AlertSeverity = "medium"
	AlertSeverityHigh   AlertSeverity = "high"
)

// IsValid returns true if the severity is one of the known levels
func (s AlertSeverity) IsValid() bool {
	return s == AlertSeverityLow || s == AlertSeverityMedium || s == AlertSeverityHigh
}

// GetSeverityEmoji returns an emoji for the alert severity
func GetSeverityEmoji(severity AlertSeverity) string {
	switch severity {
	case AlertSeverityHigh:
		return ":red_circle:"
	case AlertSeverityMedium:
		return ":large_orange_circle:"
	case AlertSeverityLow:
		return ":large_yellow_circle:"
	default:
		return ":white_circle:"
	}
}

// AlertChannel identifies a delivery channel
type AlertChannel string

const (
	ChannelEmail AlertChannel = "email"
	ChannelInApp AlertChannel = "inapp"
	ChannelSlack AlertChannel = "slack"
)

// EventState represents the lifecycle state of an alert event.
// Transitions: active -> acknowledged -> resolved, or active -> resolved.
// No transition leaves resolved.
type EventState string

const (
	EventStateActive       EventState = "active"
	EventStateAcknowledged EventState = "acknowledged"
	EventStateResolved     EventState = "resolved"
)

// DeliveryStatus represents the lifecycle state of a single delivery attempt.
// Transitions: pending -> sent, or pending -> failed -> (retry) -> sent | failed_final.
type DeliveryStatus string

const (
	DeliveryStatusPending     DeliveryStatus = "pending"
	DeliveryStatusInProgress  DeliveryStatus = "in_progress"
	DeliveryStatusSent        DeliveryStatus = "sent"
	DeliveryStatusFailed      DeliveryStatus = "failed"
	DeliveryStatusFailedFinal DeliveryStatus = "failed_final"
)

// AlertPolicy is the per-alert-type notification configuration.
// Policies are edited through the admin API and read-only to the engine
// within a single evaluation cycle.
type AlertPolicy struct {
	ID              uint          `gorm:"primaryKey" json:"id"`
	AlertType       AlertType     `gorm:"type:varchar(50);uniqueIndex;not null" json:"alert_type"`
	Enabled         bool          `gorm:"default:false" json:"enabled"`
	Severity        AlertSeverity `gorm:"type:varchar(20);not null;default:'medium'" json:"severity"`
	CooldownMinutes int           `gorm:"not null;default:60" json:"cooldown_minutes"`
	EmailEnabled    bool          `gorm:"default:false" json:"email_enabled"`
	InAppEnabled    bool          `gorm:"default:true" json:"inapp_enabled"`
	SlackEnabled    bool          `gorm:"default:false" json:"slack_enabled"`
	Thresholds      JSONB         `gorm:"type:jsonb" json:"thresholds"`    // type-specific, parsed once per cycle
	ScopeFilters    JSONB         `gorm:"type:jsonb" json:"scope_filters"` // passed through to condition sources
	Recipients      JSONB         `gorm:"type:jsonb" json:"recipients"`    // {"roles": [...], "users": [...]}
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (AlertPolicy) TableName() string {
	return "alert_policies"
}

// Cooldown returns the policy cooldown as a duration
func (p *AlertPolicy) Cooldown() time.Duration {
	return time.Duration(p.CooldownMinutes) * time.Minute
}

// EnabledChannels returns the channels this policy delivers on
func (p *AlertPolicy) EnabledChannels() []AlertChannel {
	var channels []AlertChannel
	if p.EmailEnabled {
		channels = append(channels, ChannelEmail)
	}
	if p.InAppEnabled {
		channels = append(channels, ChannelInApp)
	}
	if p.SlackEnabled {
		channels = append(channels, ChannelSlack)
	}
	return channels
}

// AlertEvent is one deduplicated alert occurrence for a (policy, object) pair.
// Events are append-only history: they are resolved, never deleted.
//
// ActiveKey mirrors DedupeKey while the event is open (active or acknowledged)
// and is cleared on resolution. The unique index on it is what serializes
// concurrent event creation for the same dedupe key.
type AlertEvent struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	UUID           string        `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	PolicyID       uint          `gorm:"not null;index" json:"policy_id"`
	AlertType      AlertType     `gorm:"type:varchar(50);not null;index" json:"alert_type"`
	ObjectType     string        `gorm:"type:varchar(100);not null" json:"object_type"`
	ObjectID       string        `gorm:"type:varchar(100);not null" json:"object_id"`
	DedupeKey      string        `gorm:"type:varchar(64);not null;index" json:"dedupe_key"`
	ActiveKey      *string       `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	State          EventState    `gorm:"type:varchar(20);not null;default:'active';index" json:"state"`
	Severity       AlertSeverity `gorm:"type:varchar(20);not null" json:"severity"`
	IsTest         bool          `gorm:"default:false" json:"is_test"`
	Payload        JSONB         `gorm:"type:jsonb" json:"payload"`
	TriggeredAt    time.Time     `gorm:"not null;index" json:"triggered_at"`
	LastSeenAt     time.Time     `json:"last_seen_at"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string        `gorm:"type:varchar(100)" json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy     string        `gorm:"type:varchar(100)" json:"resolved_by,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`

	// Relationships
	Policy     AlertPolicy     `gorm:"foreignKey:PolicyID" json:"-"`
	Deliveries []AlertDelivery `gorm:"foreignKey:EventID" json:"deliveries,omitempty"`
}

func (AlertEvent) TableName() string {
	return "alert_events"
}

// BeforeCreate hook to set UUID and trigger timestamps
func (e *AlertEvent) BeforeCreate(tx *gorm.DB) error {
	if e.UUID == "" {
		e.UUID = uuid.New().String()
	}
	if e.TriggeredAt.IsZero() {
		e.TriggeredAt = time.Now()
	}
	if e.LastSeenAt.IsZero() {
		e.LastSeenAt = e.TriggeredAt
	}
	return nil
}

// IsOpen returns true while the event still blocks new events for its dedupe key
func (e *AlertEvent) IsOpen() bool {
	return e.State == EventStateActive || e.State == EventStateAcknowledged
}

// AlertDelivery is one attempted transmission of an event to one recipient
// over one channel. Deliveries belong to exactly one event and are retained
// for audit even after the event is resolved.
type AlertDelivery struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	UUID             string         `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	EventID          uint           `gorm:"not null;index" json:"event_id"`
	Channel          AlertChannel   `gorm:"type:varchar(20);not null" json:"channel"`
	RecipientID      string         `gorm:"type:varchar(100);not null" json:"recipient_id"`
	RecipientAddress string         `gorm:"type:varchar(255);not null" json:"recipient_address"`
	Status           DeliveryStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_delivery_retry" json:"status"`
	AttemptedAt      *time.Time     `json:"attempted_at,omitempty"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"`
	FailureReason    string         `gorm:"type:text" json:"failure_reason,omitempty"`
	RetryCount       int            `gorm:"not null;default:0" json:"retry_count"`
	NextRetryAt      *time.Time     `gorm:"index:idx_delivery_retry" json:"next_retry_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	// Belongs to AlertEvent
	Event AlertEvent `gorm:"foreignKey:EventID" json:"-"`
}

func (AlertDelivery) TableName() string {
	return "alert_deliveries"
}

// BeforeCreate hook to set UUID
func (d *AlertDelivery) BeforeCreate(tx *gorm.DB) error {
	if d.UUID == "" {
		d.UUID = uuid.New().String()
	}
	return nil
}

// IsTerminal returns true when no further attempts will be made
func (d *AlertDelivery) IsTerminal() bool {
	return d.Status == DeliveryStatusSent || d.Status == DeliveryStatusFailedFinal
}

// SlackSettings stores Slack integration configuration
type SlackSettings struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	BotToken       string    `gorm:"type:text" json:"bot_token"`
	DefaultChannel string    `gorm:"type:varchar(255)" json:"default_channel"`
	Enabled        bool      `gorm:"default:false" json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (SlackSettings) TableName() string {
	return "slack_settings"
}

// IsConfigured returns true if the bot token is set
func (s *SlackSettings) IsConfigured() bool {
	return s.BotToken != ""
}

// IsActive returns true if Slack is enabled and configured
func (s *SlackSettings) IsActive() bool {
	return s.Enabled && s.IsConfigured()
}

// InAppNotification is the persisted form of an in-app delivery, read by the
// UI's notification feed and pushed live over the websocket hub.
type InAppNotification struct {
	ID        uint          `gorm:"primaryKey" json:"id"`
	UserID    string        `gorm:"type:varchar(100);not null;index" json:"user_id"`
	EventUUID string        `gorm:"size:36;not null;index" json:"event_uuid"`
	AlertType AlertType     `gorm:"type:varchar(50);not null" json:"alert_type"`
	Severity  AlertSeverity `gorm:"type:varchar(20);not null" json:"severity"`
	Summary   string        `gorm:"type:text" json:"summary"`
	ReadAt    *time.Time    `json:"read_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

func (InAppNotification) TableName() string {
	return "inapp_notifications"
}
