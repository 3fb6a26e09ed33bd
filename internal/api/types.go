package api

import (
	"github.com/fleetalert/fleetalert/internal/database"
)

// ========== Policy Types ==========

// UpdatePolicyRequest is the request body for PUT /api/policies/:id.
// Pointer fields distinguish "leave unchanged" from explicit zero values.
type UpdatePolicyRequest struct {
	Enabled         *bool          `json:"enabled"`
	Severity        *string        `json:"severity" validate:"omitnil,oneof=low medium high"`
	CooldownMinutes *int           `json:"cooldown_minutes" validate:"omitnil,gte=1,lte=525600"`
	EmailEnabled    *bool          `json:"email_enabled"`
	InAppEnabled    *bool          `json:"inapp_enabled"`
	SlackEnabled    *bool          `json:"slack_enabled"`
	Thresholds      database.JSONB `json:"thresholds"`
	ScopeFilters    database.JSONB `json:"scope_filters"`
	Recipients      database.JSONB `json:"recipients"`
}

// ========== Event Types ==========

// AcknowledgeResponse is returned by POST /api/events/:uuid/acknowledge.
type AcknowledgeResponse struct {
	Event        *database.AlertEvent `json:"event"`
	AlreadyAcked bool                 `json:"already_acknowledged"`
}
