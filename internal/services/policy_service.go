package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/fleetalert/fleetalert/internal/database"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// PolicyService manages alert policy configuration. The engine reads policies
// fresh at the start of every evaluation cycle; there is no in-process cache.
type PolicyService struct {
	db *gorm.DB
}

// NewPolicyService creates a new PolicyService
func NewPolicyService(db *gorm.DB) *PolicyService {
	return &PolicyService{db: db}
}

// ListPolicies returns all policies ordered by alert type
func (s *PolicyService) ListPolicies() ([]database.AlertPolicy, error) {
	var policies []database.AlertPolicy
	err := s.db.Order("alert_type ASC").Find(&policies).Error
	return policies, err
}

// ListEnabled returns all enabled policies
func (s *PolicyService) ListEnabled() ([]database.AlertPolicy, error) {
	var policies []database.AlertPolicy
	err := s.db.Where("enabled = ?", true).Order("alert_type ASC").Find(&policies).Error
	return policies, err
}

// GetPolicy retrieves a policy by ID
func (s *PolicyService) GetPolicy(id uint) (*database.AlertPolicy, error) {
	var policy database.AlertPolicy
	if err := s.db.First(&policy, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	return &policy, nil
}

// GetPolicyByType retrieves a policy by alert type
func (s *PolicyService) GetPolicyByType(alertType database.AlertType) (*database.AlertPolicy, error) {
	var policy database.AlertPolicy
	if err := s.db.Where("alert_type = ?", alertType).First(&policy).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	return &policy, nil
}

// UpdatePolicy updates a policy's configuration fields
func (s *PolicyService) UpdatePolicy(id uint, updates map[string]interface{}) (*database.AlertPolicy, error) {
	res := s.db.Model(&database.AlertPolicy{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrPolicyNotFound
	}
	return s.GetPolicy(id)
}

// EnsureDefaultPolicies creates a disabled default policy row for every alert
// type that does not have one yet, so the admin UI always has a full set to edit.
func (s *PolicyService) EnsureDefaultPolicies() error {
	for _, alertType := range database.ValidAlertTypes() {
		var existing database.AlertPolicy
		err := s.db.Where("alert_type = ?", alertType).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		policy := database.AlertPolicy{
			AlertType:       alertType,
			Enabled:         false,
			Severity:        database.AlertSeverityMedium,
			CooldownMinutes: 60,
			InAppEnabled:    true,
		}
		if err := s.db.Create(&policy).Error; err != nil {
			return fmt.Errorf("failed to create default policy for %s: %w", alertType, err)
		}
		log.Printf("Created default policy for alert type: %s (disabled)", alertType)
	}
	return nil
}

// ========== Threshold parsing ==========

// Threshold parameters are stored as an opaque JSONB map per policy but parsed
// into one concrete struct per alert type before they reach a condition source.

// MaintenanceDueThresholds configures the maintenance due-date check
type MaintenanceDueThresholds struct {
	DaysAhead int `json:"days_ahead"`
}

// InventoryLowThresholds configures the spare-part stock check
type InventoryLowThresholds struct {
	MinQuantity float64 `json:"min_quantity"`
}

// RunningHoursThresholds configures the running-hours service check
type RunningHoursThresholds struct {
	HoursBeforeService float64 `json:"hours_before_service"`
}

// CertificateExpiryThresholds configures the certificate expiration check
type CertificateExpiryThresholds struct {
	DaysAhead int `json:"days_ahead"`
}

// BackupHealthThresholds configures the backup freshness check
type BackupHealthThresholds struct {
	MaxAgeHours int `json:"max_age_hours"`
}

// ParseThresholds decodes a policy's threshold map into the concrete struct
// for its alert type. Missing fields keep their zero values; condition sources
// apply their own defaults.
func ParseThresholds(policy *database.AlertPolicy) (interface{}, error) {
	raw, err := json.Marshal(policy.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode thresholds for policy %d: %w", policy.ID, err)
	}

	var out interface{}
	switch policy.AlertType {
	case database.AlertTypeMaintenanceDue:
		out = &MaintenanceDueThresholds{}
	case database.AlertTypeInventoryLow:
		out = &InventoryLowThresholds{}
	case database.AlertTypeRunningHours:
		out = &RunningHoursThresholds{}
	case database.AlertTypeCertificateExpiry:
		out = &CertificateExpiryThresholds{}
	case database.AlertTypeBackupHealth:
		out = &BackupHealthThresholds{}
	default:
		return nil, fmt.Errorf("unknown alert type: %s", policy.AlertType)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("invalid thresholds for policy %d (%s): %w", policy.ID, policy.AlertType, err)
	}
	return out, nil
}

// RecipientSpec is the parsed form of a policy's recipient configuration
type RecipientSpec struct {
	Roles []string `json:"roles"`
	Users []string `json:"users"`
}

// ParseRecipients decodes a policy's recipient map
func ParseRecipients(policy *database.AlertPolicy) RecipientSpec {
	var spec RecipientSpec
	if policy.Recipients == nil {
		return spec
	}
	raw, err := json.Marshal(policy.Recipients)
	if err != nil {
		return spec
	}
	// Best effort: malformed entries resolve to an empty spec, which dispatch
	// reports as zero deliveries rather than failing the cycle.
	_ = json.Unmarshal(raw, &spec)
	return spec
}

// ========== Seeding ==========

// seedFile is the YAML layout of the policy/recipient seed file
type seedFile struct {
	Policies []struct {
		AlertType       string                 `yaml:"alert_type"`
		Enabled         bool                   `yaml:"enabled"`
		Severity        string                 `yaml:"severity"`
		CooldownMinutes int                    `yaml:"cooldown_minutes"`
		Channels        []string               `yaml:"channels"`
		Thresholds      map[string]interface{} `yaml:"thresholds"`
		ScopeFilters    map[string]interface{} `yaml:"scope_filters"`
		Recipients      struct {
			Roles []string `yaml:"roles"`
			Users []string `yaml:"users"`
		} `yaml:"recipients"`
	} `yaml:"policies"`
	Recipients []SeedRecipient `yaml:"recipients"`
}

// SeedRecipient is one entry in the seed file's recipient directory
type SeedRecipient struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Email   string   `yaml:"email"`
	SlackID string   `yaml:"slack_id"`
	Roles   []string `yaml:"roles"`
}

// SeedFromFile loads policies from a YAML seed file, creating or updating the
// policy row per alert type. It returns the recipient directory from the same
// file for use by the static recipient resolver.
func (s *PolicyService) SeedFromFile(path string) ([]SeedRecipient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	for _, p := range seed.Policies {
		alertType := database.AlertType(p.AlertType)
		if !alertType.IsValid() {
			return nil, fmt.Errorf("seed file references unknown alert type: %s", p.AlertType)
		}

		severity := database.AlertSeverity(p.Severity)
		if !severity.IsValid() {
			severity = database.AlertSeverityMedium
		}

		cooldown := p.CooldownMinutes
		if cooldown <= 0 {
			cooldown = 60
		}

		policy := database.AlertPolicy{
			AlertType:       alertType,
			Enabled:         p.Enabled,
			Severity:        severity,
			CooldownMinutes: cooldown,
			Thresholds:      database.JSONB(p.Thresholds),
			ScopeFilters:    database.JSONB(p.ScopeFilters),
			Recipients: database.JSONB{
				"roles": p.Recipients.Roles,
				"users": p.Recipients.Users,
			},
		}
		for _, ch := range p.Channels {
			switch database.AlertChannel(ch) {
			case database.ChannelEmail:
				policy.EmailEnabled = true
			case database.ChannelInApp:
				policy.InAppEnabled = true
			case database.ChannelSlack:
				policy.SlackEnabled = true
			default:
				return nil, fmt.Errorf("seed file references unknown channel: %s", ch)
			}
		}

		var existing database.AlertPolicy
		err := s.db.Where("alert_type = ?", alertType).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := s.db.Create(&policy).Error; err != nil {
				return nil, fmt.Errorf("failed to seed policy %s: %w", alertType, err)
			}
			log.Printf("Seeded policy for alert type: %s", alertType)
			continue
		}
		if err != nil {
			return nil, err
		}

		policy.ID = existing.ID
		if err := s.db.Save(&policy).Error; err != nil {
			return nil, fmt.Errorf("failed to update seeded policy %s: %w", alertType, err)
		}
		log.Printf("Updated policy from seed file: %s", alertType)
	}

	return seed.Recipients, nil
}
