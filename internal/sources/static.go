package sources

import (
	"context"
	"fmt"
	"os"

	"github.com/fleetalert/fleetalert/internal/database"
	"github.com/fleetalert/fleetalert/internal/services"
	"gopkg.in/yaml.v3"
)

// StaticSource serves candidate conditions for one alert type from a YAML
// file. Production deployments register their own sources against live data;
// the file source covers demos, integration environments, and hosts that
// export their facts as a file drop.
//
// The file is re-read on every cycle, so edits take effect on the next sweep.
type StaticSource struct {
	alertType database.AlertType
	path      string
}

// NewStaticSource creates a file-backed condition source for an alert type
func NewStaticSource(alertType database.AlertType, path string) *StaticSource {
	return &StaticSource{alertType: alertType, path: path}
}

// AlertType implements services.ConditionSource
func (s *StaticSource) AlertType() database.AlertType {
	return s.alertType
}

// conditionsFile is the YAML layout: a map of alert type to condition entries
type conditionsFile struct {
	Conditions map[string][]struct {
		ObjectType string                 `yaml:"object_type"`
		ObjectID   string                 `yaml:"object_id"`
		Severity   string                 `yaml:"severity"`
		Payload    map[string]interface{} `yaml:"payload"`
	} `yaml:"conditions"`
}

// FetchCandidates implements services.ConditionSource
func (s *StaticSource) FetchCandidates(ctx context.Context, policy *database.AlertPolicy) ([]services.Condition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read conditions file: %w", err)
	}

	var file conditionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse conditions file: %w", err)
	}

	entries := file.Conditions[string(s.alertType)]
	conditions := make([]services.Condition, 0, len(entries))
	for _, e := range entries {
		if e.ObjectType == "" || e.ObjectID == "" {
			return nil, fmt.Errorf("conditions file entry for %s is missing object_type or object_id", s.alertType)
		}
		severity := database.AlertSeverity(e.Severity)
		if !severity.IsValid() {
			severity = policy.Severity
		}
		conditions = append(conditions, services.Condition{
			ObjectType: e.ObjectType,
			ObjectID:   e.ObjectID,
			Severity:   severity,
			Payload:    database.JSONB(e.Payload),
		})
	}
	return conditions, nil
}
