package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/harborcms/harbor/internal/services/engagement/domain"
	"github.com/harborcms/harbor/internal/services/engagement/schema"
	"github.com/harborcms/harbor/internal/services/engagement/shard"
)

// FileConfig is the deployment configuration file: shard topology, the
// activity catalog, the score policy, and the engageable entities.
type FileConfig struct {
	Shards     shard.Topology        `yaml:"shards"`
	Activities []domain.Activity     `yaml:"activities"`
	Score      domain.ScorePolicy    `yaml:"score"`
	Entities   []schema.EntityConfig `yaml:"entities"`
}

// LoadFileConfig reads and validates the YAML configuration file.
func LoadFileConfig(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read engagement config: %w", err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse engagement config: %w", err)
	}
	if err := cfg.Shards.Validate(); err != nil {
		return FileConfig{}, err
	}
	if len(cfg.Activities) == 0 {
		return FileConfig{}, fmt.Errorf("engagement config declares no activities")
	}
	for _, activity := range cfg.Activities {
		switch activity.Kind {
		case domain.KindToggle, domain.KindAuto, domain.KindRecordOnly:
		default:
			return FileConfig{}, fmt.Errorf("activity %q has unknown kind %q", activity.Name, activity.Kind)
		}
	}
	return cfg, nil
}

// ActivityCatalog maps the configured activities by name.
func (c FileConfig) ActivityCatalog() map[string]domain.Activity {
	catalog := make(map[string]domain.Activity, len(c.Activities))
	for _, activity := range c.Activities {
		catalog[activity.Name] = activity
	}
	return catalog
}

// CountedTypes lists the activity names attached to ranked listings.
func (c FileConfig) CountedTypes() []string {
	types := make([]string, 0, len(c.Activities))
	for _, activity := range c.Activities {
		types = append(types, activity.Name)
	}
	return types
}
