package rule

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aegis-decision-engine/autorule/internal/models"
	"github.com/aegis-decision-engine/autorule/internal/validator"
)

// Bundle is a YAML or JSON file of rules used for seeding
type Bundle struct {
	Rules []*models.Rule `yaml:"rules"`
}

// LoadFile loads a rule bundle from a YAML or JSON file
func LoadFile(path string, v *validator.RuleValidator) ([]*models.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return LoadBytes(data, v)
}

// LoadBytes parses a rule bundle. Each rule is checked against the rule
// schema when v is not nil.
func LoadBytes(data []byte, v *validator.RuleValidator) ([]*models.Rule, error) {
	if v != nil {
		var raw struct {
			Rules []map[string]interface{} `yaml:"rules"`
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		for i, doc := range raw.Rules {
			if err := v.ValidateValue(doc); err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
		}
	}

	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if len(bundle.Rules) == 0 {
		return nil, fmt.Errorf("rules file contains no rules")
	}

	for i, r := range bundle.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
	}
	return bundle.Rules, nil
}
