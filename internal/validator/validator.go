package validator

import (
	"fmt"
	"regexp"

	"github.com/xeipuuv/gojsonschema"
)

// ruleSchema checks the shape of a rule document before it is decoded.
// Semantic checks (operator per kind, operand form) live in models.
const ruleSchema = `{
	"type": "object",
	"required": ["owner_id", "name", "conditions", "actions"],
	"properties": {
		"id": {"type": "string"},
		"owner_id": {"type": "string", "minLength": 1, "maxLength": 255},
		"name": {"type": "string", "minLength": 1, "maxLength": 200},
		"conditions": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["kind", "operator", "value"],
				"properties": {
					"kind": {"type": "string", "enum": ["fx_rate", "time", "weather", "geo_location", "balance"]},
					"operator": {"type": "string", "enum": ["gt", "lt", "eq", "gte", "lte", "in", "between"]},
					"value": {"type": ["number", "string", "array", "object"]},
					"pair": {"type": "string"},
					"zone": {"type": "string"},
					"field": {"type": "string", "enum": ["temperature", "condition"]},
					"token": {"type": "string"},
					"timezone": {"type": "string"}
				}
			}
		},
		"actions": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["kind"],
				"properties": {
					"kind": {"type": "string", "enum": ["transfer", "mint", "burn", "notify", "freeze", "split_payment"]},
					"token": {"type": "string"},
					"amount": {"type": ["string", "number"]},
					"recipient": {"type": "string"},
					"message": {"type": "string", "maxLength": 1000},
					"severity": {"type": "string", "enum": ["high", "critical"]},
					"recipients": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["recipient", "amount"],
							"properties": {
								"recipient": {"type": "string", "minLength": 1},
								"amount": {"type": ["string", "number"]}
							}
						}
					}
				}
			}
		}
	}
}`

var ownerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

// RuleValidator validates rule documents against JSON Schema
type RuleValidator struct {
	schema *gojsonschema.Schema
}

// NewRuleValidator compiles the rule schema
func NewRuleValidator() (*RuleValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(ruleSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile rule schema: %w", err)
	}
	return &RuleValidator{schema: schema}, nil
}

// ValidateDocument validates a raw JSON rule document
func (v *RuleValidator) ValidateDocument(doc []byte) error {
	return v.validate(gojsonschema.NewBytesLoader(doc))
}

// ValidateValue validates an already decoded document, such as YAML
// decoded into map[string]interface{}
func (v *RuleValidator) ValidateValue(doc interface{}) error {
	return v.validate(gojsonschema.NewGoLoader(doc))
}

func (v *RuleValidator) validate(loader gojsonschema.JSONLoader) error {
	result, err := v.schema.Validate(loader)
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		errors := make([]string, 0, len(result.Errors()))
		for _, err := range result.Errors() {
			errors = append(errors, err.String())
		}
		return fmt.Errorf("validation failed: %v", errors)
	}

	return nil
}

// ValidateOwnerID validates owner ID format
func ValidateOwnerID(ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if len(ownerID) > 255 {
		return fmt.Errorf("owner_id too long (max 255 chars)")
	}
	if !ownerIDPattern.MatchString(ownerID) {
		return fmt.Errorf("owner_id contains invalid characters")
	}
	return nil
}
