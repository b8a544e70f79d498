package models

import (
	"fmt"
	"time"
)

// RuleStatus is the lifecycle state of a rule
type RuleStatus string

const (
	RuleStatusDraft    RuleStatus = "draft"
	RuleStatusDeployed RuleStatus = "deployed"
	RuleStatusPaused   RuleStatus = "paused"
	RuleStatusDisabled RuleStatus = "disabled"
)

// Rule is an owner-defined automation: when all conditions hold, the
// actions run in order.
type Rule struct {
	ID             string      `json:"id" yaml:"id"`
	OwnerID        string      `json:"owner_id" yaml:"owner_id"`
	Name           string      `json:"name" yaml:"name"`
	Conditions     []Condition `json:"conditions" yaml:"conditions"`
	Actions        []Action    `json:"actions" yaml:"actions"`
	Status         RuleStatus  `json:"status" yaml:"status"`
	LastExecuted   *time.Time  `json:"last_executed,omitempty" yaml:"-"`
	ExecutionCount int64       `json:"execution_count" yaml:"-"`
	CreatedAt      time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time   `json:"updated_at" yaml:"-"`
}

var transitions = map[RuleStatus][]RuleStatus{
	RuleStatusDraft:    {RuleStatusDeployed, RuleStatusDisabled},
	RuleStatusDeployed: {RuleStatusPaused, RuleStatusDisabled},
	RuleStatusPaused:   {RuleStatusDeployed, RuleStatusDisabled},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
// Disabled is terminal.
func CanTransition(from, to RuleStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate checks that the rule could be deployed
func (r *Rule) Validate() error {
	if r.OwnerID == "" {
		return ErrMissingOwner
	}
	if len(r.Conditions) == 0 {
		return ErrNoConditions
	}
	if len(r.Actions) == 0 {
		return ErrNoActions
	}

	for i, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	for i, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// Tokens returns the distinct token symbols referenced by the rule's actions
func (r *Rule) Tokens() []string {
	seen := make(map[string]bool)
	var tokens []string
	for _, a := range r.Actions {
		if a.Token != "" && !seen[a.Token] {
			seen[a.Token] = true
			tokens = append(tokens, a.Token)
		}
	}
	return tokens
}

// OracleTypes returns the oracle types the rule's conditions depend on
func (r *Rule) OracleTypes() []OracleType {
	seen := make(map[OracleType]bool)
	var types []OracleType
	for _, c := range r.Conditions {
		if t, ok := c.OracleType(); ok && !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	return types
}
