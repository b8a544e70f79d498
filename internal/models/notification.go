package models

import "time"

// Notification is a message written for a rule owner by a notify action
type Notification struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	RuleID    string    `json:"rule_id" db:"rule_id"`
	Message   string    `json:"message" db:"message"`
	Read      bool      `json:"read" db:"read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Compliance severities
const (
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Compliance event types
const (
	ComplianceFreezeRequested = "freeze_requested"
	ComplianceRuleFailed      = "rule_failed"
)

// ComplianceEvent records intent for external compliance tooling. It never
// changes account state by itself.
type ComplianceEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	RuleID    string    `json:"rule_id"`
	OwnerID   string    `json:"owner_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
