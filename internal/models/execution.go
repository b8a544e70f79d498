package models

import "time"

// Outcome is the result recorded for one rule in one evaluation pass
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// ExecutionRecord is an append-only audit entry answering why a rule did
// or did not fire at a point in time.
type ExecutionRecord struct {
	ID              string    `json:"id" db:"id"`
	RuleID          string    `json:"rule_id" db:"rule_id"`
	OwnerID         string    `json:"owner_id" db:"owner_id"`
	TickID          string    `json:"tick_id" db:"tick_id"`
	Outcome         Outcome   `json:"outcome" db:"outcome"`
	Reason          string    `json:"reason" db:"reason"`
	FailedCondition *int      `json:"failed_condition,omitempty" db:"failed_condition"`
	FailedAction    *int      `json:"failed_action,omitempty" db:"failed_action"`
	Indeterminate   bool      `json:"indeterminate" db:"indeterminate"`
	TxRefs          []string  `json:"tx_refs,omitempty" db:"tx_refs"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// RuleError is a failure surfaced in a tick summary. Oracle stage errors
// belong to the pass, not to a rule.
type RuleError struct {
	RuleID  string `json:"rule_id,omitempty"`
	OwnerID string `json:"owner_id,omitempty"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Failure stages
const (
	StageEvaluate = "evaluate"
	StageExecute  = "execute"
	StageRecord   = "record"
	StageUpdate   = "update"
	StageLock     = "lock"
	StageLoad     = "load"
	StageOracle   = "oracle"
)

// TickSummary aggregates one evaluation pass
type TickSummary struct {
	TickID     string      `json:"tick_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Total      int         `json:"total"`
	Evaluated  int         `json:"evaluated"`
	Executed   int         `json:"executed"`
	Failed     int         `json:"failed"`
	Errors     []RuleError `json:"errors"`
}

// RulePreview is the dry evaluation of one rule for its owner
type RulePreview struct {
	RuleID          string     `json:"rule_id"`
	RuleName        string     `json:"rule_name"`
	WouldExecute    bool       `json:"would_execute"`
	LastExecuted    *time.Time `json:"last_executed,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	FailedCondition *int       `json:"failed_condition,omitempty"`
}

// Status is the health aggregate used by dashboards
type Status struct {
	LastRun           *time.Time `json:"last_run,omitempty"`
	ActiveRuleCount   int        `json:"active_rule_count"`
	ExecutionsLast24h int64      `json:"executions_last_24h"`
}
