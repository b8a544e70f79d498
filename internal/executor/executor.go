// Package executor performs rule actions against the ledger, the
// notification store and the compliance channel. It always returns a
// structured outcome; errors and panics never escape to the caller.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-decision-engine/autorule/internal/ledger"
	"github.com/aegis-decision-engine/autorule/internal/models"
)

// NotificationStore persists owner notifications
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// ComplianceSink receives compliance events
type ComplianceSink interface {
	PublishCompliance(ctx context.Context, event *models.ComplianceEvent) error
}

// ActionOutcome is the result of one action
type ActionOutcome struct {
	Kind    models.ActionKind `json:"kind"`
	Success bool              `json:"success"`
	Reason  string            `json:"reason,omitempty"`
	// Indeterminate means the ledger may have applied the call even though
	// it is reported as failed
	Indeterminate bool     `json:"indeterminate,omitempty"`
	TxRefs        []string `json:"tx_refs,omitempty"`
}

// SequenceOutcome is the result of a rule's ordered action list
type SequenceOutcome struct {
	Success bool
	// FailedIndex is the action that stopped the sequence, or -1
	FailedIndex int
	Outcomes    []ActionOutcome
}

// Reason returns the failure reason of the stopping action
func (s SequenceOutcome) Reason() string {
	if s.FailedIndex < 0 || s.FailedIndex >= len(s.Outcomes) {
		return ""
	}
	return fmt.Sprintf("action %d (%s) failed: %s", s.FailedIndex, s.Outcomes[s.FailedIndex].Kind, s.Outcomes[s.FailedIndex].Reason)
}

// Indeterminate reports whether any attempted action may have applied
// despite failing
func (s SequenceOutcome) Indeterminate() bool {
	for _, o := range s.Outcomes {
		if o.Indeterminate {
			return true
		}
	}
	return false
}

// TxRefs collects every ledger reference produced by the sequence
func (s SequenceOutcome) TxRefs() []string {
	var refs []string
	for _, o := range s.Outcomes {
		refs = append(refs, o.TxRefs...)
	}
	return refs
}

// Config holds executor settings
type Config struct {
	LedgerTimeout time.Duration
}

// Executor runs actions
type Executor struct {
	ledger        ledger.Client
	accounts      ledger.AddressResolver
	notifications NotificationStore
	compliance    ComplianceSink
	ledgerTimeout time.Duration
	logger        *slog.Logger
}

// New creates an executor
func New(
	ledgerClient ledger.Client,
	accounts ledger.AddressResolver,
	notifications NotificationStore,
	compliance ComplianceSink,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 15 * time.Second
	}
	return &Executor{
		ledger:        ledgerClient,
		accounts:      accounts,
		notifications: notifications,
		compliance:    compliance,
		ledgerTimeout: cfg.LedgerTimeout,
		logger:        logger,
	}
}

// IdempotencyKey derives the ledger key of one ledger call. It depends
// only on the rule's fire number and the call's position, so a retry of
// the same fire reuses the key and the next fire gets a new one.
func IdempotencyKey(ruleID string, executionCount int64, actionIndex, subIndex int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%d", ruleID, executionCount, actionIndex, subIndex)))
	return hex.EncodeToString(sum[:])
}

// ExecuteSequence runs the rule's actions in order and stops at the
// first failure. Completed actions are not undone.
func (e *Executor) ExecuteSequence(ctx context.Context, rule *models.Rule) SequenceOutcome {
	result := SequenceOutcome{Success: true, FailedIndex: -1}

	for i := range rule.Actions {
		outcome := e.Execute(ctx, rule, i)
		result.Outcomes = append(result.Outcomes, outcome)
		if !outcome.Success {
			result.Success = false
			result.FailedIndex = i
			e.logger.Warn("action sequence stopped",
				"rule_id", rule.ID,
				"action_index", i,
				"remaining", len(rule.Actions)-i-1,
				"reason", outcome.Reason,
			)
			break
		}
	}
	return result
}

// Execute runs the action at index of rule
func (e *Executor) Execute(ctx context.Context, rule *models.Rule, index int) (outcome ActionOutcome) {
	if index < 0 || index >= len(rule.Actions) {
		return ActionOutcome{Reason: fmt.Sprintf("action index %d out of range", index)}
	}
	action := rule.Actions[index]
	outcome.Kind = action.Kind

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("action panicked",
				"rule_id", rule.ID,
				"action_index", index,
				"kind", action.Kind,
				"panic", r,
			)
			outcome = ActionOutcome{Kind: action.Kind, Reason: fmt.Sprintf("action panicked: %v", r)}
		}
	}()

	if err := action.Validate(); err != nil {
		outcome.Reason = err.Error()
		return outcome
	}

	start := time.Now()
	switch action.Kind {
	case models.ActionTransfer, models.ActionMint, models.ActionBurn:
		outcome = e.executeLedger(ctx, rule, action, index)
	case models.ActionSplitPayment:
		outcome = e.executeSplit(ctx, rule, action, index)
	case models.ActionNotify:
		outcome = e.executeNotify(ctx, rule, action)
	case models.ActionFreeze:
		outcome = e.executeFreeze(ctx, rule, action)
	default:
		outcome.Reason = fmt.Sprintf("unsupported action kind %q", action.Kind)
	}
	outcome.Kind = action.Kind

	e.logger.Info("action executed",
		"rule_id", rule.ID,
		"owner_id", rule.OwnerID,
		"action_index", index,
		"kind", action.Kind,
		"success", outcome.Success,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return outcome
}

func (e *Executor) executeLedger(ctx context.Context, rule *models.Rule, action models.Action, index int) ActionOutcome {
	from, err := e.accounts.LedgerAddress(ctx, rule.OwnerID)
	if err != nil {
		return ActionOutcome{Reason: fmt.Sprintf("failed to resolve owner ledger address: %v", err)}
	}

	key := IdempotencyKey(rule.ID, rule.ExecutionCount, index, 0)
	res, err := e.callLedger(ctx, func(ctx context.Context) (ledger.TxResult, error) {
		switch action.Kind {
		case models.ActionMint:
			to := action.Recipient
			if to == "" {
				to = from
			}
			return e.ledger.Mint(ctx, ledger.MintRequest{Token: action.Token, To: to, Amount: action.Amount, IdempotencyKey: key})
		case models.ActionBurn:
			return e.ledger.Burn(ctx, ledger.BurnRequest{Token: action.Token, From: from, Amount: action.Amount, IdempotencyKey: key})
		default:
			return e.ledger.Transfer(ctx, ledger.TransferRequest{
				Token: action.Token, From: from, To: action.Recipient, Amount: action.Amount, IdempotencyKey: key,
			})
		}
	})
	if err != nil {
		return ledgerFailure(err, "")
	}
	return ActionOutcome{Success: true, TxRefs: []string{res.TxRef}}
}

// executeSplit performs one transfer per recipient in order. Transfers
// that completed before a failure stay applied.
func (e *Executor) executeSplit(ctx context.Context, rule *models.Rule, action models.Action, index int) ActionOutcome {
	from, err := e.accounts.LedgerAddress(ctx, rule.OwnerID)
	if err != nil {
		return ActionOutcome{Reason: fmt.Sprintf("failed to resolve owner ledger address: %v", err)}
	}

	var refs []string
	for sub, leg := range action.Recipients {
		key := IdempotencyKey(rule.ID, rule.ExecutionCount, index, sub)
		res, err := e.callLedger(ctx, func(ctx context.Context) (ledger.TxResult, error) {
			return e.ledger.Transfer(ctx, ledger.TransferRequest{
				Token: action.Token, From: from, To: leg.Recipient, Amount: leg.Amount, IdempotencyKey: key,
			})
		})
		if err != nil {
			out := ledgerFailure(err, fmt.Sprintf("split leg %d to %s failed after %d of %d transfers completed",
				sub, leg.Recipient, len(refs), len(action.Recipients)))
			out.TxRefs = refs
			return out
		}
		refs = append(refs, res.TxRef)
	}
	return ActionOutcome{Success: true, TxRefs: refs}
}

func (e *Executor) callLedger(ctx context.Context, fn func(context.Context) (ledger.TxResult, error)) (ledger.TxResult, error) {
	if e.ledger == nil {
		return ledger.TxResult{}, fmt.Errorf("ledger client not configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, e.ledgerTimeout)
	defer cancel()
	return fn(callCtx)
}

func ledgerFailure(err error, prefix string) ActionOutcome {
	reason := err.Error()
	indeterminate := ledger.IsIndeterminate(err)
	switch {
	case ledger.IsTimeout(err):
		reason = "ledger call timed out, outcome unknown: " + reason
	case indeterminate:
		reason = "ledger gateway failed, outcome unknown: " + reason
	}
	if prefix != "" {
		reason = prefix + ": " + reason
	}
	return ActionOutcome{Reason: reason, Indeterminate: indeterminate}
}

func (e *Executor) executeNotify(ctx context.Context, rule *models.Rule, action models.Action) ActionOutcome {
	if e.notifications == nil {
		return ActionOutcome{Reason: "notification store unavailable"}
	}
	n := &models.Notification{
		ID:        uuid.NewString(),
		OwnerID:   rule.OwnerID,
		RuleID:    rule.ID,
		Message:   action.Message,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.notifications.CreateNotification(ctx, n); err != nil {
		return ActionOutcome{Reason: fmt.Sprintf("failed to store notification: %v", err)}
	}
	return ActionOutcome{Success: true}
}

func (e *Executor) executeFreeze(ctx context.Context, rule *models.Rule, action models.Action) ActionOutcome {
	if e.compliance == nil {
		return ActionOutcome{Reason: "compliance channel unavailable"}
	}
	severity := strings.ToLower(action.Severity)
	if severity == "" {
		severity = models.SeverityHigh
	}
	event := &models.ComplianceEvent{
		ID:        uuid.NewString(),
		Type:      models.ComplianceFreezeRequested,
		Severity:  severity,
		RuleID:    rule.ID,
		OwnerID:   rule.OwnerID,
		Reason:    fmt.Sprintf("rule %q requested an account freeze", rule.Name),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.compliance.PublishCompliance(ctx, event); err != nil {
		return ActionOutcome{Reason: fmt.Sprintf("failed to publish compliance event: %v", err)}
	}
	return ActionOutcome{Success: true}
}
