// Package notification routes compliance events and failed-fire alerts to
// the event stream and Slack.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-decision-engine/autorule/internal/models"
)

// EventSink is the durable compliance stream (Kafka in production)
type EventSink interface {
	PublishCompliance(ctx context.Context, ev *models.ComplianceEvent) error
}

// ComplianceRouter publishes a compliance event to the stream and mirrors
// it to Slack. Only a stream failure fails the publish.
type ComplianceRouter struct {
	sink   EventSink
	slack  *SlackNotifier
	logger *slog.Logger
}

// NewComplianceRouter creates a router. Either target may be nil, not both.
func NewComplianceRouter(sink EventSink, slack *SlackNotifier, logger *slog.Logger) *ComplianceRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ComplianceRouter{sink: sink, slack: slack, logger: logger}
}

// PublishCompliance implements executor.ComplianceSink
func (r *ComplianceRouter) PublishCompliance(ctx context.Context, ev *models.ComplianceEvent) error {
	if r.sink == nil && r.slack == nil {
		return errors.New("no compliance channel configured")
	}

	if r.sink != nil {
		if err := r.sink.PublishCompliance(ctx, ev); err != nil {
			return err
		}
	}

	if r.slack != nil {
		if err := r.slack.NotifyCompliance(ctx, ev); err != nil {
			if r.sink == nil {
				return err
			}
			r.logger.Warn("failed to mirror compliance event to slack", "event_id", ev.ID, "error", err)
		}
	}
	return nil
}

// FailureAlerter reports failed fires. Delivery errors are logged and
// never affect the rule's recorded outcome.
type FailureAlerter struct {
	sink   EventSink
	slack  *SlackNotifier
	logger *slog.Logger
}

// NewFailureAlerter creates an alerter. Nil targets are skipped.
func NewFailureAlerter(sink EventSink, slack *SlackNotifier, logger *slog.Logger) *FailureAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureAlerter{sink: sink, slack: slack, logger: logger}
}

// RuleFailed implements engine.Alerter
func (a *FailureAlerter) RuleFailed(ctx context.Context, rule *models.Rule, rec *models.ExecutionRecord) {
	severity := models.SeverityHigh
	if rec.Indeterminate {
		severity = models.SeverityCritical
	}

	if a.sink != nil {
		ev := &models.ComplianceEvent{
			ID:        uuid.NewString(),
			Type:      models.ComplianceRuleFailed,
			Severity:  severity,
			RuleID:    rule.ID,
			OwnerID:   rule.OwnerID,
			Reason:    rec.Reason,
			CreatedAt: time.Now().UTC(),
		}
		if err := a.sink.PublishCompliance(ctx, ev); err != nil {
			a.logger.Warn("failed to publish rule failure", "rule_id", rule.ID, "error", err)
		}
	}

	if a.slack != nil {
		if err := a.slack.NotifyRuleFailure(ctx, rule, rec); err != nil {
			a.logger.Warn("failed to send rule failure to slack", "rule_id", rule.ID, "error", err)
		}
	}
}
