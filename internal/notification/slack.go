package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aegis-decision-engine/autorule/internal/models"
)

// SlackNotifier sends alerts to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SlackMessage represents a Slack message
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string  `json:"color"`
	Title  string  `json:"title"`
	Text   string  `json:"text"`
	Fields []Field `json:"fields"`
	Footer string  `json:"footer"`
	TS     int64   `json:"ts"`
}

// Field represents a field in an attachment
type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

const footer = "autorule"

// NotifyCompliance posts a compliance event
func (s *SlackNotifier) NotifyCompliance(ctx context.Context, ev *models.ComplianceEvent) error {
	color := "warning"
	if ev.Severity == models.SeverityCritical {
		color = "danger"
	}

	msg := SlackMessage{
		Attachments: []Attachment{
			{
				Color: color,
				Title: fmt.Sprintf("Compliance: %s", strings.ReplaceAll(ev.Type, "_", " ")),
				Text:  ev.Reason,
				Fields: []Field{
					{Title: "Owner", Value: ev.OwnerID, Short: true},
					{Title: "Rule", Value: ev.RuleID, Short: true},
					{Title: "Severity", Value: ev.Severity, Short: true},
				},
				Footer: footer,
				TS:     ev.CreatedAt.Unix(),
			},
		},
	}
	return s.send(ctx, msg)
}

// NotifyRuleFailure posts a failed fire
func (s *SlackNotifier) NotifyRuleFailure(ctx context.Context, rule *models.Rule, rec *models.ExecutionRecord) error {
	fields := []Field{
		{Title: "Owner", Value: rule.OwnerID, Short: true},
		{Title: "Rule", Value: rule.ID, Short: true},
	}
	if rec.FailedAction != nil {
		fields = append(fields, Field{Title: "Failed action", Value: fmt.Sprintf("%d", *rec.FailedAction), Short: true})
	}
	if rec.Indeterminate {
		fields = append(fields, Field{Title: "Ledger outcome", Value: "unknown, reconcile before retrying", Short: false})
	}

	msg := SlackMessage{
		Attachments: []Attachment{
			{
				Color:  "danger",
				Title:  fmt.Sprintf("Rule failed: %s", rule.Name),
				Text:   rec.Reason,
				Fields: fields,
				Footer: footer,
				TS:     time.Now().Unix(),
			},
		},
	}
	return s.send(ctx, msg)
}

func (s *SlackNotifier) send(ctx context.Context, msg SlackMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack notification failed with status: %d", resp.StatusCode)
	}

	return nil
}
