package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/aegis-decision-engine/autorule/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// CompliancePublisher writes compliance events keyed by owner, so one
// owner's events stay ordered within a partition
type CompliancePublisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewCompliancePublisher creates a publisher on topic
func NewCompliancePublisher(client *Client, topic string, logger *slog.Logger) *CompliancePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompliancePublisher{writer: client.NewWriter(topic), logger: logger}
}

// PublishCompliance writes one event and waits for the broker ack
func (p *CompliancePublisher) PublishCompliance(ctx context.Context, ev *models.ComplianceEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal compliance event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.OwnerID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "severity", Value: []byte(ev.Severity)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish compliance event: %w", err)
	}

	p.logger.Info("compliance event published",
		"event_id", ev.ID,
		"type", ev.Type,
		"rule_id", ev.RuleID,
		"owner_id", ev.OwnerID,
	)
	return nil
}

// Close flushes and closes the writer
func (p *CompliancePublisher) Close() error {
	return p.writer.Close()
}
