// Package kafka publishes compliance events to a Kafka/Redpanda topic.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Client wraps a Kafka connection
type Client struct {
	brokers []string
}

// NewClient creates a new Kafka client from a comma separated broker list
func NewClient(brokers string) *Client {
	var list []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			list = append(list, b)
		}
	}
	return &Client{brokers: list}
}

// Brokers returns the configured broker addresses
func (c *Client) Brokers() []string {
	return c.brokers
}

// NewWriter creates a synchronous writer for a topic. Compliance events
// must be acknowledged before the action that raised them succeeds.
func (c *Client) NewWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(c.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// CreateTopic creates a topic if it doesn't exist (for dev/testing)
func (c *Client) CreateTopic(ctx context.Context, topic string, partitions int) error {
	if len(c.brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get controller: %w", err)
	}

	controllerConn, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	// an existing topic is fine
	_ = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	})
	return nil
}

// Health checks if Kafka is reachable
func (c *Client) Health(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("kafka unreachable: %w", err)
	}
	defer conn.Close()
	return nil
}
