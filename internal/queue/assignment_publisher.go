package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// AssignmentPublisher publishes assignment events keyed by lead, so every
// event of one lead lands on the same partition in order.
type AssignmentPublisher struct {
	writer *kafka.Writer
}

// NewAssignmentPublisher constructs a publisher for the given topic.
func NewAssignmentPublisher(k *Kafka, topic string) *AssignmentPublisher {
	return &AssignmentPublisher{writer: k.NewWriter(topic)}
}

// PublishAssignment emits an assignment event to Kafka.
func (p *AssignmentPublisher) PublishAssignment(ctx context.Context, msg AssignmentEvent) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("assignment publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   msg.LeadID[:],
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(msg.Kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("assignment publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *AssignmentPublisher) Close() error {
	return p.writer.Close()
}
