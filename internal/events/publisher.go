package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// CallEventPublisher publishes call lifecycle events to Kafka.
type CallEventPublisher struct {
	writer *kafka.Writer
}

// NewCallEventPublisher constructs a publisher for the given topic.
func NewCallEventPublisher(k *Kafka, topic string) *CallEventPublisher {
	return &CallEventPublisher{writer: k.NewWriter(topic)}
}

// Publish writes the event keyed by call id.
func (p *CallEventPublisher) Publish(ctx context.Context, event CallEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("call events: marshal: %w", err)
	}

	record := kafka.Message{
		Key:   event.CallID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("call events: write: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *CallEventPublisher) Close() error {
	return p.writer.Close()
}

// DeadLetterPublisher publishes exhausted webhook jobs to the dead-letter
// topic so operators can replay them from durable storage.
type DeadLetterPublisher struct {
	writer *kafka.Writer
}

// NewDeadLetterPublisher constructs the publisher.
func NewDeadLetterPublisher(k *Kafka, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{writer: k.NewWriter(topic)}
}

// Publish writes the dead-letter event keyed by job id.
func (p *DeadLetterPublisher) Publish(ctx context.Context, event DeadLetterEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("dead letter: marshal: %w", err)
	}

	record := kafka.Message{
		Key:   []byte(event.JobID),
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("dead letter: write: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *DeadLetterPublisher) Close() error {
	return p.writer.Close()
}
