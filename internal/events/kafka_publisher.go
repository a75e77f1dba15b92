package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// MessageProducer is the slice of client.KafkaProducer the publisher needs.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

// KafkaPublisher writes events as JSON keyed by user id so one user's events stay ordered.
type KafkaPublisher struct {
	producer MessageProducer
}

func NewKafkaPublisher(producer MessageProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event UsageEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode usage event: %w", err)
	}
	headers := map[string]string{
		"event_id": event.EventID,
		"outcome":  string(event.Outcome),
	}
	return p.producer.ProduceMessage(ctx, []byte(event.UserID), payload, headers)
}

func (p *KafkaPublisher) Name() string { return "kafka" }
