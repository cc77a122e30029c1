package events

import (
	"context"
	"encoding/json"
	"fmt"

	"otp-service/internal/models"
)

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaPublisher keys messages by phone key so one phone's events stay on
// one partition, in order.
type KafkaPublisher struct {
	producer MessageProducer
	topic    string
}

func NewKafkaPublisher(producer MessageProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *models.OTPEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	headers := map[string]string{
		"event_type": string(event.Type),
		"event_id":   event.ID,
	}
	if err := p.producer.ProduceMessage(ctx, p.topic, []byte(event.PhoneKey), value, headers); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}
