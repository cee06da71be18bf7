package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/config"
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Envelope wraps every message on the bus with provenance and a stable key.
type Envelope struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(topic string) *Producer {
	cfg := config.Load()
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{writer: writer}
}

func (p *Producer) Publish(ctx context.Context, messageType string, source string, payload interface{}) error {
	envelope := Envelope{
		ID:        uuid.New().String(),
		Type:      messageType,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(envelope.ID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "message-type", Value: []byte(messageType)},
			{Key: "source", Value: []byte(source)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"message_id":   envelope.ID,
			"message_type": messageType,
		}).Error("Failed to publish message")
		return err
	}

	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
