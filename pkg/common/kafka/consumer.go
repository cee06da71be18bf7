package kafka

import (
	"context"
	"encoding/json"

	"github.com/chronica-ai/timeline/pkg/common/config"
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/segmentio/kafka-go"
)

type Consumer struct {
	reader *kafka.Reader
}

type Handler func(ctx context.Context, envelope Envelope) error

func NewConsumer(topic string, groupID string) *Consumer {
	cfg := config.Load()
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})

	return &Consumer{reader: reader}
}

func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := c.reader.FetchMessage(ctx)
			if err != nil {
				logger.Log.WithError(err).Error("Failed to fetch message")
				continue
			}

			var envelope Envelope
			if err := json.Unmarshal(message.Value, &envelope); err != nil {
				logger.Log.WithError(err).Error("Failed to unmarshal envelope")
				c.reader.CommitMessages(ctx, message)
				continue
			}

			if err := handler(ctx, envelope); err != nil {
				logger.Log.WithError(err).WithFields(map[string]interface{}{
					"message_id": envelope.ID,
				}).Error("Failed to process message")
				// Not committed, will be redelivered.
				continue
			}

			if err := c.reader.CommitMessages(ctx, message); err != nil {
				logger.Log.WithError(err).Error("Failed to commit message")
			}
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
