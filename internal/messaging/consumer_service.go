package messaging

import (
	"context"
	"errors"

	"fulfillmentservice/internal/platform/kafka"
	"fulfillmentservice/internal/platform/observability"

	"go.uber.org/zap"
)

// ConsumerService runs the inbound read loop.
type ConsumerService interface {
	Start(ctx context.Context) error
}

// KafkaConsumerService reads inbound events one at a time and hands them to
// the message handler. Handler failures are logged and the loop continues.
type KafkaConsumerService struct {
	consumer       kafka.Consumer
	messageHandler MessageHandler
	logger         observability.Logger
}

// NewConsumerService creates a consumer loop feeding messageHandler.
func NewConsumerService(consumer kafka.Consumer, messageHandler MessageHandler, logger observability.Logger) ConsumerService {
	return &KafkaConsumerService{
		consumer:       consumer,
		messageHandler: messageHandler,
		logger:         logger,
	}
}

// Start reads messages until ctx is done.
func (c *KafkaConsumerService) Start(ctx context.Context) error {
	c.logger.Info("Kafka consumer started. Waiting for messages...")

	for {
		msg, err := c.consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				c.logger.Info("Context done, exiting Kafka read loop.", zap.Error(err))
				break
			}
			c.logger.Error("❌ Error reading from Kafka", zap.Error(err))
			continue
		}

		if err := c.messageHandler.HandleMessage(ctx, *msg); err != nil {
			c.logger.Warn("Message handling failed",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}

	c.logger.Info("Consumer service finished. Shutting down...")
	return nil
}
