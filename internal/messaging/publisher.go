package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fulfillmentservice/internal/config"
	"fulfillmentservice/internal/order"
	"fulfillmentservice/internal/platform/kafka"
	"fulfillmentservice/internal/platform/observability"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher turns workflow outcomes into outbound Kafka events. Every event
// of an order is keyed by the order key so they stay on one partition.
type Publisher struct {
	producer kafka.Producer
	logger   observability.Logger
}

var _ order.OutcomeSink = (*Publisher)(nil)

// NewPublisher creates a Publisher writing to producer.
func NewPublisher(producer kafka.Producer, logger observability.Logger) *Publisher {
	return &Publisher{producer: producer, logger: logger}
}

// PublishOutcome emits every event a workflow step produced: completion or
// decline first, then the chat replies, then any payment request. Every
// publish is attempted and the errors are joined.
func (p *Publisher) PublishOutcome(ctx context.Context, out *order.Outcome) error {
	if out == nil || out.Duplicate {
		return nil
	}
	key := out.Key
	var errs error

	if c := out.Completion; c != nil {
		errs = errors.Join(errs, p.publish(ctx, config.PaymentCompletedTopic, key, PaymentCompletedEvent{
			CounterpartyID: key.CounterpartyID,
			ConversationID: key.ConversationID,
			TransactionID:  c.TransactionID,
		}))
	}
	if d := out.Decline; d != nil {
		errs = errors.Join(errs, p.publish(ctx, config.PaymentDeclinedTopic, key, PaymentDeclinedEvent{
			CounterpartyID: key.CounterpartyID,
			ConversationID: key.ConversationID,
			Reason:         d.Reason,
		}))
	}
	for _, text := range out.Replies {
		errs = errors.Join(errs, p.PublishReply(ctx, key, text))
	}
	if r := out.PaymentRequest; r != nil {
		errs = errors.Join(errs, p.publish(ctx, config.PaymentRequestedTopic, key, PaymentRequestedEvent{
			CounterpartyID:  key.CounterpartyID,
			ConversationID:  key.ConversationID,
			Amount:          r.Amount.String(),
			Currency:        r.Currency,
			PaymentMethod:   r.Method,
			Recipient:       r.Recipient,
			DeadlineSeconds: int(r.Deadline.Seconds()),
			Reference:       r.Reference,
			Description:     r.Description,
			Metadata:        r.Metadata,
		}))
	}
	return errs
}

// PublishReply sends one chat message to the conversation.
func (p *Publisher) PublishReply(ctx context.Context, key order.Key, text string) error {
	return p.publish(ctx, config.ChatReplyTopic, key, ChatReplyEvent{
		CounterpartyID: key.CounterpartyID,
		ConversationID: key.ConversationID,
		Text:           text,
	})
}

// PublishDecline tells the payment collaborator a settlement was refused.
func (p *Publisher) PublishDecline(ctx context.Context, key order.Key, reason string) error {
	return p.publish(ctx, config.PaymentDeclinedTopic, key, PaymentDeclinedEvent{
		CounterpartyID: key.CounterpartyID,
		ConversationID: key.ConversationID,
		Reason:         reason,
	})
}

func (p *Publisher) publish(ctx context.Context, topic string, key order.Key, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serialize %s event: %w", topic, err)
	}

	msg := kafkago.Message{
		Topic: topic,
		Key:   []byte(key.String()),
		Value: payload,
	}
	if err := p.producer.WriteMessage(ctx, msg); err != nil {
		p.logger.Error("❌ Failed to publish event",
			zap.String("topic", topic),
			zap.String("order_key", key.String()),
			zap.Error(err),
		)
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	p.logger.Info("📤 Sent event", zap.String("topic", topic), zap.String("order_key", key.String()))
	return nil
}
