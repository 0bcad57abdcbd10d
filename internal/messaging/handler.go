package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fulfillmentservice/internal/config"
	"fulfillmentservice/internal/order"
	"fulfillmentservice/internal/payment"
	"fulfillmentservice/internal/platform/observability"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// MessageHandler processes one inbound Kafka message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg kafkago.Message) error
}

// Workflow is the part of the order engine driven by inbound events.
type Workflow interface {
	Submit(ctx context.Context, key order.Key, items []order.RequestedItem) (*order.Outcome, error)
	Settle(ctx context.Context, key order.Key, s payment.Settlement) (*order.Outcome, error)
	Fail(ctx context.Context, key order.Key, f payment.Failure) (*order.Outcome, error)
}

// KafkaMessageHandler routes inbound events by topic to the workflow and
// publishes whatever the workflow produced.
type KafkaMessageHandler struct {
	workflow  Workflow
	publisher *Publisher
	logger    observability.Logger
}

// NewMessageHandler creates a handler driving workflow and publishing its
// outcomes through publisher.
func NewMessageHandler(workflow Workflow, publisher *Publisher, logger observability.Logger) MessageHandler {
	return &KafkaMessageHandler{
		workflow:  workflow,
		publisher: publisher,
		logger:    logger,
	}
}

// HandleMessage decodes one inbound event, applies it to the workflow and
// publishes the outcome. Messages from other topics are ignored.
func (h *KafkaMessageHandler) HandleMessage(ctx context.Context, msg kafkago.Message) error {
	msgCtx := h.extractTraceContext(ctx, msg.Headers)

	h.logger.Info("📨 Raw Kafka message received",
		zap.String("topic", msg.Topic),
		zap.ByteString("key", msg.Key),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	switch msg.Topic {
	case config.OrderRequestedTopic:
		return h.handleOrderRequested(msgCtx, msg)
	case config.PaymentCommittedTopic:
		return h.handlePaymentCommitted(msgCtx, msg)
	case config.PaymentRejectedTopic:
		return h.handlePaymentRejected(msgCtx, msg)
	default:
		h.logger.Warn("Ignoring message from unexpected topic", zap.String("topic", msg.Topic))
		return nil
	}
}

// extractTraceContext continues the producer's trace from the message headers.
func (h *KafkaMessageHandler) extractTraceContext(ctx context.Context, headers []kafkago.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, header := range headers {
		carrier[string(header.Key)] = string(header.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

func (h *KafkaMessageHandler) decode(msg kafkago.Message, v any) error {
	if err := json.Unmarshal(msg.Value, v); err != nil {
		h.logger.Error("❌ Invalid JSON in event",
			zap.String("topic", msg.Topic),
			zap.Error(err),
			zap.ByteString("raw_value", msg.Value),
		)
		return fmt.Errorf("decode %s: %w", msg.Topic, err)
	}
	return nil
}

func (h *KafkaMessageHandler) handleOrderRequested(ctx context.Context, msg kafkago.Message) error {
	var event OrderRequestedEvent
	if err := h.decode(msg, &event); err != nil {
		return err
	}
	key := order.Key{CounterpartyID: event.CounterpartyID, ConversationID: event.ConversationID}

	items := make([]order.RequestedItem, 0, len(event.Items))
	for _, it := range event.Items {
		items = append(items, order.RequestedItem{Name: it.ItemName, Quantity: it.Quantity})
	}

	out, err := h.workflow.Submit(ctx, key, items)
	if err != nil {
		return h.fail(ctx, key, "submit order", err)
	}
	return h.publisher.PublishOutcome(ctx, out)
}

func (h *KafkaMessageHandler) handlePaymentCommitted(ctx context.Context, msg kafkago.Message) error {
	var event PaymentCommittedEvent
	if err := h.decode(msg, &event); err != nil {
		return err
	}
	key := order.Key{CounterpartyID: event.CounterpartyID, ConversationID: event.ConversationID}

	amount := decimal.Zero
	if event.Amount != "" {
		parsed, err := decimal.NewFromString(event.Amount)
		if err != nil {
			h.logger.Warn("Ignoring unparseable payment amount", zap.String("amount", event.Amount))
		} else {
			amount = parsed
		}
	}

	out, err := h.workflow.Settle(ctx, key, payment.Settlement{
		TransactionID: event.TransactionID,
		Amount:        amount,
		Currency:      event.Currency,
		Method:        event.PaymentMethod,
	})
	if errors.Is(err, order.ErrMissingTxID) {
		h.logger.Warn("Payment commit without transaction id", zap.String("order_key", key.String()))
		return h.publisher.PublishDecline(ctx, key, err.Error())
	}
	if err != nil {
		return h.fail(ctx, key, "settle payment", err)
	}
	return h.publisher.PublishOutcome(ctx, out)
}

func (h *KafkaMessageHandler) handlePaymentRejected(ctx context.Context, msg kafkago.Message) error {
	var event PaymentRejectedEvent
	if err := h.decode(msg, &event); err != nil {
		return err
	}
	key := order.Key{CounterpartyID: event.CounterpartyID, ConversationID: event.ConversationID}

	out, err := h.workflow.Fail(ctx, key, payment.Failure{Reason: event.Reason})
	if err != nil {
		return h.fail(ctx, key, "fail payment", err)
	}
	return h.publisher.PublishOutcome(ctx, out)
}

// fail logs the internal error and tells the counterparty only that
// something went wrong.
func (h *KafkaMessageHandler) fail(ctx context.Context, key order.Key, op string, err error) error {
	h.logger.Error("❌ Workflow step failed",
		zap.String("operation", op),
		zap.String("order_key", key.String()),
		zap.Error(err),
	)
	if key.Valid() {
		if pubErr := h.publisher.PublishReply(ctx, key, order.MsgGenericFailure); pubErr != nil {
			err = errors.Join(err, pubErr)
		}
	}
	return err
}
