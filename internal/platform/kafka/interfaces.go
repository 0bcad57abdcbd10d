package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Producer is satisfied by the traced otelkafka writer and by test fakes.
type Producer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// Consumer blocks in ReadMessage until a message arrives or ctx is done.
type Consumer interface {
	ReadMessage(ctx context.Context) (*kafka.Message, error)
	Close() error
}
