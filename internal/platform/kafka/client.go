package kafka

import (
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

type ReaderConfig struct {
	Broker  string
	GroupID string
	Topics  []string
}

type WriterConfig struct {
	Broker       string
	ClientID     string
	BatchTimeout time.Duration
	BatchSize    int
}

// NewReader returns a traced consumer-group reader over all of cfg.Topics.
func NewReader(cfg ReaderConfig) (Consumer, error) {
	base := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{cfg.Broker},
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
	})
	reader, err := otelkafka.NewReader(base)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	return reader, nil
}

// NewWriter returns a traced writer with no fixed topic; every message
// must carry its own Topic.
func NewWriter(cfg WriterConfig, tp trace.TracerProvider) (Producer, error) {
	base := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Broker),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		BatchSize:              cfg.BatchSize,
		AllowAutoTopicCreation: true,
	}

	writer, err := otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingSystemKafka,
				attribute.String("messaging.kafka.client_id", cfg.ClientID),
			},
		),
	)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	return writer, nil
}
