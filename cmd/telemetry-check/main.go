// Command telemetry-check sends one span and one log record through the
// service's OTLP configuration so exporter credentials can be verified
// without starting Kafka or the databases.
package main

import (
	"context"
	"fmt"
	stdlog "log"
	"time"

	"fulfillmentservice/internal/config"
	"fulfillmentservice/internal/platform/observability"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		stdlog.Fatalf("❌ telemetry check failed: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if !cfg.TelemetryEnabled() {
		return fmt.Errorf("OTEL_ENDPOINT is not set")
	}
	fmt.Printf("📡 Endpoint: %s%s\n", cfg.OtelEndpoint, config.TracesPath)

	ctx := context.Background()
	observability.SetupPropagation()

	logShutdown, err := observability.SetupLoggingSDK(ctx, cfg)
	if err != nil {
		return err
	}
	tp, traceShutdown, err := observability.SetupTracingSDK(ctx, cfg)
	if err != nil {
		return err
	}
	shutdown := observability.JoinShutdown(traceShutdown, logShutdown)

	logger := zap.New(otelzap.NewCore(config.ServiceName+".telemetry-check",
		otelzap.WithLoggerProvider(global.GetLoggerProvider()),
	))

	_, span := tp.Tracer(config.ServiceName).Start(ctx, "telemetry-check")
	span.SetAttributes(attribute.String("check.type", "authentication"))
	logger.Info("telemetry check", zap.String("trace_id", span.SpanContext().TraceID().String()))
	span.End()

	fmt.Println("📤 Span and log emitted, flushing...")
	flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := shutdown(flushCtx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	fmt.Printf("✅ Exported trace %s. Check your tracing backend.\n", span.SpanContext().TraceID())
	return nil
}
