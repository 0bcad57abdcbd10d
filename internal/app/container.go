package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"fulfillmentservice/internal/catalog"
	"fulfillmentservice/internal/config"
	"fulfillmentservice/internal/httpapi"
	"fulfillmentservice/internal/inventory"
	"fulfillmentservice/internal/messaging"
	"fulfillmentservice/internal/order"
	"fulfillmentservice/internal/payment"
	"fulfillmentservice/internal/platform/kafka"
	"fulfillmentservice/internal/platform/observability"
	"fulfillmentservice/internal/platform/postgres"
	platformredis "fulfillmentservice/internal/platform/redis"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
)

// Container holds expensive-to-create singleton resources and dependencies
type Container struct {
	config *config.Config
	logger *zap.Logger
	tracer observability.Tracer

	db          *gorm.DB
	redisClient *redis.Client

	catalog  *catalog.Catalog
	store    inventory.Store
	repo     order.Repository
	verifier payment.Verifier
	engine   *order.Engine

	messageConsumer kafka.Consumer
	messageProducer kafka.Producer
	consumerService messaging.ConsumerService
	sweeper         *order.Sweeper
	httpServer      *httpapi.Server

	otelShutdown observability.ShutdownFunc
}

// NewContainer creates and initializes all infrastructure components
func NewContainer(ctx context.Context) (*Container, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	c := &Container{config: cfg}

	if err := c.setupLogger(); err != nil {
		return nil, err
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"observability", c.setupObservability},
		{"inventory", c.setupInventory},
		{"sessions", c.setupSessions},
		{"workflow", c.setupWorkflow},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			c.Shutdown(context.Background())
			return nil, fmt.Errorf("setup %s: %w", step.name, err)
		}
	}
	return c, nil
}

func (c *Container) setupLogger() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	c.logger = logger
	return nil
}

// setupObservability configures OpenTelemetry logging and tracing. Export
// failures are logged and the service keeps running without them.
func (c *Container) setupObservability(ctx context.Context) error {
	observability.SetupPropagation()

	logShutdown, err := observability.SetupLoggingSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry logging", zap.Error(err))
	}

	tp, traceShutdown, err := observability.SetupTracingSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry tracing", zap.Error(err))
	}
	c.otelShutdown = observability.JoinShutdown(traceShutdown, logShutdown)

	c.reinitializeLogger(logShutdown != nil && c.config.TelemetryEnabled())

	var provider trace.TracerProvider = otel.GetTracerProvider()
	if tp != nil {
		provider = tp
	}
	c.tracer = provider.Tracer(config.ServiceName)
	return nil
}

// reinitializeLogger replaces the bootstrap logger with a JSON console
// logger, teed into the OTel log bridge when exporting is enabled.
func (c *Container) reinitializeLogger(withOTel bool) {
	consoleEncoderConfig := zap.NewProductionEncoderConfig()
	consoleEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(consoleEncoderConfig),
		zapcore.Lock(os.Stdout),
		zap.InfoLevel,
	)

	if withOTel {
		otelZapCore := otelzap.NewCore(config.ServiceName+".manual",
			otelzap.WithLoggerProvider(global.GetLoggerProvider()),
		)
		core = zapcore.NewTee(otelZapCore, core)
	}

	c.logger = zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service.name", config.ServiceName)),
	)
	c.logger.Info("Logger initialized", zap.Bool("otel_bridge", withOTel))
}

// setupInventory loads the catalog and opens the configured store, seeding
// it on first start.
func (c *Container) setupInventory(ctx context.Context) error {
	var err error
	if c.config.CatalogPath != "" {
		c.catalog, err = catalog.Load(c.config.CatalogPath)
		if err != nil {
			return err
		}
	} else {
		c.catalog = catalog.Default()
	}
	resolver := c.catalog.Resolver()

	switch c.config.StoreBackend {
	case config.BackendPostgres:
		c.db, err = postgres.Connect(ctx, c.config.DatabaseURL, c.logger, inventory.Models()...)
		if err != nil {
			return err
		}
		c.store = inventory.NewPostgresStore(c.db, resolver)
	default:
		c.logger.Warn("Using in-memory inventory store; stock is lost on restart")
		c.store = inventory.NewMemoryStore(resolver)
	}

	if err := c.store.Seed(ctx, c.catalog.Items); err != nil {
		return fmt.Errorf("seed inventory: %w", err)
	}
	c.logger.Info("Inventory ready",
		zap.String("backend", c.config.StoreBackend),
		zap.Strings("items", c.catalog.IDs()),
	)
	return nil
}

func (c *Container) setupSessions(ctx context.Context) error {
	switch c.config.SessionBackend {
	case config.BackendRedis:
		client, err := platformredis.NewClient(ctx, c.config.RedisURL)
		if err != nil {
			return err
		}
		c.redisClient = client
		c.repo = order.NewRedisRepository(client, c.config.SessionTTL)
	default:
		c.logger.Warn("Using in-memory session repository; orders are lost on restart")
		c.repo = order.NewMemoryRepository()
	}
	c.logger.Info("Session repository ready", zap.String("backend", c.config.SessionBackend))
	return nil
}

func (c *Container) setupVerifier() payment.Verifier {
	if c.config.Payment.Verifier != config.VerifierSkyfire {
		c.logger.Warn("Payment verification is stubbed; every settlement is accepted")
		return payment.StubVerifier{}
	}

	sf := c.config.Skyfire
	return payment.NewSkyfireVerifier(payment.SkyfireConfig{
		APIKey:    sf.APIKey,
		ServiceID: sf.ServiceID,
		Audience:  sf.Audience,
		Issuer:    sf.Issuer,
		JWKSURL:   sf.JWKSURL,
		ChargeURL: sf.ChargeURL,
	}, &http.Client{Timeout: 15 * time.Second}, c.logger)
}

// setupWorkflow builds the engine and everything that drives it: the Kafka
// transport, the deadline sweeper and the HTTP API.
func (c *Container) setupWorkflow(ctx context.Context) error {
	c.verifier = c.setupVerifier()

	pc := c.config.Payment
	engine, err := order.NewEngine(order.Dependencies{
		Resolver: c.catalog.Resolver(),
		Store:    c.store,
		Repo:     c.repo,
		Verifier: c.verifier,
		Logger:   c.logger,
		Tracer:   c.tracer,
		Meter:    otel.Meter(config.ServiceName),
	}, order.Settings{
		Charge:    payment.ChargePolicy{Mode: payment.ChargeMode(pc.ChargeMode), Fixed: pc.FixedChargeAmount},
		Currency:  pc.Currency,
		Method:    pc.Method,
		Recipient: pc.Recipient,
		Deadline:  pc.Deadline,
		ServiceID: c.config.Skyfire.ServiceID,
	})
	if err != nil {
		return err
	}
	c.engine = engine

	c.messageConsumer, err = kafka.NewReader(kafka.ReaderConfig{
		Broker:  c.config.KafkaBroker,
		GroupID: config.GroupID,
		Topics:  config.InboundTopics,
	})
	if err != nil {
		return fmt.Errorf("kafka reader: %w", err)
	}
	c.messageProducer, err = kafka.NewWriter(kafka.WriterConfig{
		Broker:       c.config.KafkaBroker,
		ClientID:     config.ServiceName,
		BatchTimeout: config.BatchTimeout,
		BatchSize:    config.BatchSize,
	}, otel.GetTracerProvider())
	if err != nil {
		return fmt.Errorf("kafka writer: %w", err)
	}

	publisher := messaging.NewPublisher(c.messageProducer, c.logger)
	handler := messaging.NewMessageHandler(engine, publisher, c.logger)
	c.consumerService = messaging.NewConsumerService(c.messageConsumer, handler, c.logger)
	c.sweeper = order.NewSweeper(engine, publisher, pc.SweepInterval, c.logger)
	c.httpServer = httpapi.NewServer(c.config.HTTPAddr, c.store, engine, c.logger)
	return nil
}

// Shutdown gracefully shuts down all infrastructure components
func (c *Container) Shutdown(ctx context.Context) {
	c.logger.Info("Shutting down infrastructure...")

	if c.messageConsumer != nil {
		if err := c.messageConsumer.Close(); err != nil {
			c.logger.Error("Failed to close message consumer", zap.Error(err))
		}
	}
	if c.messageProducer != nil {
		if err := c.messageProducer.Close(); err != nil {
			c.logger.Error("Failed to close message producer", zap.Error(err))
		}
	}
	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			c.logger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if c.db != nil {
		if err := postgres.Close(c.db); err != nil {
			c.logger.Error("Failed to close database", zap.Error(err))
		}
	}

	if c.otelShutdown != nil {
		if err := c.otelShutdown(ctx); err != nil {
			c.logger.Error("Failed to shutdown OpenTelemetry", zap.Error(err))
		}
	}

	c.logger.Info("Infrastructure shutdown complete")
	if err := c.logger.Sync(); err != nil {
		// Can't log this error since logger might be closed
		fmt.Printf("Failed to sync logger: %v\n", err)
	}
}

func (c *Container) Logger() observability.Logger                { return c.logger }
func (c *Container) Engine() *order.Engine                       { return c.engine }
func (c *Container) ConsumerService() messaging.ConsumerService { return c.consumerService }
func (c *Container) Sweeper() *order.Sweeper                     { return c.sweeper }
func (c *Container) HTTPServer() *httpapi.Server                 { return c.httpServer }
