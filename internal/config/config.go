package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	ServiceName    = "fulfillment-service"
	ServiceVersion = "0.1.0"
)

const (
	OrderRequestedTopic   = "OrderRequested"
	PaymentCommittedTopic = "PaymentCommitted"
	PaymentRejectedTopic  = "PaymentRejected"

	ChatReplyTopic        = "ChatReply"
	PaymentRequestedTopic = "PaymentRequested"
	PaymentCompletedTopic = "PaymentCompleted"
	PaymentDeclinedTopic  = "PaymentDeclined"

	GroupID      = "fulfillment-service-group"
	BatchTimeout = 10 * time.Millisecond
	BatchSize    = 100
)

// InboundTopics are consumed by the fulfillment consumer group.
var InboundTopics = []string{OrderRequestedTopic, PaymentCommittedTopic, PaymentRejectedTopic}

const (
	LogsPath      = "/otlp/v1/logs"   // Grafana Cloud OTLP path
	TracesPath    = "/otlp/v1/traces" // Grafana Cloud OTLP path
	ExportTimeout = 30 * time.Second
	MaxQueueSize  = 2048
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	VerifierSkyfire = "skyfire"
	VerifierStub    = "stub"

	ChargeOrderTotal = "order_total"
	ChargeFixed      = "fixed"
)

type Config struct {
	KafkaBroker    string
	OtelEndpoint   string
	OtelAuthHeader string

	HTTPAddr    string
	CatalogPath string

	StoreBackend string
	DatabaseURL  string

	SessionBackend string
	RedisURL       string
	SessionTTL     time.Duration

	Payment PaymentConfig
	Skyfire SkyfireConfig
}

type PaymentConfig struct {
	Verifier          string
	Currency          string
	Method            string
	Recipient         string
	ChargeMode        string
	FixedChargeAmount decimal.Decimal
	Deadline          time.Duration
	SweepInterval     time.Duration
}

type SkyfireConfig struct {
	APIKey          string
	ServiceID       string
	SellerAccountID string
	Audience        string
	Issuer          string
	JWKSURL         string
	ChargeURL       string
}

// TelemetryEnabled reports whether OTLP export is configured.
func (c *Config) TelemetryEnabled() bool {
	return c.OtelEndpoint != ""
}

// LoadConfig reads the environment, preloading a .env file when one exists.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		KafkaBroker:    getEnv("KAFKA_BROKER", "localhost:9092"),
		OtelEndpoint:   os.Getenv("OTEL_ENDPOINT"),
		OtelAuthHeader: os.Getenv("OTEL_AUTH_HEADER"),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8085"),
		CatalogPath:    os.Getenv("CATALOG_PATH"),
		StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", BackendPostgres)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		SessionBackend: strings.ToLower(getEnv("SESSION_BACKEND", BackendRedis)),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
		Payment: PaymentConfig{
			Verifier:   strings.ToLower(getEnv("PAYMENT_VERIFIER", VerifierStub)),
			Currency:   getEnv("PAYMENT_CURRENCY", "USDC"),
			Method:     getEnv("PAYMENT_METHOD", "skyfire"),
			Recipient:  getEnv("SELLER_RECIPIENT", ServiceName),
			ChargeMode: strings.ToLower(getEnv("CHARGE_MODE", ChargeOrderTotal)),
		},
		Skyfire: SkyfireConfig{
			APIKey:          os.Getenv("SKYFIRE_API_KEY"),
			ServiceID:       os.Getenv("SKYFIRE_SERVICE_ID"),
			SellerAccountID: os.Getenv("SELLER_ACCOUNT_ID"),
			Issuer:          getEnv("JWT_ISSUER", "https://app.skyfire.xyz"),
			JWKSURL:         getEnv("JWKS_URL", "https://app.skyfire.xyz/.well-known/jwks.json"),
			ChargeURL:       getEnv("SKYFIRE_CHARGE_URL", "https://api.skyfire.xyz/api/v1/tokens/charge"),
		},
	}
	config.Skyfire.Audience = getEnv("JWT_AUDIENCE", config.Skyfire.SellerAccountID)

	var err error
	if config.SessionTTL, err = getDuration("SESSION_TTL", 0); err != nil {
		return nil, err
	}
	if config.Payment.Deadline, err = getDuration("PAYMENT_DEADLINE", 300*time.Second); err != nil {
		return nil, err
	}
	if config.Payment.SweepInterval, err = getDuration("SWEEP_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	config.Payment.FixedChargeAmount, err = decimal.NewFromString(getEnv("FIXED_CHARGE_AMOUNT", "0.001"))
	if err != nil {
		return nil, fmt.Errorf("FIXED_CHARGE_AMOUNT is not a decimal: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.KafkaBroker == "" {
		return fmt.Errorf("KAFKA_BROKER environment variable is required")
	}
	if c.OtelEndpoint != "" && c.OtelAuthHeader == "" {
		return fmt.Errorf("OTEL_AUTH_HEADER environment variable is required when OTEL_ENDPOINT is set")
	}

	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL environment variable is required for the postgres store")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.SessionBackend {
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL environment variable is required for the redis session backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown SESSION_BACKEND %q", c.SessionBackend)
	}

	switch c.Payment.ChargeMode {
	case ChargeOrderTotal:
	case ChargeFixed:
		if !c.Payment.FixedChargeAmount.IsPositive() {
			return fmt.Errorf("FIXED_CHARGE_AMOUNT must be positive in fixed charge mode")
		}
	default:
		return fmt.Errorf("unknown CHARGE_MODE %q", c.Payment.ChargeMode)
	}

	switch c.Payment.Verifier {
	case VerifierSkyfire, VerifierStub:
	default:
		return fmt.Errorf("unknown PAYMENT_VERIFIER %q", c.Payment.Verifier)
	}
	if c.Payment.Deadline <= 0 {
		return fmt.Errorf("PAYMENT_DEADLINE must be positive")
	}
	if c.Payment.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s is not a duration: %w", key, err)
	}
	return d, nil
}
