package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Refund        RefundConfig        `mapstructure:"refund"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
	// CallbackRateLimit caps provider callback requests per IP per minute.
	CallbackRateLimit int `mapstructure:"callback_rate_limit"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	EventTopic string   `mapstructure:"event_topic"`
	ItemTopic  string   `mapstructure:"item_topic"`
}

type PaymentConfig struct {
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	LockRetries     int           `mapstructure:"lock_retries"`
	LockRetryDelay  time.Duration `mapstructure:"lock_retry_delay"`
	ReadRetries     uint          `mapstructure:"read_retries"`
	ReadRetryDelay  time.Duration `mapstructure:"read_retry_delay"`
	CancelGrace     time.Duration `mapstructure:"cancel_grace"` // wait before reverting an unconfirmed cancel
	CircuitBreaker  BreakerConfig `mapstructure:"circuit_breaker"`
}

type BreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

type RefundConfig struct {
	MaxDays int `mapstructure:"max_days"`
}

type ProvidersConfig struct {
	// CallbackBaseURL is the public base of the /pg endpoints.
	CallbackBaseURL string             `mapstructure:"callback_base_url"`
	// ReturnURL is where buyers land after a return or cancel redirect.
	ReturnURL    string             `mapstructure:"return_url"`
	KakaoPay     KakaoPayConfig     `mapstructure:"kakaopay"`
	TossPayments TossPaymentsConfig `mapstructure:"tosspayments"`
	Mock         MockConfig         `mapstructure:"mock"`
}

type KakaoPayConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BaseURL       string `mapstructure:"base_url"`
	SecretKey     string `mapstructure:"secret_key"`
	CID           string `mapstructure:"cid"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type TossPaymentsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BaseURL       string `mapstructure:"base_url"`
	ClientKey     string `mapstructure:"client_key"`
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type MockConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Flow        string        `mapstructure:"flow"`
	FailureRate float64       `mapstructure:"failure_rate"`
	TimeoutRate float64       `mapstructure:"timeout_rate"`
	Latency     time.Duration `mapstructure:"latency"`
	Secret      string        `mapstructure:"secret"`
}

type WorkerConfig struct {
	BatchSize          int64         `mapstructure:"batch_size"`
	BlockDuration      time.Duration `mapstructure:"block_duration"`
	OutboxPollInterval time.Duration `mapstructure:"outbox_poll_interval"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	ClaimMinIdle       time.Duration `mapstructure:"claim_min_idle"`
	ConsumerGroup      string        `mapstructure:"consumer_group"`
	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"` // json or console
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

// Load reads .env (if present), then config.yaml (if present), then
// CHECKOUT_* environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix("CHECKOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read from config file if exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/checkout")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("kafka.brokers is required"))
	}
	if c.Payment.ProviderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("payment.provider_timeout must be positive"))
	}
	if c.Payment.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("payment.session_ttl must be positive"))
	}
	if c.Payment.LockTTL <= c.Payment.ProviderTimeout {
		errs = append(errs, fmt.Errorf("payment.lock_ttl must exceed payment.provider_timeout"))
	}
	if c.Payment.CancelGrace <= 0 {
		errs = append(errs, fmt.Errorf("payment.cancel_grace must be positive"))
	}
	if c.Payment.CircuitBreaker.FailureRatio <= 0 || c.Payment.CircuitBreaker.FailureRatio > 1 {
		errs = append(errs, fmt.Errorf("payment.circuit_breaker.failure_ratio must be in (0,1]"))
	}
	if f := c.Observability.LogFormat; f != "" && f != "json" && f != "console" {
		errs = append(errs, fmt.Errorf("observability.log_format must be json or console, got %q", f))
	}
	if c.Refund.MaxDays <= 0 {
		errs = append(errs, fmt.Errorf("refund.max_days must be positive"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("worker.batch_size must be positive"))
	}
	if !c.Providers.KakaoPay.Enabled && !c.Providers.TossPayments.Enabled && !c.Providers.Mock.Enabled {
		errs = append(errs, fmt.Errorf("at least one provider must be enabled"))
	}
	if c.Providers.KakaoPay.Enabled && (c.Providers.KakaoPay.SecretKey == "" || c.Providers.KakaoPay.CID == "") {
		errs = append(errs, fmt.Errorf("providers.kakaopay.secret_key and cid are required when enabled"))
	}
	if c.Providers.TossPayments.Enabled && (c.Providers.TossPayments.SecretKey == "" || c.Providers.TossPayments.ClientKey == "") {
		errs = append(errs, fmt.Errorf("providers.tosspayments.secret_key and client_key are required when enabled"))
	}
	switch c.Providers.Mock.Flow {
	case "", "SERVER_INITIATED", "CLIENT_INITIATED":
	default:
		errs = append(errs, fmt.Errorf("providers.mock.flow %q is not a known flow", c.Providers.Mock.Flow))
	}

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
		if c.Providers.Mock.Enabled {
			errs = append(errs, fmt.Errorf("providers.mock must be disabled in production"))
		}
		if c.Providers.KakaoPay.Enabled && c.Providers.KakaoPay.WebhookSecret == "" {
			errs = append(errs, fmt.Errorf("providers.kakaopay.webhook_secret required in production"))
		}
		if c.Providers.TossPayments.Enabled && c.Providers.TossPayments.WebhookSecret == "" {
			errs = append(errs, fmt.Errorf("providers.tosspayments.webhook_secret required in production"))
		}
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)
	v.SetDefault("server.callback_rate_limit", 600)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "checkout")
	v.SetDefault("database.database", "checkout")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.event_topic", "checkout.events")
	v.SetDefault("kafka.item_topic", "item.grants")

	// Payment defaults
	v.SetDefault("payment.provider_timeout", "10s")
	v.SetDefault("payment.session_ttl", "30m")
	v.SetDefault("payment.lock_ttl", "30s")
	v.SetDefault("payment.lock_retries", 20)
	v.SetDefault("payment.lock_retry_delay", "100ms")
	v.SetDefault("payment.read_retries", 3)
	v.SetDefault("payment.read_retry_delay", "200ms")
	v.SetDefault("payment.cancel_grace", "1m")
	v.SetDefault("payment.circuit_breaker.max_requests", 5)
	v.SetDefault("payment.circuit_breaker.interval", "60s")
	v.SetDefault("payment.circuit_breaker.timeout", "30s")
	v.SetDefault("payment.circuit_breaker.min_requests", 10)
	v.SetDefault("payment.circuit_breaker.failure_ratio", 0.6)

	// Refund defaults
	v.SetDefault("refund.max_days", 14)

	// Provider defaults
	v.SetDefault("providers.callback_base_url", "http://localhost:8080")
	v.SetDefault("providers.return_url", "http://localhost:3000/orders/result")
	v.SetDefault("providers.kakaopay.base_url", "https://open-api.kakaopay.com")
	v.SetDefault("providers.tosspayments.base_url", "https://api.tosspayments.com")
	v.SetDefault("providers.mock.enabled", true)
	v.SetDefault("providers.mock.flow", "SERVER_INITIATED")
	v.SetDefault("providers.mock.secret", "mock-secret")

	// Worker defaults
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.block_duration", "1s")
	v.SetDefault("worker.outbox_poll_interval", "2s")
	v.SetDefault("worker.sweep_interval", "1m")
	v.SetDefault("worker.stale_after", "5m")
	v.SetDefault("worker.claim_min_idle", "1m")
	v.SetDefault("worker.consumer_group", "reconcilers")
	v.SetDefault("worker.idempotency_ttl", "24h")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.service_name", "checkout")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", true)

	// Instance ID
	v.SetDefault("instance_id", "checkout-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
