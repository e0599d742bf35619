// Package config defines the process configuration for the notification
// pipeline. Configuration is loaded once at startup and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Secret references (Lowest)
//
// Any invalid value causes LoadConfig to fail and the process to exit.
package config

import (
	"time"

	"pushpipe/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"pushpipe"`

	Log       LogConfig
	Server    ServerConfig
	Broker    BrokerConfig
	Store     StoreConfig
	Push      PushConfig
	Email     EmailConfig
	Chat      ChatConfig
	Delivery  DeliveryConfig
	Queues    QueuesConfig
	Metrics   MetricsConfig
	Retention RetentionConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn warning error"`
	File       string `envconfig:"LOG_FILE"`
	MaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"100" validate:"min=1"`
	MaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"5" validate:"min=0"`
	MaxAgeDays int    `envconfig:"LOG_MAX_AGE_DAYS" default:"14" validate:"min=0"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"3001"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RateLimitPerMinute int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"100" validate:"min=0"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	// APIKeyHashes are bcrypt hashes of accepted X-API-Key values. Empty
	// disables API key checks.
	APIKeyHashes []string `envconfig:"API_KEY_HASHES"`
}

// BrokerConfig selects and configures the queue backend.
type BrokerConfig struct {
	Driver         string        `envconfig:"BROKER_DRIVER" default:"redis" validate:"oneof=redis sqs"`
	RedisHost      string        `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort      int           `envconfig:"REDIS_PORT" default:"6379" validate:"min=1,max=65535"`
	RedisPassword  SecretString  `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0" validate:"min=0"`
	KeyPrefix      string        `envconfig:"BROKER_KEY_PREFIX" default:"pushpipe"`
	ConnectTimeout time.Duration `envconfig:"BROKER_CONNECT_TIMEOUT" default:"5s"`

	AWSRegion string `envconfig:"AWS_REGION" default:"us-east-1"`
	// SQSQueueURLPrefix is prepended to the SQS-safe queue name, e.g.
	// https://sqs.us-east-1.amazonaws.com/123456789012/
	SQSQueueURLPrefix string `envconfig:"SQS_QUEUE_URL_PREFIX" validate:"required_if=Driver sqs"`
	// LocalStack Support (Empty in Prod)
	AWSEndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// StoreConfig selects the notification store.
type StoreConfig struct {
	Driver      string        `envconfig:"STORE_DRIVER" default:"memory" validate:"oneof=memory postgres sqlite"`
	DatabaseURL SecretString  `envconfig:"DATABASE_URL"`
	SQLitePath  string        `envconfig:"SQLITE_PATH" default:"pushpipe.db"`
	MaxConns    int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns    int32         `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	ConnTimeout time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// PushConfig configures the push provider. Without credentials the gateway
// runs in simulation mode.
type PushConfig struct {
	CredentialsFile string  `envconfig:"FIREBASE_CREDENTIALS_FILE"`
	ProjectID       string  `envconfig:"FIREBASE_PROJECT_ID"`
	RatePerSecond   float64 `envconfig:"PUSH_RATE_PER_SECOND" default:"50" validate:"gt=0"`
	Burst           int     `envconfig:"PUSH_BURST" default:"20" validate:"min=1"`
}

// Configured reports whether provider credentials are present.
func (c PushConfig) Configured() bool {
	return c.CredentialsFile != ""
}

// EmailConfig configures SMTP delivery for the email channel.
type EmailConfig struct {
	SMTPHost    string       `envconfig:"SMTP_HOST"`
	SMTPPort    int          `envconfig:"SMTP_PORT" default:"587"`
	Username    string       `envconfig:"SMTP_USERNAME"`
	Password    SecretString `envconfig:"SMTP_PASSWORD"`
	FromAddress string       `envconfig:"EMAIL_FROM_ADDRESS" default:"notifications@pushpipe.local" validate:"email"`
	RequireTLS  bool         `envconfig:"SMTP_REQUIRE_TLS" default:"false"`
}

// Configured reports whether an SMTP relay is set.
func (c EmailConfig) Configured() bool {
	return c.SMTPHost != ""
}

// ChatConfig configures the chat webhook channel.
type ChatConfig struct {
	WebhookURL SecretString  `envconfig:"CHAT_WEBHOOK_URL"`
	Timeout    time.Duration `envconfig:"CHAT_TIMEOUT" default:"10s"`
	UserAgent  string        `envconfig:"CHAT_USER_AGENT" default:"PushPipe-Webhook/1.0"`

	// SigningSecret, when set, adds an X-PushPipe-Signature header to every post.
	SigningSecret SecretString `envconfig:"CHAT_SIGNING_SECRET"`
	// AllowPrivateNetworks lets the webhook target loopback and private
	// addresses. Local development only.
	AllowPrivateNetworks bool `envconfig:"CHAT_ALLOW_PRIVATE_NETWORKS" default:"false"`
}

// Configured reports whether a webhook URL is set.
func (c ChatConfig) Configured() bool {
	return c.WebhookURL.IsSet()
}

// Delivery modes.
const (
	ModeQueued = "queued"
	ModeDirect = "direct"
)

// DeliveryConfig holds the retry budgets and consumer tuning.
type DeliveryConfig struct {
	Mode              string        `envconfig:"DELIVERY_MODE" default:"queued" validate:"oneof=queued direct"`
	SendMaxAttempts   int           `envconfig:"SEND_MAX_ATTEMPTS" default:"3" validate:"min=1"`
	SendBaseDelay     time.Duration `envconfig:"SEND_BASE_DELAY" default:"1s"`
	BulkMaxAttempts   int           `envconfig:"BULK_MAX_ATTEMPTS" default:"2" validate:"min=1"`
	BulkBaseDelay     time.Duration `envconfig:"BULK_BASE_DELAY" default:"500ms"`
	BulkConcurrency   int           `envconfig:"BULK_CONCURRENCY" default:"10" validate:"min=1"`
	BulkMaxRecipients int           `envconfig:"BULK_MAX_RECIPIENTS" default:"1000" validate:"min=1"`
	PollInterval      time.Duration `envconfig:"CONSUMER_POLL_INTERVAL" default:"500ms"`
	ReaperInterval    time.Duration `envconfig:"REAPER_INTERVAL" default:"5s"`
	ShutdownGrace     time.Duration `envconfig:"SHUTDOWN_GRACE" default:"15s"`

	// A nacked job waits RedeliveryBaseDelay*2^(failures-1), capped at
	// RedeliveryMaxDelay, before it can be consumed again.
	RedeliveryBaseDelay time.Duration `envconfig:"REDELIVERY_BASE_DELAY" default:"1s"`
	RedeliveryMaxDelay  time.Duration `envconfig:"REDELIVERY_MAX_DELAY" default:"5m"`
}

// QueuesConfig points at optional per-queue overrides.
type QueuesConfig struct {
	OverridesFile string `envconfig:"QUEUE_CONFIG_FILE"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	Backend   string `envconfig:"METRICS_BACKEND" default:"none" validate:"oneof=none prometheus cloudwatch"`
	Namespace string `envconfig:"METRIC_NAMESPACE" default:"PushPipe"`
}

// RetentionConfig controls the notification retention sweep.
type RetentionConfig struct {
	Enabled  bool          `envconfig:"RETENTION_ENABLED" default:"true"`
	Days     int           `envconfig:"RETENTION_DAYS" default:"30" validate:"min=1"`
	Interval time.Duration `envconfig:"RETENTION_INTERVAL" default:"24h"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrSecretResolution indicates a *_SECRET_REF could not be resolved.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an environment value could not be parsed.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrQueueOverrides indicates the queue overrides file is unreadable or invalid.
	ErrQueueOverrides ConfigErrorType = "QUEUE_OVERRIDES_FAILED"
)
