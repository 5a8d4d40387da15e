package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
)

const (
	QueueBackendRedis    = "redis"
	QueueBackendRabbitMQ = "rabbitmq"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`

	RetryQueueBackend  string `env:"RETRY_QUEUE_BACKEND,default=redis"`
	RedisURL           string `env:"REDIS_URL,default=redis://localhost:6379/0"`
	RabbitMQURL        string `env:"RABBITMQ_URL"`
	RetryStreamName    string `env:"RETRY_STREAM_NAME,default=notification:retry"`
	RetryConsumerGroup string `env:"RETRY_CONSUMER_GROUP,default=notification-workers"`
	RetryConsumerName  string `env:"RETRY_CONSUMER_NAME"`

	MaxRetryAttempts       int           `env:"MAX_RETRY_ATTEMPTS,default=3"`
	RetryBackoffBase       float64       `env:"RETRY_BACKOFF_BASE,default=2"`
	ChannelSendTimeout     time.Duration `env:"CHANNEL_SEND_TIMEOUT,default=10s"`
	RetryPollTimeout       time.Duration `env:"RETRY_POLL_TIMEOUT,default=1s"`
	RetryClaimIdle         time.Duration `env:"RETRY_CLAIM_IDLE,default=5m"`
	RetryReconcileInterval time.Duration `env:"RETRY_RECONCILE_INTERVAL,default=30s"`
	RetryReconcileGrace    time.Duration `env:"RETRY_RECONCILE_GRACE,default=2m"`
	WorkerConcurrency      int           `env:"WORKER_CONCURRENCY,default=4"`

	APIPort        int    `env:"API_PORT,default=8080"`
	WorkerHTTPPort int    `env:"WORKER_HTTP_PORT,default=8081"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`

	MockFailingChannels string `env:"MOCK_FAILING_CHANNELS"`

	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	EmailFrom            string `env:"EMAIL_FROM"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`
	TwilioBaseURL    string `env:"TWILIO_BASE_URL"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramAPIURL   string `env:"TELEGRAM_API_URL"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.RetryConsumerName == "" {
		cfg.RetryConsumerName = defaultConsumerName()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.RetryQueueBackend {
	case QueueBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return errors.New("REDIS_URL is required for the redis retry queue")
		}
	case QueueBackendRabbitMQ:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			return errors.New("RABBITMQ_URL is required for the rabbitmq retry queue")
		}
	default:
		return fmt.Errorf("unknown RETRY_QUEUE_BACKEND %q", c.RetryQueueBackend)
	}

	if c.MaxRetryAttempts < 1 || c.MaxRetryAttempts > 10 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be between 1 and 10, got %d", c.MaxRetryAttempts)
	}
	if c.RetryBackoffBase < 1 {
		return fmt.Errorf("RETRY_BACKOFF_BASE must be at least 1, got %v", c.RetryBackoffBase)
	}
	if c.ChannelSendTimeout <= 0 || c.RetryPollTimeout <= 0 || c.RetryClaimIdle <= 0 {
		return errors.New("CHANNEL_SEND_TIMEOUT, RETRY_POLL_TIMEOUT and RETRY_CLAIM_IDLE must be positive")
	}
	if c.RetryReconcileInterval <= 0 || c.RetryReconcileGrace <= 0 {
		return errors.New("RETRY_RECONCILE_INTERVAL and RETRY_RECONCILE_GRACE must be positive")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	if _, err := c.FailingMockChannels(); err != nil {
		return err
	}
	return nil
}

// FailingMockChannels parses MOCK_FAILING_CHANNELS.
func (c *Config) FailingMockChannels() ([]domain.Channel, error) {
	raw := strings.TrimSpace(c.MockFailingChannels)
	if raw == "" {
		return nil, nil
	}
	channels := make([]domain.Channel, 0, 3)
	for _, part := range strings.Split(raw, ",") {
		ch, err := domain.ParseChannelFromString(part)
		if err != nil {
			return nil, fmt.Errorf("MOCK_FAILING_CHANNELS: %w", err)
		}
		channels = append(channels, ch)
	}
	return domain.NormalizeChannels(channels), nil
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return host
}
