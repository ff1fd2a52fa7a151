package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Redis connection
	RedisHost            string
	RedisPort            int
	RedisPassword        string
	RedisDB              int
	RedisConnectAttempts int
	RedisRetryBase       time.Duration
	RedisRetryMax        time.Duration
	RedisPingInterval    time.Duration

	// Job queue
	QueuePrefix       string
	QueueMaxAttempts  int
	QueueBackoffBase  time.Duration
	QueueBackoffMax   time.Duration
	QueuePollInterval time.Duration
	QueueLeaseTimeout time.Duration
	QueueWorkers      int

	// Circuit breaker around delivery
	BreakerMaxFailures     int
	BreakerRecoveryTimeout time.Duration

	// Delivery
	DeliveryDrivers   []string // log, webhook, sns, sqs; tried in order
	DeliveryRateLimit float64  // sends per second, 0 = unlimited
	DeliveryBurst     int

	WebhookURL     string
	WebhookTimeout time.Duration
	WebhookTypes   string

	AWSRegion   string
	AWSEndpoint string // LocalStack override
	SNSTopicARN string
	SNSTypes    string
	SQSQueueURL string
	SQSTypes    string

	// Delivery history archive; disabled when empty
	DatabaseURL string

	// API rate limiting per client IP
	APIRateLimit  int
	APIRateWindow time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first if present;
// real environment variables win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		RedisHost:            "localhost",
		RedisPort:            6379,
		RedisConnectAttempts: 5,
		RedisRetryBase:       50 * time.Millisecond,
		RedisRetryMax:        2 * time.Second,
		RedisPingInterval:    5 * time.Second,

		QueuePrefix:       "courier",
		QueueMaxAttempts:  3,
		QueueBackoffBase:  time.Second,
		QueueBackoffMax:   30 * time.Second,
		QueuePollInterval: 100 * time.Millisecond,
		QueueLeaseTimeout: 30 * time.Second,
		QueueWorkers:      1,

		BreakerMaxFailures:     5,
		BreakerRecoveryTimeout: 60 * time.Second,

		DeliveryDrivers: []string{"log"},
		DeliveryBurst:   1,
		WebhookTimeout:  10 * time.Second,
		AWSRegion:       "us-east-1",

		APIRateLimit:  100,
		APIRateWindow: time.Minute,
	}

	var err error

	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}
	if cfg.RedisConnectAttempts, err = envInt("REDIS_CONNECT_ATTEMPTS", cfg.RedisConnectAttempts); err != nil {
		return nil, err
	}
	if cfg.RedisRetryBase, err = envDuration("REDIS_RETRY_BASE", cfg.RedisRetryBase); err != nil {
		return nil, err
	}
	if cfg.RedisRetryMax, err = envDuration("REDIS_RETRY_MAX", cfg.RedisRetryMax); err != nil {
		return nil, err
	}
	if cfg.RedisPingInterval, err = envDuration("REDIS_PING_INTERVAL", cfg.RedisPingInterval); err != nil {
		return nil, err
	}

	// Queue config
	if prefix := os.Getenv("QUEUE_PREFIX"); prefix != "" {
		cfg.QueuePrefix = prefix
	}
	if cfg.QueueMaxAttempts, err = envInt("QUEUE_MAX_ATTEMPTS", cfg.QueueMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.QueueBackoffBase, err = envDuration("QUEUE_BACKOFF_BASE", cfg.QueueBackoffBase); err != nil {
		return nil, err
	}
	if cfg.QueueBackoffMax, err = envDuration("QUEUE_BACKOFF_MAX", cfg.QueueBackoffMax); err != nil {
		return nil, err
	}
	if cfg.QueuePollInterval, err = envDuration("QUEUE_POLL_INTERVAL", cfg.QueuePollInterval); err != nil {
		return nil, err
	}
	if cfg.QueueLeaseTimeout, err = envDuration("QUEUE_LEASE_TIMEOUT", cfg.QueueLeaseTimeout); err != nil {
		return nil, err
	}
	if cfg.QueueWorkers, err = envInt("QUEUE_WORKERS", cfg.QueueWorkers); err != nil {
		return nil, err
	}

	// Circuit breaker config
	if cfg.BreakerMaxFailures, err = envInt("BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return nil, err
	}
	if cfg.BreakerRecoveryTimeout, err = envDuration("BREAKER_RECOVERY_TIMEOUT", cfg.BreakerRecoveryTimeout); err != nil {
		return nil, err
	}

	// Delivery config
	if drivers := os.Getenv("DELIVERY_DRIVER"); drivers != "" {
		cfg.DeliveryDrivers = nil
		for _, d := range strings.Split(drivers, ",") {
			if d = strings.TrimSpace(d); d != "" {
				cfg.DeliveryDrivers = append(cfg.DeliveryDrivers, d)
			}
		}
	}
	if limit := os.Getenv("DELIVERY_RATE_LIMIT"); limit != "" {
		l, err := strconv.ParseFloat(limit, 64)
		if err != nil || l < 0 {
			return nil, fmt.Errorf("invalid DELIVERY_RATE_LIMIT: %q", limit)
		}
		cfg.DeliveryRateLimit = l
	}
	if cfg.DeliveryBurst, err = envInt("DELIVERY_BURST", cfg.DeliveryBurst); err != nil {
		return nil, err
	}

	if url := os.Getenv("WEBHOOK_URL"); url != "" {
		cfg.WebhookURL = url
	}
	if cfg.WebhookTimeout, err = envDuration("WEBHOOK_TIMEOUT", cfg.WebhookTimeout); err != nil {
		return nil, err
	}
	cfg.WebhookTypes = os.Getenv("WEBHOOK_TYPES")

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	cfg.AWSEndpoint = os.Getenv("AWS_ENDPOINT")
	cfg.SNSTopicARN = os.Getenv("SNS_TOPIC_ARN")
	cfg.SNSTypes = os.Getenv("SNS_TYPES")
	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")
	cfg.SQSTypes = os.Getenv("SQS_TYPES")

	// History archive
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// API rate limiting
	if cfg.APIRateLimit, err = envInt("API_RATE_LIMIT", cfg.APIRateLimit); err != nil {
		return nil, err
	}
	if cfg.APIRateWindow, err = envDuration("API_RATE_WINDOW", cfg.APIRateWindow); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.DeliveryDrivers) == 0 {
		return errors.New("DELIVERY_DRIVER must name at least one driver")
	}
	for _, d := range c.DeliveryDrivers {
		switch d {
		case "log":
		case "webhook":
			if c.WebhookURL == "" {
				return errors.New("WEBHOOK_URL is required for the webhook driver")
			}
		case "sns":
			if c.SNSTopicARN == "" {
				return errors.New("SNS_TOPIC_ARN is required for the sns driver")
			}
		case "sqs":
			if c.SQSQueueURL == "" {
				return errors.New("SQS_QUEUE_URL is required for the sqs driver")
			}
		default:
			return fmt.Errorf("unknown delivery driver: %s", d)
		}
	}
	if c.QueueWorkers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1, got %d", c.QueueWorkers)
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.QueueMaxAttempts)
	}
	return nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// envDuration accepts Go duration strings ("1.5s") or bare integers,
// which are read as milliseconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
