package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RetryRepublish = "republish"
	RetryRequeue   = "requeue"
)

type Config struct {
	Env string

	// RabbitMQ
	RabbitURL     string
	Queue         string
	Prefetch      int
	Workers       int
	ConsumeTag    string
	Heartbeat     time.Duration
	RetryStrategy string
	RetryDelay    time.Duration
	ShutdownWait  time.Duration

	MaxRedeliveries int

	// Reconnect backoff
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	ReconnectMultiplier  float64
	ReconnectJitter      float64
	ReconnectMaxAttempts int // 0 = unbounded

	// User directory
	DirectoryBaseURL   string
	CallTimeout        time.Duration
	BreakerMaxFailures int
	BreakerReset       time.Duration

	// Email / SMTP
	EmailSender  string
	FakeFailMode string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTimeout  time.Duration
	SMTPInsecure bool

	// Redis
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// IdempotencyDisabled runs without a dedup store: redeliveries resend.
	IdempotencyDisabled bool
	IdempotencyTTL      time.Duration
	ClaimTTL            time.Duration
	AttemptTTL          time.Duration

	// Ops
	OpsAddr string

	// Tracing
	OTelEnabled  bool
	OTelEndpoint string
	Version      string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Env = getEnvFirst([]string{"APP_ENV", "ENV"}, "dev")

	cfg.RabbitURL = strings.TrimSpace(os.Getenv("RABBIT_URL"))
	if cfg.RabbitURL == "" {
		return nil, fmt.Errorf("missing required env var: RABBIT_URL")
	}

	cfg.Queue = getEnv("RABBIT_QUEUE", "booking_queue")
	cfg.Prefetch = getInt("RABBIT_PREFETCH", 10)
	cfg.Workers = getInt("WORKERS", cfg.Prefetch)
	cfg.ConsumeTag = getEnv("RABBIT_CONSUMER_TAG", "confirmation-service")
	cfg.Heartbeat = getDuration("RABBIT_HEARTBEAT", 10*time.Second)
	cfg.RetryStrategy = strings.ToLower(getEnv("RETRY_STRATEGY", RetryRepublish))
	cfg.RetryDelay = getDuration("RETRY_DELAY", 10*time.Second)
	cfg.ShutdownWait = getDuration("SHUTDOWN_WAIT", 10*time.Second)
	cfg.MaxRedeliveries = getIntAllowZero("MAX_REDELIVERIES", 3)

	cfg.ReconnectInitial = getDuration("RECONNECT_INITIAL", 1*time.Second)
	cfg.ReconnectMax = getDuration("RECONNECT_MAX", 30*time.Second)
	cfg.ReconnectMultiplier = getFloat("RECONNECT_MULTIPLIER", 2)
	cfg.ReconnectJitter = getFloat("RECONNECT_JITTER", 0.5)
	cfg.ReconnectMaxAttempts = getIntAllowZero("RECONNECT_MAX_ATTEMPTS", 0)

	cfg.DirectoryBaseURL = strings.TrimRight(getEnvFirst([]string{"DIRECTORY_BASE_URL", "USER_SERVICE_URL"}, "http://127.0.0.1:8001"), "/")
	cfg.CallTimeout = getDuration("CALL_TIMEOUT", 5*time.Second)
	cfg.BreakerMaxFailures = getInt("BREAKER_MAX_FAILURES", 5)
	cfg.BreakerReset = getDuration("BREAKER_RESET", 30*time.Second)

	cfg.EmailSender = getEnv("EMAIL_SENDER", "fake")
	cfg.FakeFailMode = strings.ToLower(getEnv("FAKE_FAIL_MODE", "none"))

	cfg.SMTPHost = getEnv("SMTP_HOST", "")
	cfg.SMTPPort = getInt("SMTP_PORT", 587)
	cfg.SMTPUsername = getEnv("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnv("SMTP_PASSWORD", "")
	cfg.SMTPFrom = getEnv("SMTP_FROM", cfg.SMTPUsername)
	cfg.SMTPTimeout = getDuration("SMTP_TIMEOUT", 10*time.Second)
	cfg.SMTPInsecure = getBool("SMTP_INSECURE", false)

	cfg.RedisEnabled = getBool("REDIS_ENABLED", true)
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getIntAllowZero("REDIS_DB", 0)

	cfg.IdempotencyDisabled = getBool("IDEMPOTENCY_DISABLED", false)
	cfg.IdempotencyTTL = getDuration("IDEMPOTENCY_TTL", 7*24*time.Hour)
	cfg.ClaimTTL = getDuration("IDEMPOTENCY_CLAIM_TTL", 2*time.Minute)
	cfg.AttemptTTL = getDuration("ATTEMPT_TTL", 24*time.Hour)

	cfg.OpsAddr = getEnv("OPS_ADDR", ":8091")

	cfg.OTelEnabled = getBool("OTEL_ENABLED", false)
	cfg.OTelEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.Version = getEnv("SERVICE_VERSION", "dev")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.RedisEnabled && !c.IdempotencyDisabled {
		return fmt.Errorf("REDIS_ENABLED=false leaves redelivered bookings unguarded against duplicate emails; set IDEMPOTENCY_DISABLED=true to run that way")
	}

	switch c.RetryStrategy {
	case RetryRepublish:
	case RetryRequeue:
		if !c.RedisEnabled {
			return fmt.Errorf("RETRY_STRATEGY=requeue needs REDIS_ENABLED=true (attempt counter)")
		}
	default:
		return fmt.Errorf("unknown RETRY_STRATEGY %q (want republish or requeue)", c.RetryStrategy)
	}

	if c.ClaimTTL <= c.CallTimeout {
		return fmt.Errorf("IDEMPOTENCY_CLAIM_TTL (%s) must exceed CALL_TIMEOUT (%s)", c.ClaimTTL, c.CallTimeout)
	}

	if c.EmailSender == "smtp" && c.SMTPHost == "" {
		return fmt.Errorf("smtp sender selected but missing SMTP_HOST")
	}

	if c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("RECONNECT_MAX (%s) is smaller than RECONNECT_INITIAL (%s)", c.ReconnectMax, c.ReconnectInitial)
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter >= 1 {
		return fmt.Errorf("RECONNECT_JITTER must be in [0,1), got %v", c.ReconnectJitter)
	}

	// Guard: prevent the classic "REDIS_ADDR=localhost:6379 OTHER=..." parsing issue
	if strings.Contains(c.RedisAddr, " ") {
		return fmt.Errorf("bad REDIS_ADDR (contains spaces): %q", c.RedisAddr)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvFirst(keys []string, def string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return def
}

func getInt(key string, def int) int {
	n := getIntAllowZero(key, def)
	if n <= 0 {
		return def
	}
	return n
}

func getIntAllowZero(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getBool(key string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
