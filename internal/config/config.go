package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/intake-bridge/internal/domain/augment"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	AuthMode        string        `mapstructure:"AUTH_MODE"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBDriver        string        `mapstructure:"DB_DRIVER"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	SigningSecret   string        `mapstructure:"SIGNING_SECRET"`
	SignatureWindow time.Duration `mapstructure:"SIGNATURE_WINDOW"`
	TokenSecret     string        `mapstructure:"SERVICE_TOKEN_SECRET"`
	AugmentPath     string        `mapstructure:"AUGMENT_PATH"`

	MappingURL     string        `mapstructure:"MAPPING_URL"`
	MappingAPIKey  string        `mapstructure:"MAPPING_API_KEY"`
	MappingTimeout time.Duration `mapstructure:"MAPPING_TIMEOUT"`

	RetryMaxAttempts       int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryRateLimitSchedule string        `mapstructure:"RETRY_RATE_LIMIT_SCHEDULE"`
	RetryMaxJitter         time.Duration `mapstructure:"RETRY_MAX_JITTER"`
	RetryMinWait           time.Duration `mapstructure:"RETRY_MIN_WAIT"`
	RetryTimeoutBackoff    time.Duration `mapstructure:"RETRY_TIMEOUT_BACKOFF"`
	RetryMalformedBackoff  time.Duration `mapstructure:"RETRY_MALFORMED_BACKOFF"`

	DictionaryFile  string        `mapstructure:"DICTIONARY_FILE"`
	WebhookURL      string        `mapstructure:"WEBHOOK_URL"`
	WebhookSecret   string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookDedupTTL time.Duration `mapstructure:"WEBHOOK_DEDUP_TTL"`

	WorkerConcurrency  int           `mapstructure:"WORKER_CONCURRENCY"`
	WorkerPollInterval time.Duration `mapstructure:"WORKER_POLL_INTERVAL"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE",
	"DATABASE_URL", "DB_DRIVER", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SIGNING_SECRET", "SIGNATURE_WINDOW", "SERVICE_TOKEN_SECRET", "AUGMENT_PATH",
	"MAPPING_URL", "MAPPING_API_KEY", "MAPPING_TIMEOUT",
	"RETRY_MAX_ATTEMPTS", "RETRY_RATE_LIMIT_SCHEDULE", "RETRY_MAX_JITTER",
	"RETRY_MIN_WAIT", "RETRY_TIMEOUT_BACKOFF", "RETRY_MALFORMED_BACKOFF",
	"DICTIONARY_FILE", "WEBHOOK_URL", "WEBHOOK_SECRET", "WEBHOOK_DEDUP_TTL",
	"WORKER_CONCURRENCY", "WORKER_POLL_INTERVAL",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SIGNATURE_WINDOW", "5m")
	v.SetDefault("AUGMENT_PATH", augment.DefaultPath)
	v.SetDefault("MAPPING_TIMEOUT", "60s")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_RATE_LIMIT_SCHEDULE", "5s,15s,30s")
	v.SetDefault("RETRY_MAX_JITTER", "1s")
	v.SetDefault("RETRY_MIN_WAIT", "1s")
	v.SetDefault("RETRY_TIMEOUT_BACKOFF", "2s")
	v.SetDefault("RETRY_MALFORMED_BACKOFF", "1s")
	v.SetDefault("WEBHOOK_DEDUP_TTL", "10m")
	v.SetDefault("WORKER_CONCURRENCY", 2)
	v.SetDefault("WORKER_POLL_INTERVAL", "2s")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("REQUEST_TIMEOUT", "90s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.ResolvedAuthMode() == "development" {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT auth mode.")
		log.Println("WARNING: DevAuthMiddleware is active; queue routes grant admin access.")
		log.Println("WARNING: Set ENV=production and SERVICE_TOKEN_SECRET for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" in a
// development environment and "token" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "token"
}

// Validate checks that the configuration is safe to serve with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be \"postgres\" or \"sqlite\", got %q", c.DBDriver)
	}

	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "token" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"token\", got %q", mode)
	}
	if mode == "token" && c.TokenSecret == "" {
		return fmt.Errorf("SERVICE_TOKEN_SECRET is required when AUTH_MODE is \"token\" (current ENV=%q)", c.Env)
	}
	if c.IsProduction() && mode == "development" {
		return fmt.Errorf("AUTH_MODE=development is not allowed in production")
	}

	if c.SigningSecret == "" {
		return fmt.Errorf("SIGNING_SECRET is required")
	}
	if c.SignatureWindow <= 0 {
		return fmt.Errorf("SIGNATURE_WINDOW must be positive")
	}
	if !strings.HasPrefix(c.AugmentPath, "/") {
		return fmt.Errorf("AUGMENT_PATH must start with '/', got %q", c.AugmentPath)
	}
	if c.MappingURL == "" {
		return fmt.Errorf("MAPPING_URL is required")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if _, err := c.RetryPolicy(); err != nil {
		return err
	}
	return nil
}

// RetryPolicy builds the augmentation retry policy from the RETRY_* keys.
func (c *Config) RetryPolicy() (augment.RetryPolicy, error) {
	schedule, err := parseSchedule(c.RetryRateLimitSchedule)
	if err != nil {
		return augment.RetryPolicy{}, err
	}
	if c.RetryMaxAttempts < 1 {
		return augment.RetryPolicy{}, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	return augment.RetryPolicy{
		MaxAttempts:       c.RetryMaxAttempts,
		RateLimitSchedule: schedule,
		MaxJitter:         c.RetryMaxJitter,
		MinWait:           c.RetryMinWait,
		TimeoutBackoff:    c.RetryTimeoutBackoff,
		MalformedBackoff:  c.RetryMalformedBackoff,
	}, nil
}

func parseSchedule(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("RETRY_RATE_LIMIT_SCHEDULE: %w", err)
		}
		if d < 0 {
			return nil, fmt.Errorf("RETRY_RATE_LIMIT_SCHEDULE: negative step %s", d)
		}
		out = append(out, d)
	}
	return out, nil
}
