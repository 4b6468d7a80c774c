// Package config centralizes how the pipeline reads environment variables and
// exposes them as strongly typed Go values. An optional YAML file can overlay
// the non-secret settings.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents runtime configuration for the api, worker and operator
// CLI. Secrets are read from the environment only.
type Config struct {
	Address  string `mapstructure:"address"`
	LogLevel string `mapstructure:"log_level"`
	AppURL   string `mapstructure:"app_url"`

	DatabaseURL string `mapstructure:"database_url"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"-"`
	RedisDB       int    `mapstructure:"redis_db"`
	Workers       int    `mapstructure:"workers"`

	S3Endpoint     string        `mapstructure:"s3_endpoint"`
	S3AccessKey    string        `mapstructure:"-"`
	S3SecretKey    string        `mapstructure:"-"`
	S3Region       string        `mapstructure:"s3_region"`
	S3UseSSL       bool          `mapstructure:"s3_use_ssl"`
	ArtifactBucket string        `mapstructure:"artifact_bucket"`
	SignedURLTTL   time.Duration `mapstructure:"signed_url_ttl"`

	WebhookSecret    []byte        `mapstructure:"-"`
	WebhookTolerance time.Duration `mapstructure:"webhook_tolerance"`

	EmailAPIURL string `mapstructure:"email_api_url"`
	EmailAPIKey string `mapstructure:"-"`
	EmailFrom   string `mapstructure:"email_from"`
	MailAPIURL  string `mapstructure:"mail_api_url"`
	MailAPIKey  string `mapstructure:"-"`
	PushAPIURL  string `mapstructure:"push_api_url"`

	LockWindow        time.Duration `mapstructure:"lock_window"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
	StuckEventAfter   time.Duration `mapstructure:"stuck_event_after"`
	ReconcileSpec     string        `mapstructure:"reconcile_spec"`
	DeliveryRetries   int           `mapstructure:"delivery_retries"`
	EventRetries      int           `mapstructure:"event_retries"`
	CurrentKeyVersion int           `mapstructure:"-"`
}

const (
	defaultAddress         = ":8080"
	defaultLogLevel        = "info"
	defaultAppURL          = "http://localhost:3000"
	defaultRedisAddr       = "localhost:6379"
	defaultWorkerCount     = 10
	defaultS3Region        = "us-east-1"
	defaultArtifactBucket  = "letter-artifacts"
	defaultSignedTTL       = 7 * 24 * time.Hour
	defaultWebhookTol      = 5 * time.Minute
	defaultEmailFrom       = "Capsule Note <letters@capsulenote.app>"
	defaultLockWindow      = 72 * time.Hour
	defaultSendTimeout     = 30 * time.Second
	defaultStuckEventAfter = 10 * time.Minute
	defaultReconcileSpec   = "@every 5m"
	defaultDeliveryRetries = 5
	defaultEventRetries    = 5
)

// Load reads configuration from environment variables falling back to
// defaults. When CAPSULE_CONFIG names a YAML file its values overlay the
// defaults before the environment is applied.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := readEnv("CAPSULE_CONFIG", ""); path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

// Defaults returns a Config populated with built-in defaults only.
func Defaults() *Config {
	return &Config{
		Address:           defaultAddress,
		LogLevel:          defaultLogLevel,
		AppURL:            defaultAppURL,
		RedisAddr:         defaultRedisAddr,
		Workers:           defaultWorkerCount,
		S3Region:          defaultS3Region,
		ArtifactBucket:    defaultArtifactBucket,
		SignedURLTTL:      defaultSignedTTL,
		WebhookTolerance:  defaultWebhookTol,
		EmailFrom:         defaultEmailFrom,
		LockWindow:        defaultLockWindow,
		SendTimeout:       defaultSendTimeout,
		StuckEventAfter:   defaultStuckEventAfter,
		ReconcileSpec:     defaultReconcileSpec,
		DeliveryRetries:   defaultDeliveryRetries,
		EventRetries:      defaultEventRetries,
		CurrentKeyVersion: 1,
	}
}

// LoadFile overlays the YAML file at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Address = readEnv("CAPSULE_ADDRESS", cfg.Address)
	cfg.LogLevel = readEnv("CAPSULE_LOG_LEVEL", cfg.LogLevel)
	cfg.AppURL = readEnv("APP_URL", cfg.AppURL)
	cfg.DatabaseURL = readEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = readEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = readEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = parseInt("REDIS_DB", cfg.RedisDB)
	cfg.Workers = parseInt("CAPSULE_WORKERS", cfg.Workers)
	cfg.S3Endpoint = readEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3AccessKey = readEnv("S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = readEnv("S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3Region = readEnv("S3_REGION", cfg.S3Region)
	cfg.S3UseSSL = parseBool("S3_USE_SSL", cfg.S3UseSSL)
	cfg.ArtifactBucket = readEnv("CAPSULE_ARTIFACT_BUCKET", cfg.ArtifactBucket)
	cfg.SignedURLTTL = parseDuration("CAPSULE_SIGNED_TTL", cfg.SignedURLTTL)
	cfg.WebhookSecret = parseSecret("WEBHOOK_SIGNING_SECRET", cfg.WebhookSecret)
	cfg.WebhookTolerance = parseDuration("WEBHOOK_TOLERANCE", cfg.WebhookTolerance)
	cfg.EmailAPIURL = readEnv("EMAIL_API_URL", cfg.EmailAPIURL)
	cfg.EmailAPIKey = readEnv("EMAIL_API_KEY", cfg.EmailAPIKey)
	cfg.EmailFrom = readEnv("EMAIL_FROM", cfg.EmailFrom)
	cfg.MailAPIURL = readEnv("MAIL_API_URL", cfg.MailAPIURL)
	cfg.MailAPIKey = readEnv("MAIL_API_KEY", cfg.MailAPIKey)
	cfg.PushAPIURL = readEnv("PUSH_API_URL", cfg.PushAPIURL)
	cfg.LockWindow = parseDuration("CAPSULE_LOCK_WINDOW", cfg.LockWindow)
	cfg.SendTimeout = parseDuration("CAPSULE_SEND_TIMEOUT", cfg.SendTimeout)
	cfg.StuckEventAfter = parseDuration("CAPSULE_STUCK_EVENT_AFTER", cfg.StuckEventAfter)
	cfg.ReconcileSpec = readEnv("CAPSULE_RECONCILE_SPEC", cfg.ReconcileSpec)
	cfg.DeliveryRetries = parseInt("CAPSULE_DELIVERY_RETRIES", cfg.DeliveryRetries)
	cfg.EventRetries = parseInt("CAPSULE_EVENT_RETRIES", cfg.EventRetries)
	cfg.CurrentKeyVersion = parseInt("CRYPTO_CURRENT_KEY_VERSION", cfg.CurrentKeyVersion)
}

func normalize(cfg *Config) {
	if cfg.WebhookSecret == nil {
		cfg.WebhookSecret = randomSecret()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkerCount
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = defaultSignedTTL
	}
	if cfg.LockWindow <= 0 {
		cfg.LockWindow = defaultLockWindow
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.StuckEventAfter <= 0 {
		cfg.StuckEventAfter = defaultStuckEventAfter
	}
	if cfg.DeliveryRetries < 0 {
		cfg.DeliveryRetries = defaultDeliveryRetries
	}
	if cfg.EventRetries < 0 {
		cfg.EventRetries = defaultEventRetries
	}
}

// Validate reports settings the worker cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required"))
	}
	if c.EmailAPIURL == "" {
		errs = append(errs, errors.New("EMAIL_API_URL is required"))
	}
	if c.CurrentKeyVersion < 1 {
		errs = append(errs, fmt.Errorf("CRYPTO_CURRENT_KEY_VERSION must be >= 1, got %d", c.CurrentKeyVersion))
	}
	return errors.Join(errs...)
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string, def []byte) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return def
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte(hex.EncodeToString([]byte("fallbacksecret")))
	}
	return buf
}
