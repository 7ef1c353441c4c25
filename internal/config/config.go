// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config holds every runtime setting of attestd.
type Config struct {
	// process
	Environment string `env:"ENVIRONMENT,default=dev"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	// listeners
	Addr            string        `env:"ADDR,default=:8080"`
	HealthAddr      string        `env:"HEALTH_ADDR,default=:8081"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	RateLimitRPS    int32         `env:"RATE_LIMIT_RPS,default=20"`
	RateLimitBurst  int32         `env:"RATE_LIMIT_BURST,default=40"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS,default=*,separator=|"`
	JWTKey          string        `env:"JWT_KEY,required=true"`

	// storage
	DatabaseURL  string `env:"DATABASE_URL,required=true"`
	StoreBackend string `env:"STORE_BACKEND,default=memory"`
	RedisURL     string `env:"REDIS_URL"`
	BlobBackend  string `env:"BLOB_BACKEND,default=local"`
	BlobRoot     string `env:"BLOB_ROOT,default=./data"`
	GCSBucket    string `env:"GCS_BUCKET"`

	// tokens
	EncryptionKey         string `env:"ENCRYPTION_KEY,required=true"`
	EncryptionIV          string `env:"ENCRYPTION_IV,required=true"`
	QRTokenExpirationDays int    `env:"QR_TOKEN_EXPIRATION_DAYS,default=365"`
	VerificationBaseURL   string `env:"VERIFICATION_BASE_URL,default=http://localhost:8080/verify"`
	QRImageSize           int    `env:"QR_IMAGE_SIZE,default=400"`

	// mobile app trust
	AppSecret            string        `env:"APP_SECRET,required=true"`
	AppIdentifier        string        `env:"APP_IDENTIFIER,required=true"`
	MinAppVersion        string        `env:"MIN_APP_VERSION,default=1.0.0"`
	DeviceTokenValidity  time.Duration `env:"DEVICE_TOKEN_VALIDITY,default=720h"`
	MaxDevicesPerUser    int           `env:"MAX_DEVICES_PER_USER,default=3"`
	AllowWebVerification bool          `env:"ALLOW_WEB_VERIFICATION,default=false"`
	ReplayWindow         time.Duration `env:"REPLAY_WINDOW,default=5m"`
	RegistrationWindow   time.Duration `env:"REGISTRATION_WINDOW,default=15m"`
	RegistrationMaxFails int           `env:"REGISTRATION_MAX_FAILS,default=5"`
	RegistrationBlockFor time.Duration `env:"REGISTRATION_BLOCK_FOR,default=15m"`
	BaseAPIURL           string        `env:"BASE_API_URL"`

	// workflow
	OfficerDailyCap int `env:"OFFICER_DAILY_CAP,default=200"`

	// outbox
	OutboxWebhookURL string        `env:"OUTBOX_WEBHOOK_URL"`
	OutboxInterval   time.Duration `env:"OUTBOX_INTERVAL,default=10s"`
	OutboxBatch      int           `env:"OUTBOX_BATCH,default=50"`
}

var validEnvs = map[string]bool{"dev": true, "test": true, "staging": true, "prod": true}

// Load reads an optional .env file (path from ENV_FILE, default ".env") and
// then the process environment.
func Load() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal environment variables: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MinVersion returns the parsed minimum app version.
func (c *Config) MinVersion() *semver.Version {
	v, err := semver.NewVersion(c.MinAppVersion)
	if err != nil {
		// validate guarantees this never happens for a loaded Config
		return semver.MustParse("0.0.0")
	}
	return v
}

// QRTokenValidity converts the configured day count into a duration.
func (c *Config) QRTokenValidity() time.Duration {
	return time.Duration(c.QRTokenExpirationDays) * 24 * time.Hour
}

func (c *Config) validate() error {
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid ENVIRONMENT: %s", c.Environment)
	}
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(c.EncryptionKey))
	}
	if len(c.EncryptionIV) != 16 {
		return fmt.Errorf("ENCRYPTION_IV must be exactly 16 bytes, got %d", len(c.EncryptionIV))
	}
	if c.QRTokenExpirationDays < 1 {
		return fmt.Errorf("QR_TOKEN_EXPIRATION_DAYS must be at least 1")
	}
	if c.QRImageSize < 64 {
		return fmt.Errorf("QR_IMAGE_SIZE must be at least 64")
	}
	if _, err := semver.NewVersion(c.MinAppVersion); err != nil {
		return fmt.Errorf("MIN_APP_VERSION %q: %w", c.MinAppVersion, err)
	}
	if c.MaxDevicesPerUser < 1 {
		return fmt.Errorf("MAX_DEVICES_PER_USER must be at least 1")
	}
	if c.DeviceTokenValidity <= 0 || c.ReplayWindow <= 0 {
		return fmt.Errorf("DEVICE_TOKEN_VALIDITY and REPLAY_WINDOW must be positive")
	}
	if c.OfficerDailyCap < 1 {
		return fmt.Errorf("OFFICER_DAILY_CAP must be at least 1")
	}
	switch c.StoreBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND: %s", c.StoreBackend)
	}
	switch c.BlobBackend {
	case "local":
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when BLOB_BACKEND=gcs")
		}
	default:
		return fmt.Errorf("invalid BLOB_BACKEND: %s", c.BlobBackend)
	}
	if c.OutboxBatch < 1 {
		return fmt.Errorf("OUTBOX_BATCH must be at least 1")
	}
	return nil
}
