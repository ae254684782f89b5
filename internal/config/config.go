package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string `mapstructure:"DEFAULT_TENANT"`

	AuthIssuer        string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey    string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthPublicKeyFile string   `mapstructure:"AUTH_PUBLIC_KEY_FILE"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`

	RedisURL          string `mapstructure:"REDIS_URL"`
	NotificationQueue string `mapstructure:"NOTIFICATION_QUEUE"`
	AuditRetryQueue   string `mapstructure:"AUDIT_RETRY_QUEUE"`

	NotificationWebhookURL    string `mapstructure:"NOTIFICATION_WEBHOOK_URL"`
	NotificationWebhookSecret string `mapstructure:"NOTIFICATION_WEBHOOK_SECRET"`

	BlobEndpoint  string `mapstructure:"BLOB_ENDPOINT"`
	BlobAccessKey string `mapstructure:"BLOB_ACCESS_KEY"`
	BlobSecretKey string `mapstructure:"BLOB_SECRET_KEY"`
	BlobBucket    string `mapstructure:"BLOB_BUCKET"`
	BlobUseSSL    bool   `mapstructure:"BLOB_USE_SSL"`
	BlobPublicURL string `mapstructure:"BLOB_PUBLIC_URL"`

	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	MaxUploadSize  string        `mapstructure:"MAX_UPLOAD_SIZE"`
	SignedURLTTL   time.Duration `mapstructure:"SIGNED_URL_TTL"`
	NotifyTimeout  time.Duration `mapstructure:"NOTIFY_TIMEOUT"`
	AuditRetryWait time.Duration `mapstructure:"AUDIT_RETRY_WAIT"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	UploadTimeout  time.Duration `mapstructure:"UPLOAD_TIMEOUT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	ExternalTokenPrefix string        `mapstructure:"EXTERNAL_TOKEN_PREFIX"`
	IdentityCacheSize   int           `mapstructure:"IDENTITY_CACHE_SIZE"`
	IdentityCacheTTL    time.Duration `mapstructure:"IDENTITY_CACHE_TTL"`
}

var defaults = map[string]interface{}{
	"PORT":                  "8000",
	"ENV":                   "development",
	"LOG_LEVEL":             "info",
	"DB_MAX_CONNS":          20,
	"DB_MIN_CONNS":          2,
	"DEFAULT_TENANT":        "default",
	"CORS_ORIGINS":          "http://localhost:3000",
	"NOTIFICATION_QUEUE":    "notifications:outbound",
	"AUDIT_RETRY_QUEUE":     "documents:access-log:retry",
	"BLOB_BUCKET":           "clinical-documents",
	"BODY_LIMIT":            "1MiB",
	"MAX_UPLOAD_SIZE":       "50MiB",
	"SIGNED_URL_TTL":        "15m",
	"NOTIFY_TIMEOUT":        "10s",
	"AUDIT_RETRY_WAIT":      "5s",
	"REQUEST_TIMEOUT":       "30s",
	"UPLOAD_TIMEOUT":        "5m",
	"RATE_LIMIT_RPS":        50,
	"RATE_LIMIT_BURST":      100,
	"EXTERNAL_TOKEN_PREFIX": "user_",
	"IDENTITY_CACHE_SIZE":   10000,
	"IDENTITY_CACHE_TTL":    "5m",
}

var envOnly = []string{
	"DATABASE_URL", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "AUTH_PUBLIC_KEY_FILE",
	"REDIS_URL", "NOTIFICATION_WEBHOOK_URL", "NOTIFICATION_WEBHOOK_SECRET", "BLOB_ENDPOINT", "BLOB_ACCESS_KEY", "BLOB_SECRET_KEY", "BLOB_USE_SSL", "BLOB_PUBLIC_URL",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
		_ = v.BindEnv(k)
	}
	for _, k := range envOnly {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UsesObjectStorage reports whether uploads go to an S3-compatible bucket
// rather than the in-process store.
func (c *Config) UsesObjectStorage() bool {
	return c.BlobEndpoint != ""
}

// Validate checks cross-field rules that Load cannot express as defaults.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthPublicKeyFile == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_PUBLIC_KEY_FILE is required when ENV=%q", c.Env)
	}
	if c.UsesObjectStorage() && (c.BlobAccessKey == "" || c.BlobSecretKey == "" || c.BlobBucket == "") {
		return fmt.Errorf("BLOB_ACCESS_KEY, BLOB_SECRET_KEY and BLOB_BUCKET are required with BLOB_ENDPOINT")
	}
	if !c.IsDev() && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when ENV=%q", c.Env)
	}
	if strings.TrimSpace(c.ExternalTokenPrefix) == "" {
		return fmt.Errorf("EXTERNAL_TOKEN_PREFIX must not be empty")
	}
	if c.IdentityCacheSize < 0 {
		return fmt.Errorf("IDENTITY_CACHE_SIZE must be >= 0, got %d", c.IdentityCacheSize)
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("NOTIFY_TIMEOUT must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	return nil
}
