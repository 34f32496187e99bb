package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/vader-pepe/octo-potato/internal/checksum"
	"github.com/vader-pepe/octo-potato/internal/compress"
	"github.com/vader-pepe/octo-potato/internal/models"
	"github.com/vader-pepe/octo-potato/internal/retry"
)

// Blob endpoint kinds
const (
	EndpointWebhook = "webhook"
	EndpointMinio   = "minio"
	EndpointLocal   = "local"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string `mapstructure:"service_port"`
	ServiceName string `mapstructure:"service_name"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	// Pipeline configuration
	ChunkSize   int64  `mapstructure:"chunk_size"`
	Workers     int    `mapstructure:"workers"`
	Checksum    string `mapstructure:"checksum"`
	Compression string `mapstructure:"compression"`

	// Retry policy for blob transfers
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
	RetryJitter     float64       `mapstructure:"retry_jitter"`

	// Blob endpoint selection: webhook, minio or local
	Endpoint string `mapstructure:"endpoint"`

	// Webhook configuration
	Webhook        string        `mapstructure:"webhook"`
	WebhookToken   string        `mapstructure:"webhook_token"`
	ProxyBase      string        `mapstructure:"proxy_base"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`

	// Local blob directory
	BlobPath string `mapstructure:"blob_path"`

	// MinIO configuration
	MinIOEndpoint   string `mapstructure:"minio_endpoint"`
	MinIOAccessKey  string `mapstructure:"minio_access_key"`
	MinIOSecretKey  string `mapstructure:"minio_secret_key"`
	MinIOBucketName string `mapstructure:"minio_bucket_name"`
	MinIOUseSSL     bool   `mapstructure:"minio_use_ssl"`

	// Metadata store: sqlite (DatabasePath) or mysql (TiDB settings)
	DatabaseDriver string `mapstructure:"database_driver"`
	DatabasePath   string `mapstructure:"database_path"`
	TiDBHost       string `mapstructure:"tidb_host"`
	TiDBPort       string `mapstructure:"tidb_port"`
	TiDBUser       string `mapstructure:"tidb_user"`
	TiDBPassword   string `mapstructure:"tidb_password"`
	TiDBDatabase   string `mapstructure:"tidb_database"`

	// Redis configuration. An empty host disables the metadata cache.
	RedisHost     string `mapstructure:"redis_host"`
	RedisPort     string `mapstructure:"redis_port"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// Jaeger configuration. An empty endpoint disables export.
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}

var defaults = map[string]any{
	"service_port": "8080",
	"service_name": "octo-potato",
	"log_level":    "info",
	"log_format":   "text",

	"chunk_size":  2_000_000,
	"workers":     4,
	"checksum":    string(checksum.SHA256),
	"compression": string(compress.None),

	"retry_attempts":   5,
	"retry_base_delay": 2 * time.Second,
	"retry_max_delay":  30 * time.Second,
	"retry_multiplier": 2.0,
	"retry_jitter":     0.5,

	"endpoint":        EndpointWebhook,
	"webhook":         "",
	"webhook_token":   "",
	"proxy_base":      "",
	"webhook_timeout": 2 * time.Minute,
	"blob_path":       "app-data/blobs",

	"minio_endpoint":    "localhost:9000",
	"minio_access_key":  "minioadmin",
	"minio_secret_key":  "minioadmin",
	"minio_bucket_name": "octo-potato",
	"minio_use_ssl":     false,

	"database_driver": "sqlite",
	"database_path":   "app-data/store.db",
	"tidb_host":       "localhost",
	"tidb_port":       "4000",
	"tidb_user":       "root",
	"tidb_password":   "",
	"tidb_database":   "octo",

	"redis_host":     "",
	"redis_port":     "6379",
	"redis_password": "",
	"redis_db":       0,

	"jaeger_endpoint": "",
}

// LoadConfig reads .env into the environment, then layers environment
// variables over an optional YAML file over defaults. path may be empty.
func LoadConfig(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("octo")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside the
// pipeline
func (c *Config) Validate() error {
	var errs []error
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.ChunkSize > models.MaxChunkSize {
		errs = append(errs, fmt.Errorf("chunk_size must be at most %d, got %d", models.MaxChunkSize, c.ChunkSize))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry_attempts must be positive, got %d", c.RetryAttempts))
	}
	if _, err := checksum.ParseAlgorithm(c.Checksum); err != nil {
		errs = append(errs, err)
	}
	if _, err := compress.ParseEncoding(c.Compression); err != nil {
		errs = append(errs, err)
	}
	switch c.DatabaseDriver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Errorf("unsupported database_driver %q", c.DatabaseDriver))
	}
	switch c.Endpoint {
	case EndpointWebhook:
		if c.Webhook == "" {
			errs = append(errs, errors.New("WEBHOOK must be set for the webhook endpoint"))
		}
	case EndpointMinio, EndpointLocal:
	default:
		errs = append(errs, fmt.Errorf("unsupported endpoint %q", c.Endpoint))
	}
	return errors.Join(errs...)
}

// GetDSN returns the metadata store DSN for the configured driver
func (c *Config) GetDSN() string {
	if c.DatabaseDriver == "mysql" {
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4",
			c.TiDBUser,
			c.TiDBPassword,
			c.TiDBHost,
			c.TiDBPort,
			c.TiDBDatabase,
		)
	}
	return c.DatabasePath
}

// GetRedisAddr returns the Redis address, or "" when caching is disabled
func (c *Config) GetRedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// RetryPolicy returns the transfer retry policy
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.RetryAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
		Multiplier:  c.RetryMultiplier,
		Jitter:      c.RetryJitter,
	}
}
