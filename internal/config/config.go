// Package config provides unified configuration for the ossx client and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SignerVersion selects the request signing scheme.
type SignerVersion string

const (
	SignerV1        SignerVersion = "v1"
	SignerV4        SignerVersion = "v4"
	SignerAnonymous SignerVersion = "anonymous"
)

// Config holds the unified configuration for the client.
type Config struct {
	// Endpoint is the service endpoint, e.g. https://oss-cn-hangzhou.aliyuncs.com
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Bucket is the default bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// PathStyle addresses buckets as endpoint/bucket/key instead of bucket.endpoint/key
	PathStyle bool `json:"path_style" yaml:"path_style"`

	// AppName is appended to the User-Agent header
	AppName string `json:"app_name" yaml:"app_name"`

	// Credentials configuration
	Credentials CredentialsConfig `json:"credentials" yaml:"credentials"`

	// HTTP transport configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Transfer configuration
	Transfer TransferConfig `json:"transfer" yaml:"transfer"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// CredentialsConfig holds signing configuration.
type CredentialsConfig struct {
	// AccessKeyID is the access key id
	AccessKeyID string `json:"access_key_id" yaml:"access_key_id"`

	// AccessKeySecret is the access key secret
	AccessKeySecret string `json:"access_key_secret" yaml:"access_key_secret"`

	// SecurityToken is an optional STS token
	SecurityToken string `json:"security_token" yaml:"security_token"`

	// Signer selects the signing scheme: v1, v4, anonymous
	Signer SignerVersion `json:"signer" yaml:"signer"`

	// Region is the signing region (v4 only)
	Region string `json:"region" yaml:"region"`
}

// HTTPConfig holds HTTP transport configuration.
type HTTPConfig struct {
	// ConnectTimeout bounds dialing a new connection
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// RequestTimeout bounds a whole exchange including body consumption (0 = none)
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// PoolSize is the maximum number of idle and active connections per host
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// MaxRetries is the retry budget for idempotent management calls
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// TransferConfig holds streaming behaviour.
type TransferConfig struct {
	// EnableCRC turns on CRC64 verification of uploads and downloads
	EnableCRC bool `json:"enable_crc" yaml:"enable_crc"`

	// ChunkSize is the transport read size in bytes
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// FramesPerProgress is the number of SELECT frames between progress callbacks
	FramesPerProgress int `json:"frames_per_progress" yaml:"frames_per_progress"`

	// Concurrency is the number of parallel transfers for batch operations
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// PartSize is the multipart upload part size in bytes
	PartSize int64 `json:"part_size" yaml:"part_size"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// File enables JSON file output with rotation when set
	File string `json:"file" yaml:"file"`

	// MaxSizeMB is the rotation size in megabytes
	MaxSizeMB int `json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files kept
	MaxBackups int `json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the retention of rotated files
	MaxAgeDays int `json:"max_age_days" yaml:"max_age_days"`

	// Compress gzips rotated files
	Compress bool `json:"compress" yaml:"compress"`
}

// MetricsConfig holds prometheus configuration.
type MetricsConfig struct {
	// Enabled registers collectors
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Namespace prefixes every metric name
	Namespace string `json:"namespace" yaml:"namespace"`

	// TextFile receives the collected metrics in text format when the CLI exits
	TextFile string `json:"text_file" yaml:"text_file"`
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Credentials: CredentialsConfig{
			Signer: SignerV1,
		},
		HTTP: HTTPConfig{
			ConnectTimeout: 60 * time.Second,
			PoolSize:       10,
		},
		Transfer: TransferConfig{
			EnableCRC:         true,
			ChunkSize:         8 * 1024,
			FramesPerProgress: 10,
			Concurrency:       5,
			PartSize:          5 * 1024 * 1024,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{
			Namespace: "ossx",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if _, err := c.EndpointURL(); err != nil {
		return err
	}

	switch c.Credentials.Signer {
	case SignerV1, SignerV4:
		if c.Credentials.AccessKeyID == "" || c.Credentials.AccessKeySecret == "" {
			if c.Credentials.Signer == SignerV1 {
				return fmt.Errorf("credentials.access_key_id and access_key_secret are required for signer v1")
			}
		}
	case SignerAnonymous:
	default:
		return fmt.Errorf("invalid signer: %s (must be v1, v4, or anonymous)", c.Credentials.Signer)
	}

	if c.Credentials.Signer == SignerV4 && c.Credentials.Region == "" {
		return fmt.Errorf("credentials.region is required for signer v4")
	}

	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunk_size must be positive, got %d", c.Transfer.ChunkSize)
	}
	if c.Transfer.FramesPerProgress <= 0 {
		return fmt.Errorf("transfer.frames_per_progress must be positive, got %d", c.Transfer.FramesPerProgress)
	}
	if c.Transfer.PartSize < 100*1024 {
		return fmt.Errorf("transfer.part_size must be at least 100KB, got %d", c.Transfer.PartSize)
	}
	if c.Transfer.Concurrency <= 0 {
		return fmt.Errorf("transfer.concurrency must be positive, got %d", c.Transfer.Concurrency)
	}
	if c.HTTP.PoolSize <= 0 {
		return fmt.Errorf("http.pool_size must be positive, got %d", c.HTTP.PoolSize)
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must not be negative, got %d", c.HTTP.MaxRetries)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	return nil
}

// EndpointURL parses the endpoint, defaulting the scheme to https.
func (c *Config) EndpointURL() (*url.URL, error) {
	ep := c.Endpoint
	if !strings.Contains(ep, "://") {
		ep = "https://" + ep
	}
	u, err := url.Parse(ep)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", c.Endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: missing host", c.Endpoint)
	}
	return u, nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the OSSX_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("OSSX_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("OSSX_BUCKET"); v != "" {
		cfg.Bucket = v
	}
	if v := os.Getenv("OSSX_PATH_STYLE"); v != "" {
		cfg.PathStyle = v == "true" || v == "1"
	}
	if v := os.Getenv("OSSX_APP_NAME"); v != "" {
		cfg.AppName = v
	}

	// Credentials
	if v := os.Getenv("OSSX_ACCESS_KEY_ID"); v != "" {
		cfg.Credentials.AccessKeyID = v
	}
	if v := os.Getenv("OSSX_ACCESS_KEY_SECRET"); v != "" {
		cfg.Credentials.AccessKeySecret = v
	}
	if v := os.Getenv("OSSX_SECURITY_TOKEN"); v != "" {
		cfg.Credentials.SecurityToken = v
	}
	if v := os.Getenv("OSSX_SIGNER"); v != "" {
		cfg.Credentials.Signer = SignerVersion(v)
	}
	if v := os.Getenv("OSSX_REGION"); v != "" {
		cfg.Credentials.Region = v
	}

	// HTTP configuration
	if v := os.Getenv("OSSX_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.ConnectTimeout = d
		}
	}
	if v := os.Getenv("OSSX_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.RequestTimeout = d
		}
	}
	if v := os.Getenv("OSSX_POOL_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.HTTP.PoolSize)
	}
	if v := os.Getenv("OSSX_MAX_RETRIES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.HTTP.MaxRetries)
	}

	// Transfer configuration
	if v := os.Getenv("OSSX_ENABLE_CRC"); v != "" {
		cfg.Transfer.EnableCRC = v == "true" || v == "1"
	}
	if v := os.Getenv("OSSX_CHUNK_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Transfer.ChunkSize)
	}
	if v := os.Getenv("OSSX_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Transfer.Concurrency)
	}
	if v := os.Getenv("OSSX_PART_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Transfer.PartSize)
	}

	// Log configuration
	if v := os.Getenv("OSSX_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OSSX_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	if v := os.Getenv("OSSX_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("OSSX_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.TextFile = v
	}
}
