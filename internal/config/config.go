// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Process roles.
const (
	RoleAll    = "all"
	RoleIngest = "ingest"
	RoleFanout = "fanout"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the complete application configuration.
type Config struct {
	// Role selects which half of the system this process runs.
	Role     string        `yaml:"role"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	Fanout   FanoutConfig  `yaml:"fanout"`
	Notify   NotifyConfig  `yaml:"notify"`
	Store    StoreConfig   `yaml:"store"`
	Provider string        `yaml:"provider"`
	SES      SESConfig     `yaml:"ses"`
	AWS      AWSConfig     `yaml:"aws"`
	TLS      TLSConfig     `yaml:"tls"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds SMTP receiver configuration.
type SMTPConfig struct {
	Listen         string   `yaml:"listen"`
	Hostname       string   `yaml:"hostname"`
	Domains        []string `yaml:"domains"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	MaxRecipients  int      `yaml:"max_recipients"`
	RateLimit      float64  `yaml:"rate_limit"`
	RateBurst      int      `yaml:"rate_burst"`
}

// FanoutConfig holds the live-delivery HTTP server configuration.
type FanoutConfig struct {
	Listen         string        `yaml:"listen"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	SendBuffer     int           `yaml:"send_buffer"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	WebhookSecret  string        `yaml:"webhook_secret"`
}

// NotifyConfig selects how ingestion signals the fan-out process.
type NotifyConfig struct {
	// Transport is "local", "http" or "sqs".
	Transport string        `yaml:"transport"`
	URL       string        `yaml:"url"`
	Secret    string        `yaml:"secret"`
	Timeout   time.Duration `yaml:"timeout"`
	QueueURL  string        `yaml:"queue_url"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Type is "file", "maildir" or "dynamodb".
	Type  string        `yaml:"type"`
	Path  string        `yaml:"path"`
	Table string        `yaml:"table"`
	TTL   time.Duration `yaml:"ttl"`
}

// SESConfig holds AWS SES sending configuration.
type SESConfig struct {
	Sender           string `yaml:"sender"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// AWSConfig holds the settings shared by every AWS client.
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint string `yaml:"endpoint"`
}

// TLSConfig holds TLS certificate file paths for SMTP STARTTLS.
type TLSConfig struct {
	Disabled bool   `yaml:"disabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected role, transport, store and provider have
// the settings they need.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleAll, RoleIngest, RoleFanout:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalid, c.Role)
	}

	switch c.Notify.Transport {
	case "local":
		if c.Role == RoleIngest {
			return fmt.Errorf("%w: role %q needs notify transport http or sqs", ErrInvalid, c.Role)
		}
	case "http":
		if c.Role != RoleFanout && c.Notify.URL == "" {
			return fmt.Errorf("%w: notify transport http requires NOTIFY_URL", ErrInvalid)
		}
	case "sqs":
		if c.Notify.QueueURL == "" {
			return fmt.Errorf("%w: notify transport sqs requires NOTIFY_QUEUE_URL", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown notify transport %q", ErrInvalid, c.Notify.Transport)
	}

	switch c.Store.Type {
	case "file", "maildir":
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store %q requires STORE_PATH", ErrInvalid, c.Store.Type)
		}
	case "dynamodb":
		if c.Store.Table == "" {
			return fmt.Errorf("%w: store dynamodb requires STORE_TABLE", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store type %q", ErrInvalid, c.Store.Type)
	}

	if c.Provider == "ses" && !c.SESConfigured() {
		return fmt.Errorf("%w: provider ses requires AWS_REGION and SES_SENDER", ErrInvalid)
	}
	return nil
}

// SESConfigured returns true if the SES sender and AWS region are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Sender != "" && c.AWS.Region != ""
}

// RunsIngest reports whether this process runs the SMTP receiver and webhook.
func (c *Config) RunsIngest() bool {
	return c.Role == RoleAll || c.Role == RoleIngest
}

// RunsFanout reports whether this process holds live connections.
func (c *Config) RunsFanout() bool {
	return c.Role == RoleAll || c.Role == RoleFanout
}

// NeedsAWS reports whether any configured component talks to AWS.
func (c *Config) NeedsAWS() bool {
	return c.Store.Type == "dynamodb" || c.Notify.Transport == "sqs" || c.Provider == "ses"
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Role = RoleAll
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = 50
	c.Fanout.Listen = ":3001"
	c.Fanout.AllowedOrigins = []string{"*"}
	c.Fanout.SendBuffer = 64
	c.Fanout.PingInterval = 30 * time.Second
	c.Notify.Transport = "local"
	c.Notify.Timeout = 5 * time.Second
	c.Store.Type = "file"
	c.Store.Path = "./data"
	c.Provider = "stdout"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.Role, "ROLE", strings.ToLower)

	setString(&c.SMTP.Listen, "SMTP_LISTEN", nil)
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME", nil)
	setList(&c.SMTP.Domains, "SMTP_DOMAINS")
	setInt64(&c.SMTP.MaxMessageSize, "SMTP_MAX_MESSAGE_SIZE")
	setInt(&c.SMTP.MaxRecipients, "SMTP_MAX_RECIPIENTS")
	setFloat(&c.SMTP.RateLimit, "SMTP_RATE_LIMIT")
	setInt(&c.SMTP.RateBurst, "SMTP_RATE_BURST")

	setString(&c.Fanout.Listen, "FANOUT_LISTEN", nil)
	setList(&c.Fanout.AllowedOrigins, "FANOUT_ALLOWED_ORIGINS")
	setInt(&c.Fanout.SendBuffer, "FANOUT_SEND_BUFFER")
	setDuration(&c.Fanout.PingInterval, "FANOUT_PING_INTERVAL")
	setString(&c.Fanout.WebhookSecret, "WEBHOOK_SECRET", nil)

	setString(&c.Notify.Transport, "NOTIFY_TRANSPORT", strings.ToLower)
	setString(&c.Notify.URL, "NOTIFY_URL", nil)
	setString(&c.Notify.Secret, "NOTIFY_SECRET", nil)
	setDuration(&c.Notify.Timeout, "NOTIFY_TIMEOUT")
	setString(&c.Notify.QueueURL, "NOTIFY_QUEUE_URL", nil)

	setString(&c.Store.Type, "STORE_TYPE", strings.ToLower)
	setString(&c.Store.Path, "STORE_PATH", nil)
	setString(&c.Store.Table, "STORE_TABLE", nil)
	setDuration(&c.Store.TTL, "STORE_TTL")

	setString(&c.Provider, "PROVIDER", strings.ToLower)
	setString(&c.SES.Sender, "SES_SENDER", nil)
	setString(&c.SES.ConfigurationSet, "SES_CONFIGURATION_SET", nil)

	setString(&c.AWS.Region, "AWS_REGION", nil)
	setString(&c.AWS.AccessKeyID, "AWS_ACCESS_KEY_ID", nil)
	setString(&c.AWS.SecretAccessKey, "AWS_SECRET_ACCESS_KEY", nil)
	setString(&c.AWS.Endpoint, "AWS_ENDPOINT_URL", nil)

	if v := os.Getenv("TLS_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TLS.Disabled = b
		}
	}
	setString(&c.TLS.CertFile, "TLS_CERT_FILE", nil)
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE", nil)

	setString(&c.Logging.Level, "LOG_LEVEL", strings.ToLower)
}

func setString(dst *string, key string, transform func(string) string) {
	if v := os.Getenv(key); v != "" {
		if transform != nil {
			v = transform(v)
		}
		*dst = v
	}
}

// setList splits a comma-separated variable, dropping blank entries.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

// Malformed numeric values are ignored and the previous value kept.

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
