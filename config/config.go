// Package config provides configuration loading for the settlement server.
//
// Values are layered: defaults, then an optional YAML file, then SETTLE_*
// environment variables. Command-line flags are applied last by cmd/server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/shift-settlement/settlement"
)

// Config represents the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Approval ApprovalConfig `yaml:"approval"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Notify   NotifyConfig   `yaml:"notify"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address (default: :8080)
	Addr string `yaml:"addr"`
	// CORSOrigins lists allowed browser origins
	CORSOrigins []string `yaml:"cors_origins"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the SQL store.
type DatabaseConfig struct {
	// Dialect is "sqlite" or "postgres"
	Dialect string `yaml:"dialect"`
	// DSN is a file path (sqlite, ":memory:" allowed) or a postgres URL
	DSN string `yaml:"dsn"`
}

type ApprovalConfig struct {
	// GracePeriod is how long a payer has before auto-approval (default: 72h)
	GracePeriod time.Duration `yaml:"grace_period"`
}

// SweepConfig configures the deadline scheduler.
type SweepConfig struct {
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batch_size"`
	Concurrency   int           `yaml:"concurrency"`
	RecoveryDelay time.Duration `yaml:"recovery_delay"`
}

// GatewayConfig configures the payment gateway adapter.
type GatewayConfig struct {
	// Mode is "sandbox" (in-process, default) or "http"
	Mode      string        `yaml:"mode"`
	URL       string        `yaml:"url"`
	SecretKey string        `yaml:"secret_key"`
	Timeout   time.Duration `yaml:"timeout"`
	Retry     RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

// NotifyConfig configures event sinks. Empty values disable a sink.
type NotifyConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
	NATSURL       string `yaml:"nats_url"`
	NATSPrefix    string `yaml:"nats_prefix"`
}

// AuthConfig enables bearer-token authentication when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"

	GatewaySandbox = "sandbox"
	GatewayHTTP    = "http"
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	retry := settlement.DefaultRetryPolicy()
	sweep := settlement.DefaultSweepOptions()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Dialect: DialectSQLite,
			DSN:     "settlement.db",
		},
		Approval: ApprovalConfig{
			GracePeriod: settlement.DefaultGracePeriod,
		},
		Sweep: SweepConfig{
			Interval:      time.Minute,
			BatchSize:     sweep.BatchSize,
			Concurrency:   sweep.Concurrency,
			RecoveryDelay: sweep.RecoveryDelay,
		},
		Gateway: GatewayConfig{
			Mode:    GatewaySandbox,
			Timeout: settlement.DefaultGatewayTimeout,
			Retry: RetryConfig{
				InitialInterval: retry.InitialInterval,
				MaxInterval:     retry.MaxInterval,
				MaxAttempts:     retry.MaxAttempts,
			},
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Database.Dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return fmt.Errorf("database.dialect must be %q or %q, got %q", DialectSQLite, DialectPostgres, c.Database.Dialect)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Approval.GracePeriod <= 0 {
		return fmt.Errorf("approval.grace_period must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	if c.Sweep.BatchSize <= 0 || c.Sweep.Concurrency <= 0 {
		return fmt.Errorf("sweep.batch_size and sweep.concurrency must be positive")
	}
	if c.Sweep.RecoveryDelay < 0 {
		return fmt.Errorf("sweep.recovery_delay must not be negative")
	}
	switch c.Gateway.Mode {
	case GatewaySandbox:
	case GatewayHTTP:
		if c.Gateway.URL == "" {
			return fmt.Errorf("gateway.url is required in http mode")
		}
		if c.Gateway.SecretKey == "" {
			return fmt.Errorf("gateway.secret_key is required in http mode")
		}
	default:
		return fmt.Errorf("gateway.mode must be %q or %q, got %q", GatewaySandbox, GatewayHTTP, c.Gateway.Mode)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("gateway.timeout must be positive")
	}
	if c.Gateway.Retry.MaxAttempts < 1 {
		return fmt.Errorf("gateway.retry.max_attempts must be at least 1")
	}
	return nil
}

// RetryPolicy converts the gateway retry settings.
func (c *Config) RetryPolicy() settlement.RetryPolicy {
	return settlement.RetryPolicy{
		InitialInterval: c.Gateway.Retry.InitialInterval,
		MaxInterval:     c.Gateway.Retry.MaxInterval,
		MaxAttempts:     c.Gateway.Retry.MaxAttempts,
	}
}

// SweepOptions converts the sweep settings.
func (c *Config) SweepOptions() settlement.SweepOptions {
	return settlement.SweepOptions{
		BatchSize:     c.Sweep.BatchSize,
		Concurrency:   c.Sweep.Concurrency,
		RecoveryDelay: c.Sweep.RecoveryDelay,
	}
}

// LoadFromFile reads a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Load builds the configuration from defaults, the optional file at path and
// the process environment. The result is not validated so callers can apply
// flags first.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return config, nil
}
