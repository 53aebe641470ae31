package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SETTLE_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	key string
	set func(c *Config, v string) error
}

func stringVar(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func durationVar(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

func intVar(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

var envBindings = []envBinding{
	{"ADDR", stringVar(func(c *Config) *string { return &c.Server.Addr })},
	{"CORS_ORIGINS", func(c *Config, v string) error {
		c.Server.CORSOrigins = splitList(v)
		return nil
	}},
	{"SHUTDOWN_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout })},
	{"DB_DIALECT", stringVar(func(c *Config) *string { return &c.Database.Dialect })},
	{"DB_DSN", stringVar(func(c *Config) *string { return &c.Database.DSN })},
	{"GRACE_PERIOD", durationVar(func(c *Config) *time.Duration { return &c.Approval.GracePeriod })},
	{"SWEEP_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.Sweep.Interval })},
	{"SWEEP_BATCH_SIZE", intVar(func(c *Config) *int { return &c.Sweep.BatchSize })},
	{"SWEEP_CONCURRENCY", intVar(func(c *Config) *int { return &c.Sweep.Concurrency })},
	{"SWEEP_RECOVERY_DELAY", durationVar(func(c *Config) *time.Duration { return &c.Sweep.RecoveryDelay })},
	{"GATEWAY_MODE", stringVar(func(c *Config) *string { return &c.Gateway.Mode })},
	{"GATEWAY_URL", stringVar(func(c *Config) *string { return &c.Gateway.URL })},
	{"GATEWAY_SECRET_KEY", stringVar(func(c *Config) *string { return &c.Gateway.SecretKey })},
	{"GATEWAY_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Gateway.Timeout })},
	{"GATEWAY_RETRY_ATTEMPTS", intVar(func(c *Config) *int { return &c.Gateway.Retry.MaxAttempts })},
	{"WEBHOOK_URL", stringVar(func(c *Config) *string { return &c.Notify.WebhookURL })},
	{"WEBHOOK_SECRET", stringVar(func(c *Config) *string { return &c.Notify.WebhookSecret })},
	{"NATS_URL", stringVar(func(c *Config) *string { return &c.Notify.NATSURL })},
	{"NATS_PREFIX", stringVar(func(c *Config) *string { return &c.Notify.NATSPrefix })},
	{"JWT_SECRET", stringVar(func(c *Config) *string { return &c.Auth.JWTSecret })},
}

// ApplyEnv overrides fields from SETTLE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
