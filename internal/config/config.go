// Package config defines the runtime configuration of marketd and provides
// validation helpers.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atmx/marketd/internal/model"
	"github.com/atmx/marketd/internal/pricing"
)

// Config is the root configuration structure. Fields are populated from an
// optional TOML file and then overridden by MARKETD_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Engine   EngineConfig   `toml:"engine"`
	Pricing  PricingConfig  `toml:"pricing"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Auth     AuthConfig     `toml:"auth"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
	// AllowFunding routes the development faucet. Never enable it where
	// balances carry real value.
	AllowFunding bool `toml:"allow_funding"`
}

// EngineConfig identifies the program markets and vaults are derived under.
type EngineConfig struct {
	ProgramID string `toml:"program_id"` // 32 bytes hex
}

type PricingConfig struct {
	Policy string `toml:"policy"`
}

// PostgresConfig holds connection parameters. An empty DSN selects the
// in-memory store.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache when URL is set. It is only
// used together with Postgres.
type RedisConfig struct {
	URL string   `toml:"url"`
	TTL duration `toml:"ttl"`
}

// AuthConfig selects how callers are identified.
type AuthConfig struct {
	Mode    string   `toml:"mode"` // "signature" or "trusted"
	MaxSkew duration `toml:"max_skew"`
}

const (
	AuthSignature = "signature"
	AuthTrusted   = "trusted"
)

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with every field set to a sensible value for a
// single-node development deployment.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Engine: EngineConfig{
			ProgramID: strings.Repeat("00", model.IdentityLen),
		},
		Pricing: PricingConfig{
			Policy: pricing.PolicyLMSR,
		},
		Postgres: PostgresConfig{
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			TTL: duration{30 * time.Second},
		},
		Auth: AuthConfig{
			Mode:    AuthSignature,
			MaxSkew: duration{30 * time.Second},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Validate checks Config for invalid values and returns a combined error
// describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if _, err := c.ProgramID(); err != nil {
		errs = append(errs, fmt.Sprintf("engine: program_id must be %d bytes of hex", model.IdentityLen))
	}
	if _, err := pricing.ByName(c.Pricing.Policy); err != nil {
		errs = append(errs, fmt.Sprintf("pricing: unknown policy %q (valid: %s, %s)", c.Pricing.Policy, pricing.PolicyLMSR, pricing.PolicyFixed))
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}
	if c.Redis.URL != "" && c.Postgres.DSN == "" {
		errs = append(errs, "redis: url requires postgres.dsn")
	}
	if c.Redis.TTL.Duration <= 0 {
		errs = append(errs, "redis: ttl must be positive")
	}
	switch c.Auth.Mode {
	case AuthSignature:
		if c.Auth.MaxSkew.Duration <= 0 {
			errs = append(errs, "auth: max_skew must be positive")
		}
	case AuthTrusted:
	default:
		errs = append(errs, fmt.Sprintf("auth: unknown mode %q (valid: %s, %s)", c.Auth.Mode, AuthSignature, AuthTrusted))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ProgramID decodes Engine.ProgramID.
func (c *Config) ProgramID() (model.Identity, error) {
	var id model.Identity
	raw, err := hex.DecodeString(strings.TrimPrefix(c.Engine.ProgramID, "0x"))
	if err != nil || len(raw) != model.IdentityLen {
		return id, fmt.Errorf("config: program_id %q is not %d bytes of hex", c.Engine.ProgramID, model.IdentityLen)
	}
	copy(id[:], raw)
	return id, nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	if lvl, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
