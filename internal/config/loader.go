package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// built-in defaults, then applies environment overrides. A .env file in the
// working directory is loaded first if present. The returned Config has NOT
// been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads MARKETD_* variables, plus the bare PORT,
// DATABASE_URL and REDIS_URL names that container platforms inject. The
// prefixed name wins when both are set.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "MARKETD_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "MARKETD_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "MARKETD_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.RequestTimeout, "MARKETD_SERVER_REQUEST_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETD_SERVER_CORS_ORIGINS")
	setBool(&cfg.Server.AllowFunding, "MARKETD_SERVER_ALLOW_FUNDING")

	// ── Engine ──
	setStr(&cfg.Engine.ProgramID, "MARKETD_ENGINE_PROGRAM_ID")
	setStr(&cfg.Pricing.Policy, "MARKETD_PRICING_POLICY")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "MARKETD_POSTGRES_DSN")
	setInt(&cfg.Postgres.PoolMaxConns, "MARKETD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MARKETD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MARKETD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "MARKETD_REDIS_URL")
	setDuration(&cfg.Redis.TTL, "MARKETD_REDIS_TTL")

	// ── Auth ──
	setStr(&cfg.Auth.Mode, "MARKETD_AUTH_MODE")
	setDuration(&cfg.Auth.MaxSkew, "MARKETD_AUTH_MAX_SKEW")

	setStr(&cfg.LogLevel, "MARKETD_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
