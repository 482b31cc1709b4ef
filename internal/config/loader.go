package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "bmad.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "BMAD_PORT")
	setString(&cfg.Server.CORSOrigin, "BMAD_CORS_ORIGIN")
	setBool(&cfg.Server.DevMode, "BMAD_DEV_MODE")
	setFloat64(&cfg.Server.RateLimitRPS, "BMAD_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "BMAD_RATE_LIMIT_BURST")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "BMAD_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "BMAD_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "BMAD_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "BMAD_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "BMAD_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "BMAD_LOG_LEVEL")
	setString(&cfg.Logging.Service, "BMAD_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "BMAD_LOG_ASYNC")

	setInt(&cfg.Approval.DefaultTTLMinutes, "BMAD_APPROVAL_TTL_MINUTES")
	setDuration(&cfg.Approval.WaitPollInterval, "BMAD_APPROVAL_POLL_INTERVAL")
	setDuration(&cfg.Approval.DefaultWaitTimeout, "BMAD_APPROVAL_WAIT_TIMEOUT")
	setDuration(&cfg.Approval.SweepInterval, "BMAD_APPROVAL_SWEEP_INTERVAL")

	setInt64(&cfg.Budget.DailyTokenLimit, "BMAD_BUDGET_DAILY_TOKENS")
	setInt64(&cfg.Budget.SessionTokenLimit, "BMAD_BUDGET_SESSION_TOKENS")
	setFloat64(&cfg.Budget.DailyCostLimit, "BMAD_BUDGET_DAILY_COST")
	setFloat64(&cfg.Budget.SessionCostLimit, "BMAD_BUDGET_SESSION_COST")
	setDuration(&cfg.Budget.ResetInterval, "BMAD_BUDGET_RESET_INTERVAL")

	setInt64(&cfg.Cache.MaxSizeMB, "BMAD_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.StopTTL, "BMAD_CACHE_STOP_TTL")

	setInt(&cfg.Breaker.MaxFailures, "BMAD_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "BMAD_BREAKER_TIMEOUT")

	setString(&cfg.Notify.SlackWebhookURL, "BMAD_SLACK_WEBHOOK_URL")

	setBool(&cfg.MCP.Enabled, "BMAD_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "BMAD_MCP_ADDR")
	setString(&cfg.MCP.APIKey, "BMAD_MCP_API_KEY")

	setBool(&cfg.Otel.Enabled, "BMAD_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if !cfg.Server.DevMode {
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required")
		}
	}
	if cfg.Approval.DefaultTTLMinutes < 1 {
		return errors.New("approval.default_ttl_minutes must be >= 1")
	}
	if cfg.Approval.WaitPollInterval <= 0 {
		return errors.New("approval.wait_poll_interval must be positive")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
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

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
