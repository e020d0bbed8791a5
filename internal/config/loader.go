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

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "convoke.yaml"

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
	setString(&cfg.Server.Port, "CONVOKE_PORT")
	setString(&cfg.Server.CORSOrigin, "CONVOKE_CORS_ORIGIN")
	setFloat(&cfg.Server.RateLimit, "CONVOKE_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "CONVOKE_RATE_BURST")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CONVOKE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CONVOKE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CONVOKE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CONVOKE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CONVOKE_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Provider.BaseURL, "CONVOKE_PROVIDER_URL")
	setString(&cfg.Provider.APIKey, "CONVOKE_PROVIDER_API_KEY")
	setDuration(&cfg.Provider.Timeout, "CONVOKE_PROVIDER_TIMEOUT")
	setString(&cfg.Provider.AssistantID, "CONVOKE_PROVIDER_ASSISTANT_ID")

	setString(&cfg.Logging.Level, "CONVOKE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONVOKE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CONVOKE_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "CONVOKE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CONVOKE_BREAKER_TIMEOUT")

	setBool(&cfg.Auth.Enabled, "CONVOKE_AUTH_ENABLED")
	setString(&cfg.Auth.APIKeyHash, "CONVOKE_API_KEY_HASH")

	setBool(&cfg.Commands.Native, "CONVOKE_CMD_NATIVE")
	setBool(&cfg.Commands.ReplyExtra, "CONVOKE_CMD_REPLY_EXTRA")
	setDuration(&cfg.Commands.SyntaxCacheTTL, "CONVOKE_CMD_SYNTAX_CACHE_TTL")

	setString(&cfg.Prompt.System, "CONVOKE_SYSTEM_PROMPT")

	setBool(&cfg.Dispatcher.LogEvents, "CONVOKE_DISPATCH_LOG_EVENTS")
	setStrings(&cfg.Dispatcher.NoLogEvents, "CONVOKE_DISPATCH_NOLOG_EVENTS")

	setString(&cfg.Experts.PresetsDir, "CONVOKE_EXPERTS_DIR")
	setBool(&cfg.Experts.Orchestrate, "CONVOKE_EXPERTS_ORCHESTRATE")
	setBool(&cfg.Experts.LegacyAgent, "CONVOKE_LEGACY_AGENT")

	setString(&cfg.Models.Dir, "CONVOKE_MODELS_DIR")

	setDuration(&cfg.Runner.PollInterval, "CONVOKE_RUNNER_POLL_INTERVAL")
	setDuration(&cfg.Runner.Timeout, "CONVOKE_RUNNER_TIMEOUT")

	setInt(&cfg.Pool.MaxWorkers, "CONVOKE_POOL_MAX_WORKERS")
	setInt64(&cfg.Cache.L1MaxSizeMB, "CONVOKE_CACHE_L1_SIZE_MB")

	setBool(&cfg.OTel.Enabled, "CONVOKE_OTEL_ENABLED")
	setString(&cfg.OTel.Endpoint, "CONVOKE_OTEL_ENDPOINT")

	setString(&cfg.MCP.ServersDir, "CONVOKE_MCP_SERVERS_DIR")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Runner.PollInterval <= 0 {
		return errors.New("runner.poll_interval must be > 0")
	}
	if cfg.Pool.MaxWorkers < 1 {
		return errors.New("pool.max_workers must be >= 1")
	}
	if cfg.Auth.Enabled && cfg.Auth.APIKeyHash == "" {
		return errors.New("auth.api_key_hash is required when auth is enabled")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStrings(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
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
