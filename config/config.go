// Package config loads engine configuration from an optional JSON file
// with environment variable overrides taking precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"trade-decision-engine/internal/antiflip"
	"trade-decision-engine/internal/api"
	"trade-decision-engine/internal/circuit"
	"trade-decision-engine/internal/dedup"
	"trade-decision-engine/internal/engine"
	"trade-decision-engine/internal/lifecycle"
	"trade-decision-engine/internal/logging"
	"trade-decision-engine/internal/risk"
	"trade-decision-engine/internal/signal"
	"trade-decision-engine/internal/store"
)

// Config is the full engine configuration
type Config struct {
	Aggregator signal.AggregatorConfig `json:"aggregator"`
	AntiFlip   antiflip.Config         `json:"anti_flip"`
	Risk       risk.Config             `json:"risk"`
	Circuit    circuit.Config          `json:"circuit_breaker"`
	Dedup      dedup.Config            `json:"dedup"`
	Lifecycle  lifecycle.Config        `json:"lifecycle"`
	Engine     engine.Config           `json:"engine"`
	Server     api.ServerConfig        `json:"server"`
	Database   DatabaseConfig          `json:"database"`
	Redis      RedisConfig             `json:"redis"`
	Logging    logging.Config          `json:"logging"`
}

// DatabaseConfig wraps the Postgres settings with an enable switch
type DatabaseConfig struct {
	Enabled bool `json:"enabled"`
	store.PostgresConfig
}

// RedisConfig wraps the Redis settings with an enable switch
type RedisConfig struct {
	Enabled bool `json:"enabled"`
	store.RedisConfig
}

// Load reads config.json (or the file named by CONFIG_FILE) when
// present, then applies environment overrides on top of defaults.
func Load() (*Config, error) {
	cfg := defaults()

	path := getEnvOrDefault("CONFIG_FILE", "config.json")
	if file, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(file, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Aggregator: signal.DefaultAggregatorConfig(),
		AntiFlip:   antiflip.DefaultConfig(),
		Risk:       risk.DefaultConfig(),
		Circuit:    circuit.DefaultConfig(),
		Dedup:      dedup.DefaultConfig(),
		Lifecycle:  lifecycle.DefaultConfig(),
		Engine:     engine.DefaultConfig(),
		Server: api.ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			PostgresConfig: store.PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "engine",
				Database: "trade_engine",
				SSLMode:  "disable",
			},
		},
		Redis: RedisConfig{
			RedisConfig: store.RedisConfig{Addr: "localhost:6379"},
		},
		Logging: logging.Config{Level: "info", Output: "stdout"},
	}
}

// Validate fails fast on any invalid section so a misconfigured engine
// never starts trading
func (c *Config) Validate() error {
	checks := []struct {
		name string
		err  error
	}{
		{"aggregator", c.Aggregator.Validate()},
		{"anti_flip", c.AntiFlip.Validate()},
		{"risk", c.Risk.Validate()},
		{"circuit_breaker", c.Circuit.Validate()},
		{"dedup", c.Dedup.Validate()},
		{"lifecycle", c.Lifecycle.Validate()},
		{"engine", c.Engine.Validate()},
		{"server", c.Server.Validate()},
	}
	for _, check := range checks {
		if check.err != nil {
			return fmt.Errorf("config section %s: %w", check.name, check.err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// Engine
	if raw := os.Getenv("ENGINE_SYMBOLS"); raw != "" {
		cfg.Engine.Symbols = splitAndTrim(raw)
	}
	cfg.Engine.TimeExitCheckInterval = getEnvDurationOrDefault("ENGINE_TIME_EXIT_INTERVAL", cfg.Engine.TimeExitCheckInterval)
	cfg.Engine.LiquidityCheckInterval = getEnvDurationOrDefault("ENGINE_LIQUIDITY_INTERVAL", cfg.Engine.LiquidityCheckInterval)

	// Risk
	cfg.Risk.RiskPerTradePercent = getEnvFloatOrDefault("RISK_PER_TRADE_PERCENT", cfg.Risk.RiskPerTradePercent)
	cfg.Risk.MaxDailyLossPercent = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS_PERCENT", cfg.Risk.MaxDailyLossPercent)
	cfg.Risk.MaxConsecutiveLosses = getEnvIntOrDefault("RISK_MAX_CONSECUTIVE_LOSSES", cfg.Risk.MaxConsecutiveLosses)
	cfg.Risk.MaxConcurrentPositions = getEnvIntOrDefault("RISK_MAX_CONCURRENT_POSITIONS", cfg.Risk.MaxConcurrentPositions)
	cfg.Risk.MaxTotalExposurePercent = getEnvFloatOrDefault("RISK_MAX_TOTAL_EXPOSURE_PERCENT", cfg.Risk.MaxTotalExposurePercent)
	cfg.Risk.EmergencyStopEnabled = getEnvBoolOrDefault("RISK_EMERGENCY_STOP_ENABLED", cfg.Risk.EmergencyStopEnabled)

	// Circuit breaker
	cfg.Circuit.ErrorThreshold = getEnvIntOrDefault("CIRCUIT_ERROR_THRESHOLD", cfg.Circuit.ErrorThreshold)
	cfg.Circuit.Cooldown = getEnvDurationOrDefault("CIRCUIT_COOLDOWN", cfg.Circuit.Cooldown)

	// Anti-flip
	cfg.AntiFlip.CooldownMs = int64(getEnvIntOrDefault("ANTIFLIP_COOLDOWN_MS", int(cfg.AntiFlip.CooldownMs)))
	cfg.AntiFlip.CooldownCandles = getEnvIntOrDefault("ANTIFLIP_COOLDOWN_CANDLES", cfg.AntiFlip.CooldownCandles)
	cfg.AntiFlip.OverrideConfidenceThreshold = getEnvFloatOrDefault("ANTIFLIP_OVERRIDE_CONFIDENCE", cfg.AntiFlip.OverrideConfidenceThreshold)

	// Server
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", cfg.Server.Port)
	cfg.Server.ProductionMode = getEnvBoolOrDefault("SERVER_PRODUCTION_MODE", cfg.Server.ProductionMode)
	if raw := os.Getenv("SERVER_ALLOW_ORIGINS"); raw != "" {
		cfg.Server.AllowOrigins = splitAndTrim(raw)
	}

	// Database
	cfg.Database.Enabled = getEnvBoolOrDefault("DATABASE_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = getEnvOrDefault("DATABASE_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DATABASE_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DATABASE_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DATABASE_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DATABASE_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DATABASE_SSL_MODE", cfg.Database.SSLMode)

	// Redis
	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	// Logging
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.Pretty = getEnvBoolOrDefault("LOG_PRETTY", cfg.Logging.Pretty)
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
