// Package config loads engine configuration from an optional JSON file with
// environment variable overrides taking precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ExchangeConfig ExchangeConfig `json:"exchange"`
	EngineConfig   EngineConfig   `json:"engine"`
	StoreConfig    StoreConfig    `json:"store"`
	ServerConfig   ServerConfig   `json:"server"`
	WebhookConfig  WebhookConfig  `json:"webhook"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// ExchangeConfig holds the upstream market-data endpoints.
type ExchangeConfig struct {
	RESTBaseURL      string `json:"rest_base_url"`
	WSBaseURL        string `json:"ws_base_url"`
	ReconnectSeconds int    `json:"reconnect_seconds"`
}

// EngineConfig tunes the data engine shards.
type EngineConfig struct {
	BaseBufferCap  int      `json:"base_buffer_cap"`
	DeliveryCap    int      `json:"delivery_cap"`
	DestroySeconds int      `json:"destroy_seconds"`
	PersistSeconds int      `json:"persist_seconds"`
	DeepFetchPages int      `json:"deep_fetch_pages"`
	PrewarmSymbols []string `json:"prewarm_symbols"`
}

// StoreConfig selects the snapshot backend.
type StoreConfig struct {
	Backend string `json:"backend"` // file or redis
	Dir     string `json:"dir"`

	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	RedisPrefix   string `json:"redis_prefix"`
}

type ServerConfig struct {
	Port            int      `json:"port"`
	Host            string   `json:"host"`
	ProductionMode  bool     `json:"production_mode"`
	AllowedOrigins  []string `json:"allowed_origins"`
	ShutdownTimeout int      `json:"shutdown_timeout"` // seconds
}

type WebhookConfig struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	// Exchange endpoints
	cfg.ExchangeConfig.RESTBaseURL = getEnvOrDefault("EXCHANGE_REST_BASE_URL", cfg.ExchangeConfig.RESTBaseURL)
	if cfg.ExchangeConfig.RESTBaseURL == "" {
		cfg.ExchangeConfig.RESTBaseURL = "https://fapi.binance.com/fapi/v1"
	}
	cfg.ExchangeConfig.WSBaseURL = getEnvOrDefault("EXCHANGE_WS_BASE_URL", cfg.ExchangeConfig.WSBaseURL)
	if cfg.ExchangeConfig.WSBaseURL == "" {
		cfg.ExchangeConfig.WSBaseURL = "wss://fstream.binance.com"
	}
	if cfg.ExchangeConfig.ReconnectSeconds <= 0 {
		cfg.ExchangeConfig.ReconnectSeconds = 5
	}
	cfg.ExchangeConfig.ReconnectSeconds = getEnvIntOrDefault("EXCHANGE_RECONNECT_SECONDS", cfg.ExchangeConfig.ReconnectSeconds)

	// Engine tunables
	cfg.EngineConfig.BaseBufferCap = getEnvIntOrDefault("ENGINE_BASE_BUFFER_CAP", defaultInt(cfg.EngineConfig.BaseBufferCap, 5000))
	cfg.EngineConfig.DeliveryCap = getEnvIntOrDefault("ENGINE_DELIVERY_CAP", defaultInt(cfg.EngineConfig.DeliveryCap, 1000))
	cfg.EngineConfig.DestroySeconds = getEnvIntOrDefault("ENGINE_DESTROY_SECONDS", defaultInt(cfg.EngineConfig.DestroySeconds, 60))
	cfg.EngineConfig.PersistSeconds = getEnvIntOrDefault("ENGINE_PERSIST_SECONDS", defaultInt(cfg.EngineConfig.PersistSeconds, 60))
	cfg.EngineConfig.DeepFetchPages = getEnvIntOrDefault("ENGINE_DEEP_FETCH_PAGES", defaultInt(cfg.EngineConfig.DeepFetchPages, 3))
	if raw := os.Getenv("ENGINE_PREWARM_SYMBOLS"); raw != "" {
		cfg.EngineConfig.PrewarmSymbols = splitList(raw)
	}

	// Snapshot store
	cfg.StoreConfig.Backend = getEnvOrDefault("STORE_BACKEND", defaultStr(cfg.StoreConfig.Backend, "file"))
	cfg.StoreConfig.Dir = getEnvOrDefault("STORE_DIR", defaultStr(cfg.StoreConfig.Dir, "data"))
	cfg.StoreConfig.RedisAddress = getEnvOrDefault("REDIS_ADDRESS", defaultStr(cfg.StoreConfig.RedisAddress, "localhost:6379"))
	cfg.StoreConfig.RedisPassword = getEnvOrDefault("REDIS_PASSWORD", cfg.StoreConfig.RedisPassword)
	cfg.StoreConfig.RedisDB = getEnvIntOrDefault("REDIS_DB", cfg.StoreConfig.RedisDB)
	cfg.StoreConfig.RedisPrefix = getEnvOrDefault("REDIS_PREFIX", cfg.StoreConfig.RedisPrefix)

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", defaultStr(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("SERVER_PRODUCTION", boolStr(cfg.ServerConfig.ProductionMode)) == "true"
	if raw := os.Getenv("SERVER_ALLOWED_ORIGINS"); raw != "" {
		cfg.ServerConfig.AllowedOrigins = splitList(raw)
	}
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Webhook config
	cfg.WebhookConfig.TimeoutSeconds = getEnvIntOrDefault("WEBHOOK_TIMEOUT_SECONDS", defaultInt(cfg.WebhookConfig.TimeoutSeconds, 5))

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.Pretty = getEnvOrDefault("LOG_PRETTY", boolStr(cfg.LoggingConfig.Pretty)) == "true"
}

// ReconnectBackoff returns the stream reconnect backoff as a duration.
func (c *ExchangeConfig) ReconnectBackoff() time.Duration {
	return time.Duration(c.ReconnectSeconds) * time.Second
}

func defaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func defaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
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

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
