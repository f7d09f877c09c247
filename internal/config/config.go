// Package config provides configuration management for leasekeeper.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultAdminMaxPayloadSize is the default max payload size for admin endpoints (100KB).
	DefaultAdminMaxPayloadSize int64 = 100 * 1024 // 102400 bytes

	// DefaultGRPCMaxMessageSize is the default max message size for gRPC (4MB).
	DefaultGRPCMaxMessageSize int = 4 << 20 // 4194304 bytes

	DefaultLeaseDuration   = 30 * time.Second
	DefaultSpinThreshold   = time.Second
	DefaultSpinIterations  = 1000
	DefaultCleanupInterval = time.Minute
	DefaultCleanupMaxIdle  = 10 * time.Minute
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRedisKeyPrefix  = "leasekeeper:"
	DefaultMetricsPath     = "/metrics"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Cleanup strategies.
const (
	CleanupNone = "none"
	CleanupIdle = "idle"
)

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP server port.
	Port string

	// GRPCPort is the gRPC server port.
	GRPCPort string

	LogLevel  string
	LogFormat string

	// StoreBackend selects the lock store: memory or redis.
	StoreBackend   string
	RedisAddr      string
	RedisDB        int
	RedisKeyPrefix string

	// DefaultLeaseDuration applies when a client creates a lock without a duration.
	DefaultLeaseDuration time.Duration

	SpinWaitThreshold  time.Duration
	SpinWaitIterations int

	// CleanupStrategy selects how idle lock records are pruned: none or idle.
	CleanupStrategy string
	CleanupInterval time.Duration
	CleanupMaxIdle  time.Duration

	// AdminMaxPayloadSize is the maximum payload size for admin endpoints in bytes.
	AdminMaxPayloadSize int64

	// GRPCMaxMessageSize is the maximum message size for gRPC in bytes.
	GRPCMaxMessageSize int

	// MetricsPath is where the Prometheus handler is served.
	MetricsPath string

	ShutdownTimeout time.Duration
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:                 "8080",
		GRPCPort:             "50051",
		LogLevel:             "info",
		LogFormat:            "json",
		StoreBackend:         BackendMemory,
		RedisAddr:            "localhost:6379",
		RedisKeyPrefix:       DefaultRedisKeyPrefix,
		DefaultLeaseDuration: DefaultLeaseDuration,
		SpinWaitThreshold:    DefaultSpinThreshold,
		SpinWaitIterations:   DefaultSpinIterations,
		CleanupStrategy:      CleanupIdle,
		CleanupInterval:      DefaultCleanupInterval,
		CleanupMaxIdle:       DefaultCleanupMaxIdle,
		AdminMaxPayloadSize:  DefaultAdminMaxPayloadSize,
		GRPCMaxMessageSize:   DefaultGRPCMaxMessageSize,
		MetricsPath:          DefaultMetricsPath,
		ShutdownTimeout:      DefaultShutdownTimeout,
	}
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return applyEnv(Default())
}

// LoadFile loads a YAML configuration file and then applies environment
// variable overrides on top of it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse applies YAML data and then environment variable overrides to the defaults.
func Parse(data []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := applyFile(k, Default())
	return applyEnv(cfg), nil
}

func applyFile(k *koanf.Koanf, cfg *Config) *Config {
	setString(k, "port", &cfg.Port)
	setString(k, "grpc.port", &cfg.GRPCPort)
	setString(k, "log.level", &cfg.LogLevel)
	setString(k, "log.format", &cfg.LogFormat)
	setString(k, "store.backend", &cfg.StoreBackend)
	setString(k, "redis.addr", &cfg.RedisAddr)
	setString(k, "redis.key_prefix", &cfg.RedisKeyPrefix)
	setString(k, "cleanup.strategy", &cfg.CleanupStrategy)
	setString(k, "metrics.path", &cfg.MetricsPath)

	if k.Exists("redis.db") {
		cfg.RedisDB = k.Int("redis.db")
	}
	if k.Exists("scheduler.spin_iterations") {
		cfg.SpinWaitIterations = k.Int("scheduler.spin_iterations")
	}
	if k.Exists("grpc.max_message_size") {
		cfg.GRPCMaxMessageSize = k.Int("grpc.max_message_size")
	}
	if k.Exists("admin.max_payload_size") {
		cfg.AdminMaxPayloadSize = k.Int64("admin.max_payload_size")
	}

	setDuration(k, "lease.default_duration", &cfg.DefaultLeaseDuration)
	setDuration(k, "scheduler.spin_threshold", &cfg.SpinWaitThreshold)
	setDuration(k, "cleanup.interval", &cfg.CleanupInterval)
	setDuration(k, "cleanup.max_idle", &cfg.CleanupMaxIdle)
	setDuration(k, "shutdown_timeout", &cfg.ShutdownTimeout)

	return cfg
}

func setString(k *koanf.Koanf, path string, dst *string) {
	if v := k.String(path); v != "" {
		*dst = v
	}
}

func setDuration(k *koanf.Koanf, path string, dst *time.Duration) {
	if k.Exists(path) {
		if d := k.Duration(path); d > 0 {
			*dst = d
		}
	}
}

func applyEnv(cfg *Config) *Config {
	cfg.Port = getEnvOrDefault("PORT", cfg.Port)
	cfg.GRPCPort = getEnvOrDefault("GRPC_PORT", cfg.GRPCPort)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.StoreBackend = getEnvOrDefault("STORE_BACKEND", cfg.StoreBackend)
	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisDB = getEnvIntOrDefault("REDIS_DB", cfg.RedisDB)
	cfg.RedisKeyPrefix = getEnvOrDefault("REDIS_KEY_PREFIX", cfg.RedisKeyPrefix)
	cfg.DefaultLeaseDuration = getEnvDurationOrDefault("DEFAULT_LEASE_DURATION", cfg.DefaultLeaseDuration)
	cfg.SpinWaitThreshold = getEnvDurationOrDefault("SPIN_WAIT_THRESHOLD", cfg.SpinWaitThreshold)
	cfg.SpinWaitIterations = getEnvIntOrDefault("SPIN_WAIT_ITERATIONS", cfg.SpinWaitIterations)
	cfg.CleanupStrategy = getEnvOrDefault("CLEANUP_STRATEGY", cfg.CleanupStrategy)
	cfg.CleanupInterval = getEnvDurationOrDefault("CLEANUP_INTERVAL", cfg.CleanupInterval)
	cfg.CleanupMaxIdle = getEnvDurationOrDefault("CLEANUP_MAX_IDLE", cfg.CleanupMaxIdle)
	cfg.AdminMaxPayloadSize = getEnvInt64OrDefault("ADMIN_MAX_PAYLOAD_SIZE", cfg.AdminMaxPayloadSize)
	cfg.GRPCMaxMessageSize = getEnvIntOrDefault("GRPC_MAX_MESSAGE_SIZE", cfg.GRPCMaxMessageSize)
	cfg.MetricsPath = getEnvOrDefault("METRICS_PATH", cfg.MetricsPath)
	cfg.ShutdownTimeout = getEnvDurationOrDefault("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	return cfg
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	switch c.CleanupStrategy {
	case CleanupNone, CleanupIdle:
	default:
		return fmt.Errorf("unknown cleanup strategy %q", c.CleanupStrategy)
	}
	if c.DefaultLeaseDuration <= 0 {
		return fmt.Errorf("default lease duration must be positive, got %s", c.DefaultLeaseDuration)
	}
	if c.SpinWaitThreshold < 0 {
		return fmt.Errorf("spin wait threshold must not be negative, got %s", c.SpinWaitThreshold)
	}
	if c.SpinWaitIterations <= 0 {
		return fmt.Errorf("spin wait iterations must be positive, got %d", c.SpinWaitIterations)
	}
	if c.CleanupStrategy == CleanupIdle && (c.CleanupInterval <= 0 || c.CleanupMaxIdle <= 0) {
		return fmt.Errorf("idle cleanup needs a positive interval and max idle")
	}
	if !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("metrics path must start with /, got %q", c.MetricsPath)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt64OrDefault returns the environment variable value as int64 or the default if not set or invalid.
func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable value as int or the default if not set or invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault parses values like "30s" or "1m30s".
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
