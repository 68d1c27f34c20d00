package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Bus      BusConfig
	FCM      FCMConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	Debug    DebugConfig
}

type DatabaseConfig struct {
	URL             string `validate:"required"`
	MaxConns        int
	MinConns        int
	AcquireTimeout  time.Duration
	ConnIdleTimeout time.Duration
}

type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// BusConfig configures the external websocket-bus. When URL or ServiceToken
// is empty, the in-process fan-out hub serves as the bus instead.
type BusConfig struct {
	URL          string
	ServiceToken string
	Timeout      time.Duration
}

type FCMConfig struct {
	ProjectID       string
	CredentialsPath string
	Timeout         time.Duration
}

// RedisConfig configures the optional push rate limiter. Disabled when URL is
// empty.
type RedisConfig struct {
	URL             string
	RateLimitPerSec int
}

type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

// DebugConfig gates verbose logging for troubleshooting. LogTokens logs full
// device tokens and is security sensitive.
type DebugConfig struct {
	Enabled     bool
	LogPayloads bool
	LogSQL      bool
	LogTokens   bool
	LogTiming   bool
}

// TimingEnabled reports whether per-call timing lines should be logged.
func (d DebugConfig) TimingEnabled() bool {
	return d.Enabled && d.LogTiming
}

// Load creates a Config from environment variables. A .env file is loaded
// first when present.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        10,
			MinConns:        2,
			AcquireTimeout:  5 * time.Second,
			ConnIdleTimeout: 300 * time.Second,
		},
		Server: ServerConfig{
			Host:            getEnv("HOST", "0.0.0.0"),
			Port:            getEnv("PORT", "8080"),
			ReadTimeout:     getDurationEnv("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationEnv("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Bus: BusConfig{
			URL:          getEnv("WEBSOCKET_BUS_URL", ""),
			ServiceToken: getEnv("SERVICE_TOKEN", ""),
			Timeout:      getDurationEnv("BUS_TIMEOUT", 10*time.Second),
		},
		FCM: FCMConfig{
			ProjectID:       getEnv("FCM_PROJECT_ID", ""),
			CredentialsPath: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
			Timeout:         getDurationEnv("FCM_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			URL:             getEnv("REDIS_URL", ""),
			RateLimitPerSec: getIntEnv("PUSH_RATE_LIMIT_PER_SEC", 500),
		},
		Worker: WorkerConfig{
			PollInterval: time.Duration(getIntEnv("WORKER_POLL_INTERVAL_SECS", 60)) * time.Second,
			BatchSize:    getIntEnv("WORKER_BATCH_SIZE", 100),
			MaxRetries:   getIntEnv("MAX_RETRIES", 3),
		},
		Debug: DebugConfig{
			Enabled:     getBoolEnv("DEBUG_MODE", false),
			LogPayloads: getBoolEnv("DEBUG_LOG_PAYLOADS", false),
			LogSQL:      getBoolEnv("DEBUG_LOG_SQL", false),
			LogTokens:   getBoolEnv("DEBUG_LOG_FCM_TOKENS", false),
			LogTiming:   getBoolEnv("DEBUG_LOG_TIMING", true),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ServerAddr returns the host:port the HTTP server binds to.
func (c *Config) ServerAddr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// HasBus reports whether the external websocket-bus is configured.
func (c *Config) HasBus() bool {
	return c.Bus.URL != "" && c.Bus.ServiceToken != ""
}

// HasFCM reports whether push delivery is configured.
func (c *Config) HasFCM() bool {
	return c.FCM.ProjectID != "" && c.FCM.CredentialsPath != ""
}

// HasRedis reports whether the push rate limiter is configured.
func (c *Config) HasRedis() bool {
	return c.Redis.URL != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		v := strings.ToLower(value)
		return v == "true" || v == "1"
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
