package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/payables-engine/logger"
)

type Config struct {
	// Server Configuration
	Port        string
	CORSOrigins []string

	// Storage Configuration
	DBPath     string
	MoneyScale int32

	// Materialization Driver Configuration
	DriverEnabled     bool
	DriverInterval    time.Duration
	DriverConcurrency int
	DriverHaltOnError bool

	// Run Locks. An empty RedisAddress keeps locks in-process.
	RedisAddress  string
	RedisPassword string
	LockTTL       time.Duration

	// Logging Configuration
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

// Load reads the environment, after an optional .env file in the working
// directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		Port:          getEnv("APENGINE_PORT", "8080"),
		CORSOrigins:   splitList(getEnv("APENGINE_CORS_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		DBPath:        getEnv("APENGINE_DB_PATH", "payables.db"),
		RedisAddress:  getEnv("APENGINE_REDIS_ADDRESS", ""),
		RedisPassword: getEnv("APENGINE_REDIS_PASSWORD", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "console"),
		LogTimeFormat: getEnv("LOG_TIME_FORMAT", time.RFC3339),
		LogOutput:     getEnv("LOG_OUTPUT", "stdout"),
	}

	scale, err := getInt("APENGINE_MONEY_SCALE", 2)
	if err != nil {
		return nil, err
	}
	config.MoneyScale = int32(scale)

	if config.DriverEnabled, err = getBool("APENGINE_DRIVER_ENABLED", true); err != nil {
		return nil, err
	}
	if config.DriverInterval, err = getDuration("APENGINE_DRIVER_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if config.DriverConcurrency, err = getInt("APENGINE_DRIVER_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if config.DriverHaltOnError, err = getBool("APENGINE_DRIVER_HALT_ON_ERROR", false); err != nil {
		return nil, err
	}
	if config.LockTTL, err = getDuration("APENGINE_LOCK_TTL", 30*time.Second); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("APENGINE_DB_PATH is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("APENGINE_PORT must be a number, got %q", c.Port)
	}
	if c.MoneyScale < 0 || c.MoneyScale > 8 {
		return fmt.Errorf("APENGINE_MONEY_SCALE must be between 0 and 8, got %d", c.MoneyScale)
	}
	if c.DriverInterval <= 0 {
		return fmt.Errorf("APENGINE_DRIVER_INTERVAL must be positive")
	}
	if c.DriverConcurrency < 1 {
		return fmt.Errorf("APENGINE_DRIVER_CONCURRENCY must be at least 1")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("APENGINE_LOCK_TTL must be positive")
	}
	return nil
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
