package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APENGINE_PORT", "")
	t.Setenv("APENGINE_DB_PATH", "")
	t.Setenv("APENGINE_DRIVER_INTERVAL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "payables.db", cfg.DBPath)
	assert.Equal(t, int32(2), cfg.MoneyScale)
	assert.True(t, cfg.DriverEnabled)
	assert.Equal(t, time.Hour, cfg.DriverInterval)
	assert.Equal(t, 4, cfg.DriverConcurrency)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Empty(t, cfg.RedisAddress)
	assert.Len(t, cfg.CORSOrigins, 2)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APENGINE_PORT", "9090")
	t.Setenv("APENGINE_DRIVER_INTERVAL", "15m")
	t.Setenv("APENGINE_DRIVER_ENABLED", "false")
	t.Setenv("APENGINE_DRIVER_HALT_ON_ERROR", "true")
	t.Setenv("APENGINE_CORS_ORIGINS", " https://ap.example.com , ")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 15*time.Minute, cfg.DriverInterval)
	assert.False(t, cfg.DriverEnabled)
	assert.True(t, cfg.DriverHaltOnError)
	assert.Equal(t, []string{"https://ap.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, "json", cfg.GetLoggerConfig().Format)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"APENGINE_PORT", "http"},
		{"APENGINE_MONEY_SCALE", "12"},
		{"APENGINE_DRIVER_INTERVAL", "soon"},
		{"APENGINE_DRIVER_CONCURRENCY", "0"},
		{"APENGINE_DRIVER_ENABLED", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
