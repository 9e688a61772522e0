package logger

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	prevLogger, prevLevel, prevFormat := log.Logger, zerolog.GlobalLevel(), zerolog.TimeFieldFormat
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
		zerolog.TimeFieldFormat = prevFormat
	})
}

func TestSetup_JSONToFile(t *testing.T) {
	restoreGlobals(t)
	path := filepath.Join(t.TempDir(), "engine.log")

	// GIVEN: json output to a file at warn level
	require.NoError(t, Setup(LogConfig{Level: "warn", Format: "json", Output: path}))

	// WHEN
	driver := WithComponent("driver")
	driver.Info().Msg("hidden")
	driver.Warn().Str("definition_id", "rent").Msg("shown")

	// THEN: only the warning is written, with its fields
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), `"component":"driver"`)
	assert.Contains(t, string(data), `"definition_id":"rent"`)
}

func TestSetup_InvalidLevel(t *testing.T) {
	restoreGlobals(t)
	assert.Error(t, Setup(LogConfig{Level: "loud", Format: "json"}))
}

func TestWithContext(t *testing.T) {
	restoreGlobals(t)

	var buf bytes.Buffer
	scoped := zerolog.New(&buf).With().Str("request_id", "r-1").Logger()
	ctx := scoped.WithContext(context.Background())

	WithContext(ctx).Info().Msg("hello")
	assert.Contains(t, buf.String(), `"request_id":"r-1"`)

	// Without a logger in the context the global one is returned
	assert.Equal(t, &log.Logger, WithContext(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "stdout", cfg.Output)
}
