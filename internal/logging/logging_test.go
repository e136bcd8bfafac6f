package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/sqlease/internal/config"
)

func TestJSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := build(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Named("pool").Debug("connection opened")
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "connection opened", entry["msg"])
	assert.Equal(t, "pool", entry["logger"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := build(config.LoggingConfig{Level: "warn"}, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	require.NoError(t, logger.Sync())
	assert.Empty(t, buf.String())
}

func TestBadLevel(t *testing.T) {
	_, err := build(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leasectl.log")
	logger, err := build(config.LoggingConfig{Level: "info", File: path, MaxSizeMB: 1}, &bytes.Buffer{})
	require.NoError(t, err)

	logger.Info("pool initialized")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"pool initialized"`)
}
