package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
database:
  name: orders
  protocol: postgres
  host: db.internal
  database: orders
  username: app
  max_managers: 8
  connect_timeout: 5s
coordinator:
  enabled: true
  addr: localhost:6379
  fallback:
    enabled: true
telemetry:
  metrics_port: 9100
logging:
  format: json
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leasectl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.Database.Name)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 5*time.Second, cfg.Database.ConnectTimeout)
	assert.Equal(t, 8, cfg.Coordinator.MaxLeases, "max_leases defaults to max_managers")
	assert.Equal(t, 3, cfg.Coordinator.Fallback.LocalLimitDivisor)
	assert.Equal(t, 9100, cfg.Telemetry.MetricsPort)
	assert.Equal(t, 8080, cfg.Telemetry.HealthCheckPort)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no protocol", "database: {database: x, host: h}"},
		{"unknown protocol", "database: {protocol: oracle, database: x, host: h}"},
		{"no host", "database: {protocol: mysql, database: x}"},
		{"coordinator without cap", "database: {protocol: sqlite, database: x}\ncoordinator: {enabled: true}"},
		{"negative max waiters", "database: {protocol: sqlite, database: x}\ncoordinator: {max_waiters: -1}"},
		{"bad log format", "database: {protocol: sqlite, database: x}\nlogging: {format: xml}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestSQLiteNeedsNoHost(t *testing.T) {
	cfg, err := Parse([]byte("database: {protocol: sqlite, database: /tmp/app.db}"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/app.db", cfg.Database.Name)
	assert.False(t, cfg.Coordinator.Enabled)
}
