package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("SYSTEM_DATABASE_URL", "postgres://localhost/cascade")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "executions", cfg.Queue.Name)
	assert.Equal(t, 100, cfg.Queue.Concurrency)
	assert.Equal(t, 5, cfg.Queue.WorkerConcurrency)
	assert.Equal(t, 3001, cfg.AdminServer.Port)
	assert.False(t, cfg.AdminServer.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Recovery.ScanInterval())
	assert.Equal(t, 5, cfg.Recovery.MaxFailureCount)
	assert.Equal(t, 10, cfg.Engine.MaxConcurrency)
	assert.Equal(t, time.Minute, cfg.Engine.NodeTimeout())
	assert.Equal(t, 5*time.Minute, cfg.Engine.FlowTimeout())
}

func TestYAMLFile(t *testing.T) {
	t.Setenv("SYSTEM_DATABASE_URL", "")
	os.Unsetenv("SYSTEM_DATABASE_URL")

	path := filepath.Join(t.TempDir(), "cascade.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
systemDatabaseUrl: postgres://db:5432/cascade
applicationVersion: v42
queue:
  concurrency: 7
  workerConcurrency: 2
adminServer:
  enabled: true
  port: 9090
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db:5432/cascade", cfg.SystemDatabaseURL)
	assert.Equal(t, "v42", cfg.ApplicationVersion)
	assert.Equal(t, 7, cfg.Queue.Concurrency)
	assert.Equal(t, 2, cfg.Queue.WorkerConcurrency)
	assert.True(t, cfg.AdminServer.Enabled)
	assert.Equal(t, 9090, cfg.AdminServer.Port)
	// Untouched sections keep their defaults.
	assert.Equal(t, "executions", cfg.Queue.Name)
	assert.Equal(t, 30000, cfg.Recovery.ScanIntervalMs)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	require.NoError(t, os.WriteFile(path, []byte("systemDatabaseUrl: postgres://file/db\n"), 0o600))

	t.Setenv("SYSTEM_DATABASE_URL", "postgres://env/db")
	t.Setenv("QUEUE_CONCURRENCY", "11")
	t.Setenv("ADMIN_SERVER_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", cfg.SystemDatabaseURL)
	assert.Equal(t, 11, cfg.Queue.Concurrency)
	assert.True(t, cfg.AdminServer.Enabled)
}

func TestEngineAndFlowsEnvOverrides(t *testing.T) {
	t.Setenv("SYSTEM_DATABASE_URL", "postgres://localhost/cascade")
	t.Setenv("ENGINE_MAX_CONCURRENCY", "3")
	t.Setenv("ENGINE_NODE_TIMEOUT_MS", "1500")
	t.Setenv("ENGINE_FLOW_TIMEOUT_MS", "9000")
	t.Setenv("FLOWS_DIR", "/etc/cascade/flows")
	t.Setenv("FLOWS_WATCH", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 1500*time.Millisecond, cfg.Engine.NodeTimeout())
	assert.Equal(t, 9*time.Second, cfg.Engine.FlowTimeout())
	assert.Equal(t, "/etc/cascade/flows", cfg.Flows.Dir)
	assert.False(t, cfg.Flows.Watch)
}

func TestMissingDatabaseURLFails(t *testing.T) {
	os.Unsetenv("SYSTEM_DATABASE_URL")
	_, err := Load("")
	require.Error(t, err)
}

func TestBadEnvIntFails(t *testing.T) {
	t.Setenv("SYSTEM_DATABASE_URL", "postgres://localhost/cascade")
	t.Setenv("WORKER_CONCURRENCY", "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_CONCURRENCY")
}

func TestInvalidValuesRejected(t *testing.T) {
	t.Setenv("SYSTEM_DATABASE_URL", "postgres://localhost/cascade")
	t.Setenv("QUEUE_CONCURRENCY", "0")
	_, err := Load("")
	require.Error(t, err)
}
