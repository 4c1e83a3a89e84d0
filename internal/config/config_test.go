package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_MatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 30*time.Second, cfg.Engine.IdleWaitTime)
	assert.Equal(t, 1, cfg.Engine.MaxBatchSize)
	assert.Equal(t, 10, cfg.Engine.ThreadCount)
	assert.Equal(t, 15*time.Second, cfg.Cluster.CheckInInterval)
	assert.Equal(t, 60*time.Second, cfg.Engine.MisfireThreshold)
}

func TestLoad_OverridesDefaultsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedulerd.toml")
	body := `
scheduler_name = "prod-cluster"
instance_id = "node-1"

[store]
backend = "postgres"
dsn = "postgres://localhost/quartznet"

[engine]
idle_wait_time = "5s"
max_batch_size = 25
thread_count = 50
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod-cluster", cfg.SchedulerName)
	assert.Equal(t, "node-1", cfg.InstanceID)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, 5*time.Second, cfg.Engine.IdleWaitTime)
	assert.Equal(t, 25, cfg.Engine.MaxBatchSize)
	assert.Equal(t, 50, cfg.Engine.ThreadCount)
	// Fields the override left untouched keep Default()'s values.
	assert.Equal(t, 15*time.Second, cfg.Cluster.CheckInInterval)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestConfig_Hot_DiffersOnEngineOrClusterChange(t *testing.T) {
	a := Default()
	b := Default()
	assert.Equal(t, a.hot(), b.hot())

	b.Engine.MaxBatchSize = 99
	assert.NotEqual(t, a.hot(), b.hot())
}
