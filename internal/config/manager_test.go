package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onpoc/quartznet/internal/logging"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestManager_Subscribe_PublishesOnHotFieldChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedulerd.toml")
	writeConfig(t, path, `
[engine]
max_batch_size = 1
`)

	mgr, err := NewManager(path, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, mgr.Get().Engine.MaxBatchSize)

	ch := mgr.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Watch(ctx)

	// fsnotify needs the watcher goroutine to have called Add(dir) before
	// the write happens, or the event is missed; give it a moment.
	time.Sleep(50 * time.Millisecond)

	writeConfig(t, path, `
[engine]
max_batch_size = 7
`)

	select {
	case cfg := <-ch:
		assert.Equal(t, 7, cfg.Engine.MaxBatchSize)
	case <-time.After(2 * time.Second):
		t.Fatal("manager never published a reload after the hot-reloadable field changed")
	}
	assert.Equal(t, 7, mgr.Get().Engine.MaxBatchSize)
}

func TestManager_Watch_RejectsLiveStoreBackendChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedulerd.toml")
	writeConfig(t, path, `
[store]
backend = "memory"
`)

	mgr, err := NewManager(path, logging.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Watch(ctx)
	time.Sleep(50 * time.Millisecond)

	writeConfig(t, path, `
[store]
backend = "postgres"
dsn = "postgres://x/y"

[engine]
max_batch_size = 3
`)

	ch := mgr.Subscribe(1)
	writeConfig(t, path, `
[store]
backend = "postgres"
dsn = "postgres://x/y"

[engine]
max_batch_size = 4
`)

	select {
	case cfg := <-ch:
		assert.Equal(t, "memory", cfg.Store.Backend, "store backend must not change without a restart")
	case <-time.After(2 * time.Second):
		t.Fatal("manager never published a reload")
	}
}
