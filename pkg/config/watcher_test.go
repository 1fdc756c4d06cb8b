package config

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherLoadsInitialConfig(t *testing.T) {
	path := writeConfig(t, `
gravity:
  database_path: /tmp/gravity.db
logging:
  level: warn
`)

	w, err := NewWatcher(path, slog.Default())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	cfg := w.Config()
	require.NotNil(t, cfg)
	assert.Equal(t, "/tmp/gravity.db", cfg.Gravity.DatabasePath)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestWatcherRejectsBrokenConfig(t *testing.T) {
	path := writeConfig(t, `logging: { level: nonsense }`)

	_, err := NewWatcher(path, slog.Default())
	require.Error(t, err)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: info
`)

	w, err := NewWatcher(path, slog.Default())
	require.NoError(t, err)

	changed := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	// Give the watcher a moment to arm before rewriting the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0600))

	select {
	case cfg := <-changed:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}
