package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("DefaultsWithoutFile", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, "INFO", cfg.Logging.Level)
		assert.Equal(t, "stdout", cfg.Logging.Output)
		assert.Equal(t, 10635, cfg.Server.Port)
		assert.Equal(t, uint32(512), cfg.Server.SmallBufferSize)
		assert.Equal(t, 50, cfg.Server.SmallPoolCount)
		assert.Equal(t, uint32(1<<20), cfg.Server.MaxMessageSize)
		assert.Equal(t, 8, cfg.Server.WorkerCount)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 5*time.Minute, cfg.Server.IdleTimeout)
		assert.Equal(t, "memory", cfg.Attributes.Type)
		assert.False(t, cfg.Metrics.Enabled)
	})

	t.Run("FileOverridesDefaults", func(t *testing.T) {
		path := writeConfigFile(t, `
logging:
  level: DEBUG
server:
  port: 12049
  worker_count: 4
  max_message_size: 65536
attributes:
  type: badger
  badger:
    dir: /var/lib/attrs
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "DEBUG", cfg.Logging.Level)
		assert.Equal(t, 12049, cfg.Server.Port)
		assert.Equal(t, 4, cfg.Server.WorkerCount)
		assert.Equal(t, uint32(65536), cfg.Server.MaxMessageSize)
		assert.Equal(t, "badger", cfg.Attributes.Type)
		assert.Equal(t, "/var/lib/attrs", cfg.Attributes.Badger.Dir)

		// Untouched settings keep their defaults.
		assert.Equal(t, "stdout", cfg.Logging.Output)
		assert.Equal(t, uint32(512), cfg.Server.SmallBufferSize)
	})

	t.Run("EnvironmentOverridesFile", func(t *testing.T) {
		path := writeConfigFile(t, `
server:
  port: 12049
`)
		t.Setenv("ONCRPC_SERVER_PORT", "13000")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 13000, cfg.Server.Port)
	})

	t.Run("MissingFileFails", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("RejectsBadLogLevel", func(t *testing.T) {
		path := writeConfigFile(t, `
logging:
  level: LOUD
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Level")
	})

	t.Run("RejectsUnknownStoreType", func(t *testing.T) {
		path := writeConfigFile(t, `
attributes:
  type: etcd
`)
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("RejectsBadgerWithoutDir", func(t *testing.T) {
		path := writeConfigFile(t, `
attributes:
  type: badger
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "badger.dir")
	})

	t.Run("RejectsNegativeTimeout", func(t *testing.T) {
		path := writeConfigFile(t, `
server:
  read_timeout: -5s
`)
		_, err := Load(path)
		require.Error(t, err)
	})
}
