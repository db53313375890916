package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
storage:
  driver: postgres
  dsn: postgres://localhost/dag
engine:
  max_concurrent_nodes: 4
  backoff_base: 1s
tasks:
  driver: http
  url: http://personas:8080/v1/execute
`), 0o600))

	t.Setenv("APP_GRPC_PORT", "9555")
	t.Setenv("APP_MAX_CONCURRENT_NODES", "8")
	t.Setenv("APP_LOG_LEVEL", "DEBUG")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 9555, cfg.GRPC.Port)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 8, cfg.Engine.MaxConcurrentNodes)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Engine.DefaultMaxAttempts)
	assert.Equal(t, time.Second, ParseDuration(cfg.Engine.BackoffBase, 0))
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"unknown driver":   "storage:\n  driver: sqlite\n",
		"postgres w/o dsn": "storage:\n  driver: postgres\n",
		"http w/o url":     "tasks:\n  driver: http\n",
		"bad level":        "logging:\n  level: loud\n",
		"zero workers":     "engine:\n  max_concurrent_nodes: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("", 5*time.Second))
	assert.Equal(t, 5*time.Second, ParseDuration("nonsense", 5*time.Second))
	assert.Equal(t, 5*time.Second, ParseDuration("-1s", 5*time.Second))
	assert.Equal(t, 250*time.Millisecond, ParseDuration("250ms", 5*time.Second))
}
