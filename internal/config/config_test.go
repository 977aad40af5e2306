package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFileAndDefaults(t *testing.T) {
	p := writeYAML(t, `
app:
  env: dev
postgres:
  dsn: postgres://u:p@db/tally
apply:
  mode: atomic
  lock_timeout: 2s
`)
	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "dev", c.App.Env)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, "atomic", c.Apply.Mode)
	assert.Equal(t, 2*time.Second, c.Apply.LockTimeout)
	assert.Equal(t, 50*time.Millisecond, c.Apply.RetryBaseDelay)
	assert.Equal(t, 3, c.Apply.MaxReconcile)
	assert.Equal(t, "advisory", c.Apply.Lock)
	assert.True(t, c.Metrics.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	p := writeYAML(t, "postgres:\n  dsn: postgres://file\n")
	t.Setenv("APP_POSTGRES_DSN", "postgres://env")
	t.Setenv("APP_APPLY_MAX_RECONCILE", "5")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", c.Postgres.DSN)
	assert.Equal(t, 5, c.Apply.MaxReconcile)
}

func TestLoadMissingFileUsesEnv(t *testing.T) {
	t.Setenv("APP_POSTGRES_DSN", "postgres://env")
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", c.Postgres.DSN)
}

func TestValidate(t *testing.T) {
	p := writeYAML(t, `
postgres:
  dsn: ""
apply:
  mode: eventual
  lock: redis
  max_reconcile: 0
`)
	_, err := Load(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.dsn is required")
	assert.Contains(t, err.Error(), "apply.mode")
	assert.Contains(t, err.Error(), "apply.lock")
	assert.Contains(t, err.Error(), "max_reconcile")
}
