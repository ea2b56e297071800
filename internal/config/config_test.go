package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPSCRON_STATE_DIR", t.TempDir())

	cfg, _, err := Load(newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7070", cfg.Server.Addr)
	assert.Equal(t, "http", cfg.Server.Mode)
	assert.Equal(t, 3, cfg.Scheduler.MaxInstances)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.RetryBackoff)
	assert.Equal(t, 20, cfg.Scheduler.IOWorkers)
	assert.Equal(t, 5, cfg.Scheduler.ProcessWorkers)
	assert.Equal(t, "dbadmin_salt_v1", cfg.Vault.Salt)
	assert.Equal(t, 1, cfg.Pool.MinSize)
	assert.Equal(t, 10, cfg.Pool.MaxSize)
	assert.Equal(t, 5*time.Second, cfg.Pool.TestTimeout)
	assert.Empty(t, cfg.File)
}

func TestEnvOverridesFileAndFlagsOverrideEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opscron.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: "127.0.0.1:9000"
log:
  level: warn
scheduler:
  retry_backoff: 2s
  max_instances: 1
`), 0o644))

	t.Setenv("OPSCRON_STATE_DIR", dir)
	t.Setenv("OPSCRON_LOG_LEVEL", "error")

	cfg, v, err := Load(newFlags(t, "--config", path, "--addr", "127.0.0.1:9999"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr, "flag wins")
	assert.Equal(t, "error", cfg.Log.Level, "env wins over file")
	assert.Equal(t, 2*time.Second, cfg.Scheduler.RetryBackoff)
	assert.Equal(t, 1, cfg.Scheduler.MaxInstances)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, path, v.ConfigFileUsed())
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	t.Setenv("OPSCRON_STATE_DIR", t.TempDir())
	_, _, err := Load(newFlags(t, "--mode", "grpc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")
}

func TestLocation(t *testing.T) {
	cfg := &Config{Timezone: "UTC"}
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	cfg.Timezone = "Asia/Shanghai"
	loc, err = cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Shanghai", loc.String())

	cfg.Timezone = "Mars/Olympus"
	_, err = cfg.Location()
	require.Error(t, err)
}
