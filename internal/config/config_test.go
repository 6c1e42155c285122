package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AIRLOCK_DATA_DIR", dir)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "127.0.0.1:7466", cfg.Server.Listen)
	assert.Equal(t, 4, cfg.Scheduler.GlobalMax)
	assert.Equal(t, 1, cfg.Scheduler.PerWorkspace)
	assert.Equal(t, ConnectorLocal, cfg.Executor.Connector)
	assert.Contains(t, cfg.Executor.Allow, "go")
	assert.False(t, cfg.Auth.Enabled())
	assert.Equal(t, filepath.Join(dir, "airlock.db"), cfg.DBPath())
	assert.Equal(t, filepath.Join(dir, "airlock.yaml"), cfg.PolicyPath())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
server:
  listen: 0.0.0.0:9000
scheduler:
  global_max: 8
  per_workspace: 2
llm:
  provider: anthropic
  model: claude-3-5-haiku-latest
executor:
  connector: sandbox
  sandbox:
    image: golang:1.24
`), 0o644))
	t.Setenv("AIRLOCK_SCHEDULER_GLOBAL_MAX", "16")
	t.Setenv("AIRLOCK_AUTH_API_KEY", "secret")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, 16, cfg.Scheduler.GlobalMax, "env beats file")
	assert.Equal(t, 2, cfg.Scheduler.PerWorkspace)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "claude-3-5-haiku-latest", cfg.LLM.Model)
	assert.Equal(t, ConnectorSandbox, cfg.Executor.Connector)
	assert.Equal(t, "golang:1.24", cfg.Executor.Sandbox.Image)
	assert.True(t, cfg.Auth.Enabled())
}

func TestLoadEnvFile(t *testing.T) {
	dir := isolate(t)
	envFile := filepath.Join(dir, "airlock.env")
	require.NoError(t, os.WriteFile(envFile, []byte("AIRLOCK_LOGGING_LEVEL=debug\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("AIRLOCK_LOGGING_LEVEL") })

	cfg, err := Load(Options{EnvFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	_, err = Load(Options{EnvFile: filepath.Join(dir, "missing.env")})
	assert.Error(t, err, "an explicit env file must exist")
}

func TestLoadInvalid(t *testing.T) {
	isolate(t)
	t.Setenv("AIRLOCK_SCHEDULER_GLOBAL_MAX", "0")
	t.Setenv("AIRLOCK_EXECUTOR_CONNECTOR", "ssh")

	_, err := Load(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.global_max")
	assert.Contains(t, err.Error(), "executor.connector")
}
