package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAppliedWithNoFileOrEnv(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Runner.MaxConcurrentJobs)
	assert.Equal(t, 30, cfg.Runner.HeartbeatIntervalSecs)
	assert.Equal(t, 1000, cfg.Websocket.ReconnectInitialDelayMs)
	assert.Equal(t, 2.0, cfg.Websocket.ReconnectMultiplier)
	assert.Equal(t, 3, cfg.Job.MaxRetries)
	assert.Equal(t, 65536, cfg.Logging.ChunkSizeBytes)
}

func TestLoad_EnvVarOverridesNestedKey(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	t.Setenv("RUNNER_JOB__MAX_RETRIES", "7")
	t.Setenv("RUNNER_RUNNER__TOKEN", "secret-token")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Job.MaxRetries)
	assert.Equal(t, "secret-token", cfg.Runner.Token)
}

func TestLoad_ToleratesMissingConfigFile(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	_, err := Load()
	assert.NoError(t, err)
}

func chdir(t *testing.T, dir string) func() {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	return func() { _ = os.Chdir(old) }
}
