// Package config loads runner configuration via Viper from an optional
// runner.<ext> file and RUNNER_-prefixed environment variables with
// double-underscore-separated nested keys.
//
// Uses an isolated *viper.Viper instance, rather than viper's global
// package-level instance, so repeated Load calls (as in tests) never share
// state.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// newEnvReplacer maps a dotted mapstructure key (e.g. "job.max_retries") to
// its double-underscore environment variable form ("job__max_retries").
func newEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "__")
}

// Config is the fully-resolved runner configuration.
type Config struct {
	Runner       RunnerConfig       `mapstructure:"runner"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	Websocket    WebsocketConfig    `mapstructure:"websocket"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Job          JobConfig          `mapstructure:"job"`
}

type RunnerConfig struct {
	ID                    string   `mapstructure:"id"`
	Name                  string   `mapstructure:"name"`
	Token                 string   `mapstructure:"token"`
	Labels                []string `mapstructure:"labels"`
	MaxConcurrentJobs     int      `mapstructure:"max_concurrent_jobs"`
	HeartbeatIntervalSecs int      `mapstructure:"heartbeat_interval_secs"`
}

type ControlPlaneConfig struct {
	APIURL             string `mapstructure:"api_url"`
	WSURL              string `mapstructure:"ws_url"`
	TimeoutSecs        int    `mapstructure:"timeout_secs"`
	ReconnectDelaySecs int    `mapstructure:"reconnect_delay_secs"`
}

type WebsocketConfig struct {
	ReconnectInitialDelayMs int     `mapstructure:"reconnect_initial_delay_ms"`
	ReconnectMaxDelayMs     int     `mapstructure:"reconnect_max_delay_ms"`
	ReconnectMultiplier     float64 `mapstructure:"reconnect_multiplier"`
	MaxReconnectAttempts    int     `mapstructure:"max_reconnect_attempts"`
	HeartbeatIntervalSecs   int     `mapstructure:"heartbeat_interval_secs"`
	HeartbeatTimeoutSecs    int     `mapstructure:"heartbeat_timeout_secs"`
	EnableHeartbeat         bool    `mapstructure:"enable_heartbeat"`
}

type ExecutorConfig struct {
	Enabled []string     `mapstructure:"enabled"`
	Docker  DockerConfig `mapstructure:"docker"`
	Shell   ShellConfig  `mapstructure:"shell"`
}

type DockerConfig struct {
	Socket      string `mapstructure:"socket"`
	NetworkMode string `mapstructure:"network_mode"`
	MemoryLimit int64  `mapstructure:"memory_limit"`
	CPULimit    int64  `mapstructure:"cpu_limit"`
	PullPolicy  string `mapstructure:"pull_policy"`
}

type ShellConfig struct {
	DefaultShell     string `mapstructure:"default_shell"`
	CleanupWorkspace bool   `mapstructure:"cleanup_workspace"`
}

type WorkspaceConfig struct {
	BasePath     string `mapstructure:"base_path"`
	ArtifactPath string `mapstructure:"artifact_path"`
	CachePath    string `mapstructure:"cache_path"`
}

type LoggingConfig struct {
	BufferSize        int  `mapstructure:"buffer_size"`
	ChunkSizeBytes    int  `mapstructure:"chunk_size_bytes"`
	FlushIntervalMs   int  `mapstructure:"flush_interval_ms"`
	EnablePersistence bool `mapstructure:"enable_persistence"`
	MaxPendingLogs    int  `mapstructure:"max_pending_logs"`
}

type JobConfig struct {
	DefaultTimeoutMinutes     int `mapstructure:"default_timeout_minutes"`
	DefaultStepTimeoutMinutes int `mapstructure:"default_step_timeout_minutes"`
	MaxRetries                int `mapstructure:"max_retries"`
	RetryDelaySecs            int `mapstructure:"retry_delay_secs"`
	ShutdownTimeoutSecs       int `mapstructure:"shutdown_timeout_secs"`
}

// Load reads configuration from an optional "runner.<ext>" file (searched in
// the current directory) overlaid with RUNNER_-prefixed environment
// variables, double-underscore-nested (e.g. RUNNER_JOB__MAX_RETRIES maps to
// job.max_retries).
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("runner")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RUNNER")
	v.SetEnvKeyReplacer(newEnvReplacer())
	v.AutomaticEnv()

	// Unmarshal only sees keys viper already knows about, so keys without a
	// default are bound explicitly to make their environment variables count.
	for _, key := range []string{
		"runner.id", "runner.name", "runner.token", "runner.labels",
		"control_plane.api_url", "control_plane.ws_url", "control_plane.timeout_secs", "control_plane.reconnect_delay_secs",
		"executor.enabled", "executor.docker.socket", "executor.docker.network_mode",
		"executor.docker.memory_limit", "executor.docker.cpu_limit", "executor.shell.default_shell",
		"workspace.base_path", "workspace.artifact_path", "workspace.cache_path",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: failed to read runner.<ext>: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to decode configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runner.max_concurrent_jobs", 2)
	v.SetDefault("runner.heartbeat_interval_secs", 30)

	v.SetDefault("websocket.reconnect_initial_delay_ms", 1000)
	v.SetDefault("websocket.reconnect_max_delay_ms", 60000)
	v.SetDefault("websocket.reconnect_multiplier", 2.0)
	v.SetDefault("websocket.max_reconnect_attempts", 0)
	v.SetDefault("websocket.heartbeat_interval_secs", 30)
	v.SetDefault("websocket.heartbeat_timeout_secs", 10)
	v.SetDefault("websocket.enable_heartbeat", true)

	v.SetDefault("logging.buffer_size", 100)
	v.SetDefault("logging.chunk_size_bytes", 65536)
	v.SetDefault("logging.flush_interval_ms", 1000)
	v.SetDefault("logging.enable_persistence", true)
	v.SetDefault("logging.max_pending_logs", 10000)

	v.SetDefault("job.default_timeout_minutes", 360)
	v.SetDefault("job.default_step_timeout_minutes", 60)
	v.SetDefault("job.max_retries", 3)
	v.SetDefault("job.retry_delay_secs", 5)
	v.SetDefault("job.shutdown_timeout_secs", 300)

	v.SetDefault("executor.docker.pull_policy", "if-not-present")
	v.SetDefault("executor.shell.cleanup_workspace", true)
}

// HeartbeatInterval returns runner.heartbeat_interval_secs as a Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Runner.HeartbeatIntervalSecs) * time.Second
}
