package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = 3000
	cfg.Child.Command = "python server.py"
	cfg.SetDefaults()
	return cfg
}

func TestSetDefaults(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 128, cfg.Server.MaxInFlight)
	assert.Equal(t, int64(4<<20), cfg.Server.MaxMessageBytes)
	assert.Equal(t, 15, cfg.Server.HeartbeatSeconds)
	assert.Equal(t, 5, cfg.Child.RestartMax)
	assert.Equal(t, 300, cfg.Child.RestartWindowSeconds)
	assert.Equal(t, 10, cfg.Child.StartupTimeoutSeconds)
	assert.Equal(t, 300, cfg.Bridge.SessionTimeoutSeconds)
	assert.Equal(t, 60, cfg.Bridge.RequestDeadlineSeconds)
	assert.Equal(t, "both", cfg.Bridge.InitializeMode)
	assert.Equal(t, "broadcast", cfg.Bridge.ServerRequests)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "none", cfg.Auth.Mode)
}

func TestValidateRequiresPortAndCommand(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	noPort := validConfig()
	noPort.Server.Port = 0
	err := noPort.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Port")

	noCmd := validConfig()
	noCmd.Child.Command = "   "
	assert.Error(t, noCmd.Validate())
}

func TestValidateAuthSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.Mode = "bearer"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a secret")

	cfg.Auth.Secret = "s3cret"
	assert.NoError(t, cfg.Validate())
}

func TestValidateEnums(t *testing.T) {
	cfg := validConfig()
	cfg.Bridge.InitializeMode = "sometimes"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be one of")

	cfg = validConfig()
	cfg.Log.Level = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "mcpwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 3210
child:
  command: "python server.py"
bridge:
  initialize_mode: local
`), 0o600))

	t.Setenv("MCPWIRE_LOG_LEVEL", "debug")
	t.Setenv("BRIDGE_AUTH_MODE", "apikey")
	t.Setenv("BRIDGE_AUTH_SECRET", "hunter2")
	t.Setenv("BRIDGE_MAX_IN_FLIGHT", "64")

	InitViper(path)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3210, cfg.Server.Port)
	assert.Equal(t, "python server.py", cfg.Child.Command)
	assert.Equal(t, "local", cfg.Bridge.InitializeMode)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "apikey", cfg.Auth.Mode)
	assert.Equal(t, "hunter2", cfg.Auth.Secret)
	assert.Equal(t, 64, cfg.Server.MaxInFlight)
	assert.Equal(t, path, FileUsed())
}

func TestLoadWithoutFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("MCPWIRE_SERVER_PORT", "4000")
	t.Setenv("MCPWIRE_CHILD_COMMAND", "node server.js")

	InitViper(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	cfg, err := Load()
	require.Error(t, err)
	_ = cfg

	// A missing explicit file is an error; searching and finding nothing
	// is not.
	viper.Reset()
	InitViper("")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "node server.js", cfg.Child.Command)
}

func TestWatchFilterConfig(t *testing.T) {
	cfg := validConfig()
	assert.False(t, cfg.WatchFilterConfig())

	cfg.Filter.ConfigFile = "filters.json"
	assert.True(t, cfg.WatchFilterConfig())

	off := false
	cfg.Filter.Watch = &off
	assert.False(t, cfg.WatchFilterConfig())
}
