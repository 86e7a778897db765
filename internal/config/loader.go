package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper points viper at the configuration file and wires environment
// overrides. With an empty configFile the standard locations are searched;
// finding nothing is fine, the bridge runs on flags and env alone.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Name and type without search paths, so ReadInConfig returns
		// ConfigFileNotFoundError and callers continue without a file.
		viper.SetConfigName("mcpwire")
		viper.SetConfigType("yaml")
	}

	// MCPWIRE_SERVER_PORT overrides server.port, and so on.
	viper.SetEnvPrefix("MCPWIRE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
	bindBridgeEnvVars()
}

// findConfigFile searches the working directory, ~/.mcpwire, and the
// system config directory for mcpwire.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".mcpwire"),
		"/etc/mcpwire",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "mcpwire"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested keys so AutomaticEnv sees them; viper only
// resolves nested keys from env when they are bound explicitly.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"server.host",
		"server.port",
		"server.advertise_url",
		"server.max_in_flight",
		"server.max_message_bytes",
		"server.heartbeat_seconds",
		"child.command",
		"child.restart_max",
		"child.restart_window_seconds",
		"child.startup_timeout_seconds",
		"child.max_frame_bytes",
		"bridge.session_timeout_seconds",
		"bridge.request_deadline_seconds",
		"bridge.tools_config",
		"bridge.initialize_mode",
		"bridge.server_requests",
		"log.level",
		"log.location",
		"log.pattern",
		"auth.mode",
		"auth.secret",
		"filter.config_file",
		"filter.node_id",
		"audit.db_path",
		"telemetry.traces_enabled",
		"telemetry.metrics_enabled",
	} {
		_ = viper.BindEnv(key)
	}
}

// bindBridgeEnvVars wires the documented BRIDGE_* variables onto their
// config keys, so both spellings work.
func bindBridgeEnvVars() {
	_ = viper.BindEnv("auth.mode", "BRIDGE_AUTH_MODE")
	_ = viper.BindEnv("auth.secret", "BRIDGE_AUTH_SECRET")
	_ = viper.BindEnv("server.max_in_flight", "BRIDGE_MAX_IN_FLIGHT")
}

// Load reads the file (when present), applies env overrides and defaults,
// and validates. The caller applies CLI flag overrides between LoadRaw and
// Validate when flags must win.
func Load() (*Config, error) {
	cfg, err := LoadRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadRaw reads and defaults the configuration without validating.
func LoadRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// FileUsed returns the loaded config file path, empty when running on env
// and flags only.
func FileUsed() string {
	return viper.ConfigFileUsed()
}
