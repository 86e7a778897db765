// Package config defines the bridge configuration schema and its loading
// pipeline: YAML file, MCPWIRE_-prefixed environment overrides, the legacy
// BRIDGE_* variables, then CLI flags on top.
package config

import (
	"time"
)

// Config is the top-level bridge configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Child configures the supervised stdio process.
	Child ChildConfig `yaml:"child" mapstructure:"child"`

	// Bridge configures routing behavior.
	Bridge BridgeConfig `yaml:"bridge" mapstructure:"bridge"`

	// Log configures the slog output.
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// Auth configures the shared-secret authentication.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Filter configures the content-filter chain.
	Filter FilterConfig `yaml:"filter" mapstructure:"filter"`

	// Audit configures the decision audit store.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Telemetry configures optional OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	// Host to bind. Default "127.0.0.1".
	Host string `yaml:"host" mapstructure:"host" validate:"omitempty,ip|hostname"`

	// Port to listen on. Required via flag or config.
	Port int `yaml:"port" mapstructure:"port" validate:"required,min=1,max=65535"`

	// AdvertiseURL overrides the base URL in the SSE endpoint event and
	// OAuth metadata, for deployments behind a proxy.
	AdvertiseURL string `yaml:"advertise_url" mapstructure:"advertise_url" validate:"omitempty,url"`

	// MaxInFlight caps concurrent POST /messages ingress. Default 128.
	MaxInFlight int `yaml:"max_in_flight" mapstructure:"max_in_flight" validate:"omitempty,min=1"`

	// MaxMessageBytes caps a single message body. Default 4 MiB.
	MaxMessageBytes int64 `yaml:"max_message_bytes" mapstructure:"max_message_bytes" validate:"omitempty,min=1024"`

	// HeartbeatSeconds drives SSE comments and WS pings. Default 15.
	HeartbeatSeconds int `yaml:"heartbeat_seconds" mapstructure:"heartbeat_seconds" validate:"omitempty,min=1"`
}

// ChildConfig configures the supervised process.
type ChildConfig struct {
	// Command is the shell command for the stdio MCP server. Required.
	Command string `yaml:"command" mapstructure:"command" validate:"required"`

	// RestartMax is the restart budget within RestartWindowSeconds.
	// Default 5.
	RestartMax int `yaml:"restart_max" mapstructure:"restart_max" validate:"omitempty,min=1"`

	// RestartWindowSeconds is the budget window. Default 300.
	RestartWindowSeconds int `yaml:"restart_window_seconds" mapstructure:"restart_window_seconds" validate:"omitempty,min=1"`

	// StartupTimeoutSeconds bounds the first health check. Default 10.
	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds" mapstructure:"startup_timeout_seconds" validate:"omitempty,min=1"`

	// MaxFrameBytes caps one NDJSON line from the child. Default 8 MiB.
	MaxFrameBytes int `yaml:"max_frame_bytes" mapstructure:"max_frame_bytes" validate:"omitempty,min=1024"`
}

// BridgeConfig configures routing behavior.
type BridgeConfig struct {
	// SessionTimeoutSeconds is the idle timeout. Default 300.
	SessionTimeoutSeconds int `yaml:"session_timeout_seconds" mapstructure:"session_timeout_seconds" validate:"omitempty,min=1"`

	// RequestDeadlineSeconds bounds a forwarded request. Default 60.
	RequestDeadlineSeconds int `yaml:"request_deadline_seconds" mapstructure:"request_deadline_seconds" validate:"omitempty,min=1"`

	// ToolsConfig is the optional discovery catalog JSON file.
	ToolsConfig string `yaml:"tools_config" mapstructure:"tools_config" validate:"omitempty,file"`

	// InitializeMode is both, local, or forward. Default both.
	InitializeMode string `yaml:"initialize_mode" mapstructure:"initialize_mode" validate:"omitempty,oneof=both local forward"`

	// ServerRequests routes server-initiated requests: broadcast or
	// subscribe. Default broadcast.
	ServerRequests string `yaml:"server_requests" mapstructure:"server_requests" validate:"omitempty,oneof=broadcast subscribe"`
}

// LogConfig configures slog output.
type LogConfig struct {
	// Level is debug, info, warn, or error. Default info.
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// Location is a directory for log files; empty logs to stderr.
	Location string `yaml:"location" mapstructure:"location" validate:"omitempty,dir"`

	// Pattern names the log file inside Location. A literal "{date}" is
	// replaced with YYYY-MM-DD at startup. Default "mcpwire-{date}.log".
	Pattern string `yaml:"pattern" mapstructure:"pattern"`
}

// AuthConfig configures shared-secret authentication. Usually set through
// BRIDGE_AUTH_MODE and BRIDGE_AUTH_SECRET rather than the file, so the
// secret stays out of config files.
type AuthConfig struct {
	// Mode is none, bearer, or apikey. Default none.
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=none bearer apikey"`

	// Secret is the shared credential for bearer and apikey modes.
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// FilterConfig configures the content-filter chain.
type FilterConfig struct {
	// ConfigFile is the filter configuration file (JSON or YAML).
	ConfigFile string `yaml:"config_file" mapstructure:"config_file" validate:"omitempty,file"`

	// Watch reloads ConfigFile on change. Default true when ConfigFile set.
	Watch *bool `yaml:"watch" mapstructure:"watch"`

	// NodeID labels bridge_meta tags from this bridge. Default hostname.
	NodeID string `yaml:"node_id" mapstructure:"node_id"`
}

// AuditConfig configures the filter-decision audit store.
type AuditConfig struct {
	// DBPath is the sqlite file for decisions; empty keeps them in memory.
	DBPath string `yaml:"db_path" mapstructure:"db_path"`
}

// TelemetryConfig configures OpenTelemetry export. Both signals default off.
type TelemetryConfig struct {
	TracesEnabled  bool `yaml:"traces_enabled" mapstructure:"traces_enabled"`
	MetricsEnabled bool `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
}

// SetDefaults fills zero values with the documented defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.MaxInFlight == 0 {
		c.Server.MaxInFlight = 128
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 4 << 20
	}
	if c.Server.HeartbeatSeconds == 0 {
		c.Server.HeartbeatSeconds = 15
	}
	if c.Child.RestartMax == 0 {
		c.Child.RestartMax = 5
	}
	if c.Child.RestartWindowSeconds == 0 {
		c.Child.RestartWindowSeconds = 300
	}
	if c.Child.StartupTimeoutSeconds == 0 {
		c.Child.StartupTimeoutSeconds = 10
	}
	if c.Child.MaxFrameBytes == 0 {
		c.Child.MaxFrameBytes = 8 << 20
	}
	if c.Bridge.SessionTimeoutSeconds == 0 {
		c.Bridge.SessionTimeoutSeconds = 300
	}
	if c.Bridge.RequestDeadlineSeconds == 0 {
		c.Bridge.RequestDeadlineSeconds = 60
	}
	if c.Bridge.InitializeMode == "" {
		c.Bridge.InitializeMode = "both"
	}
	if c.Bridge.ServerRequests == "" {
		c.Bridge.ServerRequests = "broadcast"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Pattern == "" {
		c.Log.Pattern = "mcpwire-{date}.log"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "none"
	}
}

// SessionTimeout returns the idle timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Bridge.SessionTimeoutSeconds) * time.Second
}

// RequestDeadline returns the per-request deadline as a duration.
func (c *Config) RequestDeadline() time.Duration {
	return time.Duration(c.Bridge.RequestDeadlineSeconds) * time.Second
}

// Heartbeat returns the SSE/WS heartbeat interval as a duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Server.HeartbeatSeconds) * time.Second
}

// WatchFilterConfig reports whether the filter config file should be
// watched for changes.
func (c *Config) WatchFilterConfig() bool {
	if c.Filter.ConfigFile == "" {
		return false
	}
	if c.Filter.Watch == nil {
		return true
	}
	return *c.Filter.Watch
}
