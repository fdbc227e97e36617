// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the configuration of a vat host.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Listen configures how the host accepts connections.
	Listen ListenConfig `yaml:"listen"`

	// Stream configures framing of byte-stream transports.
	Stream StreamConfig `yaml:"stream"`

	// Connection configures per-connection timeouts.
	Connection ConnectionConfig `yaml:"connection"`

	// WebRTC configures ICE for WebRTC data-channel connections.
	WebRTC WebRTCConfig `yaml:"webrtc"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Log configures logging output.
	Log LogConfig `yaml:"log"`

	// Chat configures the hosted chat service.
	Chat ChatConfig `yaml:"chat"`

	// Per-environment overrides, applied after the base config is
	// loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Listen     *ListenConfig     `yaml:"listen,omitempty"`
	Stream     *StreamConfig     `yaml:"stream,omitempty"`
	Connection *ConnectionConfig `yaml:"connection,omitempty"`
	Metrics    *MetricsConfig    `yaml:"metrics,omitempty"`
	Log        *LogConfig        `yaml:"log,omitempty"`
}

// ListenConfig configures the accepting side.
type ListenConfig struct {
	// Address is the TCP listen address.
	// Default: 127.0.0.1:7420
	Address string `yaml:"address"`
}

// StreamConfig configures the stream transport.
type StreamConfig struct {
	// Compression is "none", "lz4" or "zstd".
	// Default: lz4
	Compression string `yaml:"compression"`

	// CompressThreshold is the smallest frame, in bytes, that is
	// compressed.
	// Default: 512
	CompressThreshold int `yaml:"compress_threshold"`

	// MaxFrameSize is the largest accepted frame, in bytes.
	// Default: 16 MiB
	MaxFrameSize int `yaml:"max_frame_size"`
}

// ConnectionConfig configures vat connections. Durations use Go
// syntax ("30s", "2m").
type ConnectionConfig struct {
	// CallTimeout bounds each outbound call. Empty or "0" waits
	// indefinitely.
	// Default: 30s
	CallTimeout string `yaml:"call_timeout"`

	// AbortTimeout bounds sending an abort to a failing peer.
	// Default: 5s
	AbortTimeout string `yaml:"abort_timeout"`
}

// WebRTCConfig configures ICE.
type WebRTCConfig struct {
	// ICEServers are stun: and turn: URLs.
	ICEServers []string `yaml:"ice_servers"`

	// TURNUsername and TURNCredential authenticate to every turn: URL.
	TURNUsername   string `yaml:"turn_username"`
	TURNCredential string `yaml:"turn_credential"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Address serves /metrics. Empty disables the endpoint.
	// Default: 127.0.0.1:7421
	Address string `yaml:"address"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	// Default: info
	Level string `yaml:"level"`

	// Format is "auto", "text" or "json". Auto picks text on a
	// terminal and JSON otherwise.
	// Default: auto
	Format string `yaml:"format"`

	// File receives log output instead of stderr when set.
	File string `yaml:"file"`
}

// ChatConfig configures the chat service.
type ChatConfig struct {
	// MaxHistory caps messages kept per room. Zero keeps all.
	MaxHistory int `yaml:"max_history"`

	// HistoryDatabase is a SQLite file that keeps room history across
	// restarts. Empty keeps history in memory.
	HistoryDatabase string `yaml:"history_database"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	return &Config{
		Environment: Development,
		Listen: ListenConfig{
			Address: "127.0.0.1:7420",
		},
		Stream: StreamConfig{
			Compression:       "lz4",
			CompressThreshold: 512,
			MaxFrameSize:      16 << 20,
		},
		Connection: ConnectionConfig{
			CallTimeout:  "30s",
			AbortTimeout: "5s",
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:7421",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load loads configuration from the VATRPC_CONFIG environment variable.
//
// There are no fallbacks: if VATRPC_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("VATRPC_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("VATRPC_CONFIG environment variable not set; " +
			"set it to the path of your vatrpc.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. Files ending
// in .json or .jsonc are read as JSON with comments; anything else as
// YAML.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile merges a single configuration file into c.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data, err = jsoncToYAML(data)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// jsoncToYAML strips comments and trailing commas and re-encodes the
// document as YAML, so one set of struct tags serves both formats.
// The YAML parser cannot take the JSON text directly: it rejects tab
// indentation.
func jsoncToYAML(data []byte) ([]byte, error) {
	var document any
	if err := json.Unmarshal(jsonc.ToJSON(data), &document); err != nil {
		return nil, err
	}
	return yaml.Marshal(document)
}

// applyEnvironmentOverrides applies the section matching c.Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: quieter logs, bounded calls.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Log:        &LogConfig{Level: "warn", Format: "json"},
				Connection: &ConnectionConfig{CallTimeout: "10s"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Listen != nil && overrides.Listen.Address != "" {
		c.Listen.Address = overrides.Listen.Address
	}

	if overrides.Stream != nil {
		if overrides.Stream.Compression != "" {
			c.Stream.Compression = overrides.Stream.Compression
		}
		if overrides.Stream.CompressThreshold != 0 {
			c.Stream.CompressThreshold = overrides.Stream.CompressThreshold
		}
		if overrides.Stream.MaxFrameSize != 0 {
			c.Stream.MaxFrameSize = overrides.Stream.MaxFrameSize
		}
	}

	if overrides.Connection != nil {
		if overrides.Connection.CallTimeout != "" {
			c.Connection.CallTimeout = overrides.Connection.CallTimeout
		}
		if overrides.Connection.AbortTimeout != "" {
			c.Connection.AbortTimeout = overrides.Connection.AbortTimeout
		}
	}

	if overrides.Metrics != nil {
		// An empty address is meaningful (disabled), so it always applies.
		c.Metrics.Address = overrides.Metrics.Address
	}

	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
		if overrides.Log.File != "" {
			c.Log.File = overrides.Log.File
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// address and path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Listen.Address = expandVars(c.Listen.Address, vars)
	c.Metrics.Address = expandVars(c.Metrics.Address, vars)
	c.Log.File = expandVars(c.Log.File, vars)
	c.Chat.HistoryDatabase = expandVars(c.Chat.HistoryDatabase, vars)
	c.WebRTC.TURNCredential = expandVars(c.WebRTC.TURNCredential, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// CallTimeout parses Connection.CallTimeout. Empty means zero.
func (c *Config) CallTimeout() (time.Duration, error) {
	return parseDuration("connection.call_timeout", c.Connection.CallTimeout)
}

// AbortTimeout parses Connection.AbortTimeout. Empty means zero.
func (c *Config) AbortTimeout() (time.Duration, error) {
	return parseDuration("connection.abort_timeout", c.Connection.AbortTimeout)
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if duration < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", field, value)
	}
	return duration, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Listen.Address == "" {
		errs = append(errs, errors.New("listen.address is required"))
	}

	compressions := []string{"none", "lz4", "zstd"}
	if !slices.Contains(compressions, c.Stream.Compression) {
		errs = append(errs, fmt.Errorf("stream.compression must be one of: %v", compressions))
	}
	if c.Stream.CompressThreshold < 0 {
		errs = append(errs, errors.New("stream.compress_threshold must not be negative"))
	}
	if c.Stream.MaxFrameSize <= 0 {
		errs = append(errs, errors.New("stream.max_frame_size must be positive"))
	}

	if _, err := c.CallTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.AbortTimeout(); err != nil {
		errs = append(errs, err)
	}

	for _, server := range c.WebRTC.ICEServers {
		if !strings.HasPrefix(server, "stun:") && !strings.HasPrefix(server, "turn:") && !strings.HasPrefix(server, "turns:") {
			errs = append(errs, fmt.Errorf("webrtc.ice_servers: %q is not a stun: or turn: URL", server))
		}
	}

	levels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(levels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", levels))
	}
	formats := []string{"auto", "text", "json"}
	if !slices.Contains(formats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", formats))
	}

	if c.Chat.MaxHistory < 0 {
		errs = append(errs, errors.New("chat.max_history must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
