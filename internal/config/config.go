// Package config provides configuration management for kvmd-streamer using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Streamer transport types.
const (
	TypeHTTP    = "http"
	TypeMemsink = "memsink"
)

// Default configuration values.
const (
	defaultStreamerName   = "kvmd::streamer"
	defaultUnixPath       = "/run/kvmd/ustreamer.sock"
	defaultHTTPTimeout    = 2 * time.Second
	defaultMemsinkObject  = "kvmd::ustreamer::jpeg"
	defaultLockTimeout    = time.Second
	defaultWaitTimeout    = time.Second
	defaultRetryDelay     = time.Second
	defaultStatsInterval  = 10 * time.Second
	defaultEnvPrefix      = "KVMD_STREAMER"
	defaultMemsinkFormat  = "jpeg"
	defaultLoggingLevel   = "info"
	defaultLoggingFormat  = "json"
	defaultStreamerType   = TypeHTTP
	defaultDropSameFrames = 0
)

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Streamer   StreamerConfig   `mapstructure:"streamer"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StreamerConfig selects and configures exactly one frame source transport.
type StreamerConfig struct {
	Type    string        `mapstructure:"type"` // http, memsink
	Name    string        `mapstructure:"name"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Memsink MemsinkConfig `mapstructure:"memsink"`
}

// HTTPConfig configures the multipart HTTP transport.
type HTTPConfig struct {
	UnixPath  string        `mapstructure:"unix_path"`
	Timeout   time.Duration `mapstructure:"timeout"`    // applied to connect and to every socket read
	UserAgent string        `mapstructure:"user_agent"` // empty = version.UserAgent()
}

// MemsinkConfig configures the shared-memory transport.
type MemsinkConfig struct {
	Format      string        `mapstructure:"format"` // jpeg, h264
	Object      string        `mapstructure:"object"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	// DropSameFrames suppresses a frame identical to the previous one when it
	// arrives within this window. Zero disables the check.
	DropSameFrames time.Duration `mapstructure:"drop_same_frames"`
}

// SupervisorConfig holds settings of the built-in reader used by the CLI.
type SupervisorConfig struct {
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with KVMD_STREAMER_ and use underscores for nesting.
// Example: KVMD_STREAMER_STREAMER_TYPE=memsink.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/kvmd-streamer")
	}

	ConfigureEnv(v)

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return Unmarshal(v)
}

// Unmarshal decodes and validates the configuration held by v.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ConfigureEnv enables KVMD_STREAMER_ prefixed environment overrides on v.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(defaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", defaultLoggingLevel)
	v.SetDefault("logging.format", defaultLoggingFormat)
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Streamer defaults
	v.SetDefault("streamer.type", defaultStreamerType)
	v.SetDefault("streamer.name", defaultStreamerName)
	v.SetDefault("streamer.http.unix_path", defaultUnixPath)
	v.SetDefault("streamer.http.timeout", defaultHTTPTimeout)
	v.SetDefault("streamer.http.user_agent", "")
	v.SetDefault("streamer.memsink.format", defaultMemsinkFormat)
	v.SetDefault("streamer.memsink.object", defaultMemsinkObject)
	v.SetDefault("streamer.memsink.lock_timeout", defaultLockTimeout)
	v.SetDefault("streamer.memsink.wait_timeout", defaultWaitTimeout)
	v.SetDefault("streamer.memsink.drop_same_frames", defaultDropSameFrames)

	// Supervisor defaults
	v.SetDefault("supervisor.retry_delay", defaultRetryDelay)
	v.SetDefault("supervisor.stats_interval", defaultStatsInterval)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if err := c.Streamer.Validate(); err != nil {
		return err
	}

	// Supervisor validation
	if c.Supervisor.RetryDelay < 0 {
		return fmt.Errorf("supervisor.retry_delay cannot be negative")
	}
	if c.Supervisor.StatsInterval < 0 {
		return fmt.Errorf("supervisor.stats_interval cannot be negative")
	}

	return nil
}

// Validate checks the settings of the selected transport only.
func (c *StreamerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("streamer.name is required")
	}

	switch c.Type {
	case TypeHTTP:
		if c.HTTP.UnixPath == "" {
			return fmt.Errorf("streamer.http.unix_path is required")
		}
		if c.HTTP.Timeout <= 0 {
			return fmt.Errorf("streamer.http.timeout must be positive")
		}
	case TypeMemsink:
		validFormats := map[string]bool{"jpeg": true, "h264": true}
		if !validFormats[strings.ToLower(c.Memsink.Format)] {
			return fmt.Errorf("streamer.memsink.format must be one of: jpeg, h264")
		}
		if c.Memsink.Object == "" {
			return fmt.Errorf("streamer.memsink.object is required")
		}
		if c.Memsink.LockTimeout <= 0 {
			return fmt.Errorf("streamer.memsink.lock_timeout must be positive")
		}
		if c.Memsink.WaitTimeout <= 0 {
			return fmt.Errorf("streamer.memsink.wait_timeout must be positive")
		}
		if c.Memsink.DropSameFrames < 0 {
			return fmt.Errorf("streamer.memsink.drop_same_frames cannot be negative")
		}
	default:
		return fmt.Errorf("streamer.type must be one of: %s, %s", TypeHTTP, TypeMemsink)
	}

	return nil
}
