// Package config provides configuration management for scriptwatch.
//
// This package handles loading configuration from multiple sources:
// - Configuration files (YAML, JSON, TOML)
// - Environment variables
// - Command line flags
// - Default values
//
// Configuration is loaded in order of precedence (highest to lowest):
// 1. Command line flags
// 2. Environment variables
// 3. Configuration file
// 4. Default values
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete scriptwatch configuration
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Forward    ForwardConfig    `mapstructure:"forward" yaml:"forward"`
	Report     ReportConfig     `mapstructure:"report" yaml:"report"`
}

// SupervisorConfig controls how children are launched and polled
type SupervisorConfig struct {
	Shell         string        `mapstructure:"shell" yaml:"shell"`
	ShellFlag     string        `mapstructure:"shell_flag" yaml:"shell_flag"`
	SidecarSuffix string        `mapstructure:"sidecar_suffix" yaml:"sidecar_suffix"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Scripts       []string      `mapstructure:"scripts" yaml:"scripts"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	OutputFile string `mapstructure:"output_file" yaml:"output_file"`
	Verbose    bool   `mapstructure:"verbose" yaml:"verbose"`
}

// ForwardConfig contains configuration for the optional report forwarder.
// An empty URL disables forwarding.
type ForwardConfig struct {
	URL                   string        `mapstructure:"url" yaml:"url"`
	ReconnectInitialDelay time.Duration `mapstructure:"reconnect_initial_delay" yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `mapstructure:"reconnect_max_delay" yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts  int           `mapstructure:"reconnect_max_attempts" yaml:"reconnect_max_attempts"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	HandshakeTimeout      time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
}

// ReportConfig contains end-of-run reporting options
type ReportConfig struct {
	Summary bool `mapstructure:"summary" yaml:"summary"`
}

// DefaultScripts is the script list used when none is configured or given
// on the command line.
var DefaultScripts = []string{"./src/script1.sh", "./src/script2.sh", "./src/script3.sh"}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			Shell:         "bash",
			ShellFlag:     "-c",
			SidecarSuffix: ".error",
			PollInterval:  100 * time.Millisecond,
			Scripts:       append([]string(nil), DefaultScripts...),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			OutputFile: "",
			Verbose:    false,
		},
		Forward: ForwardConfig{
			URL:                   "",
			ReconnectInitialDelay: 500 * time.Millisecond,
			ReconnectMaxDelay:     5 * time.Second,
			ReconnectMaxAttempts:  3,
			WriteTimeout:          5 * time.Second,
			HandshakeTimeout:      5 * time.Second,
		},
		Report: ReportConfig{
			Summary: false,
		},
	}
}

// LoadConfig loads configuration from various sources
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SCRIPTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.scriptwatch")
		v.AddConfigPath("/etc/scriptwatch")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if configFile != "" {
				return nil, fmt.Errorf("config file not found: %s", configFile)
			}
		} else if configFile != "" && os.IsNotExist(err) {
			// SetConfigFile reports a missing file as a plain fs error
			return nil, fmt.Errorf("config file not found: %s", configFile)
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	// Supervisor defaults
	v.SetDefault("supervisor.shell", defaults.Supervisor.Shell)
	v.SetDefault("supervisor.shell_flag", defaults.Supervisor.ShellFlag)
	v.SetDefault("supervisor.sidecar_suffix", defaults.Supervisor.SidecarSuffix)
	v.SetDefault("supervisor.poll_interval", defaults.Supervisor.PollInterval)
	v.SetDefault("supervisor.scripts", defaults.Supervisor.Scripts)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output_file", defaults.Logging.OutputFile)
	v.SetDefault("logging.verbose", defaults.Logging.Verbose)

	// Forward defaults
	v.SetDefault("forward.url", defaults.Forward.URL)
	v.SetDefault("forward.reconnect_initial_delay", defaults.Forward.ReconnectInitialDelay)
	v.SetDefault("forward.reconnect_max_delay", defaults.Forward.ReconnectMaxDelay)
	v.SetDefault("forward.reconnect_max_attempts", defaults.Forward.ReconnectMaxAttempts)
	v.SetDefault("forward.write_timeout", defaults.Forward.WriteTimeout)
	v.SetDefault("forward.handshake_timeout", defaults.Forward.HandshakeTimeout)

	v.SetDefault("report.summary", defaults.Report.Summary)
}

// Validate checks a configuration that was built or modified outside LoadConfig,
// e.g. after command line overrides.
func (c *Config) Validate() error {
	return validateConfig(c)
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	// Validate supervisor configuration
	if strings.TrimSpace(config.Supervisor.Shell) == "" {
		return fmt.Errorf("supervisor.shell cannot be empty")
	}

	if config.Supervisor.SidecarSuffix == "" {
		return fmt.Errorf("supervisor.sidecar_suffix cannot be empty")
	}

	if strings.ContainsRune(config.Supervisor.SidecarSuffix, filepath.Separator) {
		return fmt.Errorf("supervisor.sidecar_suffix must not contain a path separator, got %q", config.Supervisor.SidecarSuffix)
	}

	if config.Supervisor.PollInterval <= 0 {
		return fmt.Errorf("supervisor.poll_interval must be positive, got %v", config.Supervisor.PollInterval)
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[config.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got %s", config.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[config.Logging.Format] {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %s", config.Logging.Format)
	}

	// Validate forwarder configuration
	if config.Forward.URL != "" {
		u, err := url.Parse(config.Forward.URL)
		if err != nil {
			return fmt.Errorf("forward.url is invalid: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("forward.url must use ws:// or wss://, got %s", config.Forward.URL)
		}
	}

	if config.Forward.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("forward.reconnect_max_attempts must be non-negative, got %d", config.Forward.ReconnectMaxAttempts)
	}

	if config.Forward.WriteTimeout <= 0 {
		return fmt.Errorf("forward.write_timeout must be positive, got %v", config.Forward.WriteTimeout)
	}

	return nil
}

// GetConfigPaths returns the paths where config files are searched
func GetConfigPaths() []string {
	paths := []string{
		"./config.yaml",
		"./config.yml",
		"./config.json",
		"./config.toml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".scriptwatch", "config.yaml"),
			filepath.Join(home, ".scriptwatch", "config.yml"),
			filepath.Join(home, ".scriptwatch", "config.json"),
			filepath.Join(home, ".scriptwatch", "config.toml"),
		)
	}

	paths = append(paths,
		"/etc/scriptwatch/config.yaml",
		"/etc/scriptwatch/config.yml",
		"/etc/scriptwatch/config.json",
		"/etc/scriptwatch/config.toml",
	)

	return paths
}

// GetEnvVarName returns the environment variable name for a config key
func GetEnvVarName(key string) string {
	return "SCRIPTWATCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
