// Package config provides Viper-based configuration loading for the
// ChatBridge relay server and bridge clients.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds relay server listener settings.
type ServerConfig struct {
	// Host is the bind address for the relay listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the relay listener.
	Port int `mapstructure:"port"`
	// AESKey is the shared encryption passphrase. Empty selects plaintext
	// mode, which is logged loudly at startup.
	AESKey string `mapstructure:"aes_key"`
	// ClientsFile is the path to the YAML list of bridge client identities.
	ClientsFile string `mapstructure:"clients_file"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ClientConfig holds the identity and dial target for a bridge client binary.
type ClientConfig struct {
	// Name is this bridge's identity, matching a server-side client entry.
	Name string `mapstructure:"name"`
	// Password is the shared secret for Name.
	Password string `mapstructure:"password"`
	// Type is the free-form bridge kind tag, e.g. "mc" or "cqhttp".
	Type string `mapstructure:"type"`
	// ServerHost is the relay server address to dial.
	ServerHost string `mapstructure:"server_host"`
	// ServerPort is the relay server port to dial.
	ServerPort int `mapstructure:"server_port"`
	// AESKey is the shared encryption passphrase.
	AESKey string `mapstructure:"aes_key"`
}

// Addr returns the "host:port" dial address.
func (c ClientConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// TimeoutsConfig holds the protocol timing knobs.
type TimeoutsConfig struct {
	// Idle is how long an authenticated session may sit without a frame
	// before being closed.
	Idle time.Duration `mapstructure:"idle"`
	// Auth is how long an accepted connection may take to present its
	// login frame.
	Auth time.Duration `mapstructure:"auth"`
	// PingInterval is the keepalive guardian's idle probe cadence.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// Call is the RPC correlation wait for command/api replies.
	Call time.Duration `mapstructure:"call"`
	// PluginBudget is the wall-clock budget for one plugin hook invocation.
	PluginBudget time.Duration `mapstructure:"plugin_budget"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// File is an optional log file path written in addition to stderr.
	File string `mapstructure:"file"`
}

// PluginsConfig holds the Lua handler settings.
type PluginsConfig struct {
	// Dir is the directory of handler scripts; empty disables plugins.
	Dir string `mapstructure:"dir"`
}

// Config is the top-level application configuration. The server binary reads
// Server/Timeouts/Logging/Plugins; the client binary reads
// Client/Timeouts/Logging.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Client   ClientConfig   `mapstructure:"client"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Plugins  PluginsConfig  `mapstructure:"plugins"`
}

// ClientEntry is one configured bridge identity in the clients file.
type ClientEntry struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	Type     string `yaml:"type"`
}

// Validate checks the invariants the server binary depends on.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateTimeouts(c.Timeouts); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateClient checks the invariants the client binary depends on.
func (c Config) ValidateClient() error {
	var errs []string

	if c.Client.Name == "" {
		errs = append(errs, "client.name must not be empty")
	}
	if c.Client.ServerHost == "" {
		errs = append(errs, "client.server_host must not be empty")
	}
	if c.Client.ServerPort < 1 || c.Client.ServerPort > 65535 {
		errs = append(errs, fmt.Sprintf("client.server_port must be 1-65535, got %d", c.Client.ServerPort))
	}
	if err := validateTimeouts(c.Timeouts); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.ClientsFile == "" {
		errs = append(errs, "server.clients_file must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateTimeouts(t TimeoutsConfig) error {
	var errs []string
	if t.Idle <= 0 {
		errs = append(errs, "timeouts.idle must be positive")
	}
	if t.Auth <= 0 {
		errs = append(errs, "timeouts.auth must be positive")
	}
	if t.PingInterval <= 0 {
		errs = append(errs, "timeouts.ping_interval must be positive")
	}
	if t.Call <= 0 {
		errs = append(errs, "timeouts.call must be positive")
	}
	if t.PluginBudget <= 0 {
		errs = append(errs, "timeouts.plugin_budget must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path and applies environment
// variable overrides. Role-specific validation is the caller's job: the
// server binary runs Validate, the client binary ValidateClient.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a populated Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with CBR_ prefix
	v.SetEnvPrefix("CBR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}

// LoadClients reads the YAML list of bridge identities.
//
// Precondition: path must name a readable YAML file.
// Postcondition: Returns at least one entry, each with a unique non-empty name.
func LoadClients(path string) ([]ClientEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading clients file: %w", err)
	}

	var entries []ClientEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing clients file %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, errors.New("clients file defines no clients")
	}

	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("clients file entry %d has an empty name", i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("clients file defines %q more than once", e.Name)
		}
		seen[e.Name] = true
	}
	return entries, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7777)
	v.SetDefault("server.clients_file", "configs/clients.yaml")

	v.SetDefault("client.server_host", "127.0.0.1")
	v.SetDefault("client.server_port", 7777)
	v.SetDefault("client.type", "bridge")

	v.SetDefault("timeouts.idle", "120s")
	v.SetDefault("timeouts.auth", "30s")
	v.SetDefault("timeouts.ping_interval", "60s")
	v.SetDefault("timeouts.call", "2s")
	v.SetDefault("timeouts.plugin_budget", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
