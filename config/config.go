// Package config loads the bridge configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dotside-studios/davi-pcsc-bridge/buildinfo"
	"github.com/dotside-studios/davi-pcsc-bridge/lifecycle"
	"github.com/dotside-studios/davi-pcsc-bridge/mqtt"
)

// Supported drivers
const (
	DriverPCSC   = "pcsc"
	DriverLibNFC = "libnfc"
)

// DefaultPort is the WebSocket/HTTP listen port.
const DefaultPort = 18080

// Config is the main configuration structure for the bridge.
type Config struct {
	// Driver selects the hardware backend: pcsc or libnfc
	Driver string `yaml:"driver"`
	// Device filters PC/SC reader names, or is a libnfc connstring
	Device string `yaml:"device"`

	Server   ServerConfig   `yaml:"server"`
	MQTT     mqtt.Config    `yaml:"mqtt"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Commands CommandsConfig `yaml:"commands"`
}

// ServerConfig holds WebSocket server settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	APISecret string `yaml:"api_secret"`
	MDNS      bool   `yaml:"mdns"`

	// TLS serves wss:// with a locally trusted certificate kept in TLSDir
	TLS    bool   `yaml:"tls"`
	TLSDir string `yaml:"tls_dir"`
}

// RecoveryConfig tunes the recovery supervisor and watchdog.
type RecoveryConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	StepDelay        time.Duration `yaml:"step_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	RestartTip       string        `yaml:"restart_tip"`
}

// CommandsConfig holds operator command cooldowns.
type CommandsConfig struct {
	ManualCooldown time.Duration `yaml:"manual_cooldown"`
	ForceCooldown  time.Duration `yaml:"force_cooldown"`
}

// Default returns the stock configuration.
func Default() Config {
	sup := lifecycle.DefaultSupervisorConfig()
	return Config{
		Driver: DriverPCSC,
		Server: ServerConfig{
			Port: DefaultPort,
			MDNS: true,
		},
		MQTT: mqtt.Config{
			ClientID:    "davi-pcsc-bridge",
			TopicPrefix: mqtt.DefaultTopicPrefix,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:      sup.MaxAttempts,
			BaseDelay:        sup.BaseDelay,
			StepDelay:        sup.StepDelay,
			MaxDelay:         sup.MaxDelay,
			RetryDelay:       sup.RetryDelay,
			WatchdogInterval: lifecycle.DefaultWatchdogInterval,
		},
		Commands: CommandsConfig{
			ManualCooldown: lifecycle.DefaultManualCooldown,
			ForceCooldown:  lifecycle.DefaultForceCooldown,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping fields the document omits, then
// validates the result.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks the configuration for values the bridge cannot run with.
func (c Config) Validate() error {
	var errs []error

	switch c.Driver {
	case DriverPCSC, DriverLibNFC:
	default:
		errs = append(errs, fmt.Errorf("unknown driver %q (want %s or %s)", c.Driver, DriverPCSC, DriverLibNFC))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.TLS && c.CertDir() == "" {
		errs = append(errs, errors.New("server.tls needs server.tls_dir when no user config directory exists"))
	}

	r := c.Recovery
	if r.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("recovery.max_attempts must be positive, got %d", r.MaxAttempts))
	}
	if r.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("recovery.base_delay must be positive, got %s", r.BaseDelay))
	}
	if r.StepDelay < 0 {
		errs = append(errs, fmt.Errorf("recovery.step_delay must not be negative, got %s", r.StepDelay))
	}
	if r.MaxDelay < r.BaseDelay {
		errs = append(errs, fmt.Errorf("recovery.max_delay %s is below base_delay %s", r.MaxDelay, r.BaseDelay))
	}
	if r.RetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("recovery.retry_delay must be positive, got %s", r.RetryDelay))
	}
	if r.WatchdogInterval <= 0 {
		errs = append(errs, fmt.Errorf("recovery.watchdog_interval must be positive, got %s", r.WatchdogInterval))
	}

	if c.Commands.ManualCooldown < 0 || c.Commands.ForceCooldown < 0 {
		errs = append(errs, errors.New("command cooldowns must not be negative"))
	}

	return errors.Join(errs...)
}

// SupervisorConfig returns the recovery tuning for the lifecycle package.
func (c Config) SupervisorConfig() lifecycle.SupervisorConfig {
	return lifecycle.SupervisorConfig{
		MaxAttempts: c.Recovery.MaxAttempts,
		BaseDelay:   c.Recovery.BaseDelay,
		StepDelay:   c.Recovery.StepDelay,
		MaxDelay:    c.Recovery.MaxDelay,
		RetryDelay:  c.Recovery.RetryDelay,
		RestartTip:  c.Recovery.RestartTip,
	}
}

// Dir returns the per-user config directory, or "" when it cannot be
// determined.
func Dir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, buildinfo.DirName)
}

// DefaultPath returns the per-user config file location, or "".
func DefaultPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// CertDir returns where TLS material is kept.
func (c Config) CertDir() string {
	if c.Server.TLSDir != "" {
		return c.Server.TLSDir
	}
	return Dir()
}
