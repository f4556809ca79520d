// ABOUTME: Configuration loading and validation for the fleet controller
// ABOUTME: YAML or TOML files with ${VAR} expansion, duration parsing and FLEET_* overrides

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load and Path.
const (
	EnvConfigPath       = "FLEET_CONFIG"
	EnvDBPath           = "FLEET_DB_PATH"
	EnvDefaultIdleMs    = "FLEET_DEFAULT_IDLE_RELEASE_MS"
	EnvScaleSecret      = "FLEET_SCALE_SECRET"
	maxIdleSweepPeriod  = time.Minute
	maxPlatformAuthWait = 10 * time.Second
)

// Config is the complete fleetd configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Platform  PlatformConfig  `yaml:"platform" toml:"platform"`
	Fleet     FleetConfig     `yaml:"fleet" toml:"fleet"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds tsnet configuration. When enabled both listeners are
// served on the tailnet instead of the server addresses.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds the SQLite location.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds shared secrets. None of these are ever logged.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret" toml:"jwt_secret"`
	ScaleSecret   string `yaml:"scale_secret" toml:"scale_secret"`
	CredentialKey string `yaml:"credential_key" toml:"credential_key"`
}

// PlatformConfig configures the chat platform client.
type PlatformConfig struct {
	BotToken    string   `yaml:"bot_token" toml:"bot_token"`
	AuthTimeout Duration `yaml:"auth_timeout" toml:"auth_timeout"`
}

// FleetConfig tunes the controller.
type FleetConfig struct {
	// DefaultIdleRelease applies to guilds without an override. Zero disables.
	DefaultIdleRelease Duration `yaml:"default_idle_release" toml:"default_idle_release"`
	IdleSweepInterval  Duration `yaml:"idle_sweep_interval" toml:"idle_sweep_interval"`
	// ReconcileInterval enables periodic membership checks when non-zero.
	ReconcileInterval  Duration `yaml:"reconcile_interval" toml:"reconcile_interval"`
	VerifiedTTL        Duration `yaml:"verified_ttl" toml:"verified_ttl"`
	RequestTimeout     Duration `yaml:"request_timeout" toml:"request_timeout"`
	PinTTL             Duration `yaml:"pin_ttl" toml:"pin_ttl"`
	GuildCap           int      `yaml:"guild_cap" toml:"guild_cap"`
	ContributionLimit  int      `yaml:"contribution_limit" toml:"contribution_limit"`
	ContributionWindow Duration `yaml:"contribution_window" toml:"contribution_window"`
	Superusers         []string `yaml:"superusers" toml:"superusers"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text or json
}

// Duration is a time.Duration written as a Go duration string ("30s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler, used by TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Path returns the config file location.
// Priority: FLEET_CONFIG > XDG_CONFIG_HOME/chopsticks-fleet/fleetd.yaml > ~/.config/chopsticks-fleet/fleetd.yaml
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "fleetd.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "chopsticks-fleet", "fleetd.yaml")
}

// Load reads, expands and validates a configuration file. Files ending in
// .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration bytes.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.NewDecoder(bytes.NewReader([]byte(expanded))).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the environment value, or "" if unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvScaleSecret); v != "" {
		c.Auth.ScaleSecret = v
	}
	if v := os.Getenv(EnvDefaultIdleMs); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			return fmt.Errorf("%s must be a non-negative integer", EnvDefaultIdleMs)
		}
		c.Fleet.DefaultIdleRelease = Duration{time.Duration(ms) * time.Millisecond}
	}
	return nil
}

func (c *Config) applyDefaults() {
	setDefault := func(d *Duration, v time.Duration) {
		if d.Duration == 0 {
			d.Duration = v
		}
	}
	setDefault(&c.Fleet.IdleSweepInterval, 30*time.Second)
	setDefault(&c.Fleet.RequestTimeout, 10*time.Second)
	setDefault(&c.Fleet.PinTTL, 5*time.Minute)
	setDefault(&c.Fleet.VerifiedTTL, 15*time.Minute)
	setDefault(&c.Fleet.ContributionWindow, time.Hour)
	setDefault(&c.Platform.AuthTimeout, maxPlatformAuthWait)
	if c.Fleet.GuildCap == 0 {
		c.Fleet.GuildCap = 49
	}
	if c.Fleet.ContributionLimit == 0 {
		c.Fleet.ContributionLimit = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks required fields and bounds. Returns the first failure.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Auth.CredentialKey) < 16 {
		return fmt.Errorf("auth.credential_key must be at least 16 characters")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.Platform.AuthTimeout.Duration > maxPlatformAuthWait {
		return fmt.Errorf("platform.auth_timeout must not exceed %s", maxPlatformAuthWait)
	}
	if c.Fleet.DefaultIdleRelease.Duration < 0 {
		return fmt.Errorf("fleet.default_idle_release must not be negative")
	}
	if c.Fleet.IdleSweepInterval.Duration > maxIdleSweepPeriod {
		return fmt.Errorf("fleet.idle_sweep_interval must not exceed %s", maxIdleSweepPeriod)
	}
	if c.Fleet.ReconcileInterval.Duration < 0 {
		return fmt.Errorf("fleet.reconcile_interval must not be negative")
	}
	if c.Fleet.GuildCap < 10 || c.Fleet.GuildCap > 49 {
		return fmt.Errorf("fleet.guild_cap must be between 10 and 49")
	}
	if c.Fleet.ContributionLimit < 0 {
		return fmt.Errorf("fleet.contribution_limit must not be negative")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}
