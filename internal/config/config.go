// ABOUTME: Configuration loading and parsing for coven-menubot
// ABOUTME: YAML with environment variable expansion, duration parsing, defaults and validation

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-menubot/internal/policy"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

var validate = validator.New()

// Config represents the complete coven-menubot configuration
type Config struct {
	Transport   TransportConfig   `yaml:"transport"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Dialogue    DialogueConfig    `yaml:"dialogue"`
	Menu        MenuConfig        `yaml:"menu"`
	Policy      policy.Rules      `yaml:"policy"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// TransportConfig selects and configures the messaging transport
type TransportConfig struct {
	Kind   string       `yaml:"kind" validate:"required,oneof=matrix loopback"`
	Matrix MatrixConfig `yaml:"matrix"`
	// PhoneNumber enables numeric pairing codes on transports that support them
	PhoneNumber string `yaml:"phone_number" validate:"omitempty,numeric,min=8,max=15"`

	ConnectTimeout    time.Duration `yaml:"-"`
	ConnectTimeoutRaw string        `yaml:"connect_timeout"`
}

// MatrixConfig holds the bot's homeserver account
type MatrixConfig struct {
	Homeserver     string `yaml:"homeserver" validate:"omitempty,url"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	DeviceName     string `yaml:"device_name"`
	FormatMarkdown bool   `yaml:"format_markdown"`
}

// CredentialsConfig selects where the transport identity is persisted
type CredentialsConfig struct {
	Backend string       `yaml:"backend" validate:"required,oneof=memory sqlite redis badger"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Redis   RedisConfig  `yaml:"redis"`
	Badger  BadgerConfig `yaml:"badger"`
}

// SQLiteConfig holds the SQLite credential store settings
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds the Redis credential store settings
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

// BadgerConfig holds the Badger credential store settings.
// An empty Dir runs Badger in memory.
type BadgerConfig struct {
	Dir string `yaml:"dir"`
}

// ReconnectConfig holds reconnect backoff timing
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"-"`
	MaxDelay     time.Duration `yaml:"-"`
	Multiplier   float64       `yaml:"multiplier" validate:"gte=1"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=0"`

	// Raw string values for YAML unmarshaling
	InitialDelayRaw string `yaml:"initial_delay"`
	MaxDelayRaw     string `yaml:"max_delay"`
}

// DialogueConfig holds session timing and fixed reply texts
type DialogueConfig struct {
	WarnAfter   time.Duration `yaml:"-"`
	ResetAfter  time.Duration `yaml:"-"`
	SendTimeout time.Duration `yaml:"-"`

	WarnAfterRaw   string `yaml:"warn_after"`
	ResetAfterRaw  string `yaml:"reset_after"`
	SendTimeoutRaw string `yaml:"send_timeout"`

	HomeTokens []string    `yaml:"home_tokens" validate:"dive,required"`
	OutboxSize int         `yaml:"outbox_size" validate:"gte=0"`
	Texts      TextsConfig `yaml:"texts"`
}

// TextsConfig overrides the built-in replies. Empty values keep the defaults.
type TextsConfig struct {
	InvalidOption string `yaml:"invalid_option"`
	Warning       string `yaml:"warning"`
	ResetNotice   string `yaml:"reset_notice"`
}

// MenuConfig points at a menu document. Empty uses the built-in menu.
type MenuConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"omitempty,hostname_port"`
	Path    string `yaml:"path" validate:"omitempty,startswith=/"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:              "matrix",
			Matrix:            MatrixConfig{DeviceName: "coven-menubot"},
			ConnectTimeoutRaw: "30s",
		},
		Credentials: CredentialsConfig{
			Backend: "sqlite",
			SQLite:  SQLiteConfig{Path: filepath.Join(DataDir(), "credentials.db")},
		},
		Reconnect: ReconnectConfig{
			InitialDelayRaw: "3s",
			MaxDelayRaw:     "60s",
			Multiplier:      2,
			MaxAttempts:     6,
		},
		Dialogue: DialogueConfig{
			WarnAfterRaw:   "5m",
			ResetAfterRaw:  "10m",
			SendTimeoutRaw: "30s",
			HomeTokens:     []string{"0", "inicio", "menu"},
			OutboxSize:     16,
		},
		Policy:  policy.DefaultRules(),
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464", Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks field constraints and then the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalid, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if c.Transport.Kind == "matrix" {
		if c.Transport.Matrix.Homeserver == "" {
			return fmt.Errorf("%w: transport.matrix.homeserver is required", ErrInvalid)
		}
		if c.Transport.Matrix.Username == "" {
			return fmt.Errorf("%w: transport.matrix.username is required", ErrInvalid)
		}
	}

	switch c.Credentials.Backend {
	case "sqlite":
		if c.Credentials.SQLite.Path == "" {
			return fmt.Errorf("%w: credentials.sqlite.path is required", ErrInvalid)
		}
	case "redis":
		if c.Credentials.Redis.Addr == "" {
			return fmt.Errorf("%w: credentials.redis.addr is required", ErrInvalid)
		}
	}

	if c.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("%w: reconnect.initial_delay must be positive", ErrInvalid)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("%w: reconnect.max_delay must not be below initial_delay", ErrInvalid)
	}

	if c.Dialogue.WarnAfter <= 0 {
		return fmt.Errorf("%w: dialogue.warn_after must be positive", ErrInvalid)
	}
	if c.Dialogue.ResetAfter <= c.Dialogue.WarnAfter {
		return fmt.Errorf("%w: dialogue.reset_after must be after warn_after", ErrInvalid)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics.addr is required when metrics are enabled", ErrInvalid)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"transport.connect_timeout", cfg.Transport.ConnectTimeoutRaw, &cfg.Transport.ConnectTimeout},
		{"reconnect.initial_delay", cfg.Reconnect.InitialDelayRaw, &cfg.Reconnect.InitialDelay},
		{"reconnect.max_delay", cfg.Reconnect.MaxDelayRaw, &cfg.Reconnect.MaxDelay},
		{"dialogue.warn_after", cfg.Dialogue.WarnAfterRaw, &cfg.Dialogue.WarnAfter},
		{"dialogue.reset_after", cfg.Dialogue.ResetAfterRaw, &cfg.Dialogue.ResetAfter},
		{"dialogue.send_timeout", cfg.Dialogue.SendTimeoutRaw, &cfg.Dialogue.SendTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Path returns the config file location.
// Priority: COVEN_MENUBOT_CONFIG env var > XDG_CONFIG_HOME/coven/menubot.yaml > ~/.config/coven/menubot.yaml
func Path() string {
	if envPath := os.Getenv("COVEN_MENUBOT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "menubot.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "menubot.yaml")
}

// DataDir returns the directory for local state.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}
