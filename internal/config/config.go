// Package config loads server configuration.
//
// Values are resolved in this order, later sources overriding earlier ones:
//  1. Built-in defaults
//  2. The YAML file given by --config or SIMPLECALL_CONFIG
//  3. SIMPLECALL_* environment variables
//  4. Command line flags (applied by the caller)
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/saintparish4/simplecall/internal/signaling"
	"github.com/saintparish4/simplecall/pkg/netutil"
)

// Config is the complete server configuration.
type Config struct {
	// Listen is the control channel TCP address.
	Listen string `yaml:"listen"`

	// HTTPListen serves health, stats and the WebSocket control channel.
	// Empty disables it.
	HTTPListen string `yaml:"http_listen"`

	Handshake HandshakeConfig `yaml:"handshake"`
	Relay     RelayConfig     `yaml:"relay"`
	Rooms     RoomsConfig     `yaml:"rooms"`
	Log       LogConfig       `yaml:"log"`
}

// HandshakeConfig controls UDP endpoint discovery.
type HandshakeConfig struct {
	Retries      int           `yaml:"retries"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// RelayConfig controls relay mode forwarding.
type RelayConfig struct {
	BufferSize      int           `yaml:"buffer_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxSendFailures int           `yaml:"max_send_failures"`
}

// RoomsConfig controls the join request and the waiting room.
type RoomsConfig struct {
	TokenTimeout    time.Duration `yaml:"token_timeout"`
	SettingsTimeout time.Duration `yaml:"settings_timeout"`
	WaitTimeout     time.Duration `yaml:"wait_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LogConfig controls logging.
type LogConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "console" or "json".
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	d := signaling.DefaultConfig()
	return Config{
		Listen:     d.Addr,
		HTTPListen: d.HTTPAddr,
		Handshake: HandshakeConfig{
			Retries:      d.Call.Retries,
			ProbeTimeout: d.Call.ProbeTimeout,
			TickInterval: d.Call.TickInterval,
		},
		Relay: RelayConfig{
			BufferSize:      d.Call.BufferSize,
			PollInterval:    d.Call.PollInterval,
			IdleTimeout:     d.Call.IdleTimeout,
			MaxSendFailures: d.Call.MaxSendFailures,
		},
		Rooms: RoomsConfig{
			TokenTimeout:    d.TokenTimeout,
			SettingsTimeout: d.SettingsTimeout,
			WaitTimeout:     d.WaitTimeout,
			CleanupInterval: d.CleanupInterval,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path (falling back to SIMPLECALL_CONFIG) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("SIMPLECALL_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from SIMPLECALL_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SIMPLECALL_LISTEN"); ok {
		c.Listen = v
	}
	if v, ok := lookup("SIMPLECALL_HTTP_LISTEN"); ok {
		c.HTTPListen = v
	}
	if v, ok := lookup("SIMPLECALL_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("SIMPLECALL_LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := lookup("SIMPLECALL_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SIMPLECALL_RETRIES: %w", err)
		}
		c.Handshake.Retries = n
	}
	if v, ok := lookup("SIMPLECALL_RELAY_IDLE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SIMPLECALL_RELAY_IDLE_TIMEOUT: %w", err)
		}
		c.Relay.IdleTimeout = d
	}
	if v, ok := lookup("SIMPLECALL_WAIT_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SIMPLECALL_WAIT_TIMEOUT: %w", err)
		}
		c.Rooms.WaitTimeout = d
	}
	return nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error

	if err := netutil.ValidateTCPAddr(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	if c.HTTPListen != "" {
		if err := netutil.ValidateTCPAddr(c.HTTPListen); err != nil {
			errs = append(errs, fmt.Errorf("http_listen: %w", err))
		}
	}
	if c.Handshake.Retries < 2 {
		errs = append(errs, errors.New("handshake.retries must be at least 2"))
	}
	if c.Handshake.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("handshake.probe_timeout must be positive"))
	}
	if c.Handshake.TickInterval < 0 {
		errs = append(errs, errors.New("handshake.tick_interval must not be negative"))
	}
	if c.Relay.BufferSize < 1 || c.Relay.BufferSize > 65535 {
		errs = append(errs, errors.New("relay.buffer_size must be between 1 and 65535"))
	}
	if c.Relay.PollInterval <= 0 {
		errs = append(errs, errors.New("relay.poll_interval must be positive"))
	}
	if c.Relay.IdleTimeout < 0 {
		errs = append(errs, errors.New("relay.idle_timeout must not be negative"))
	}
	if c.Relay.MaxSendFailures < 0 {
		errs = append(errs, errors.New("relay.max_send_failures must not be negative"))
	}
	if c.Rooms.TokenTimeout <= 0 || c.Rooms.SettingsTimeout <= 0 {
		errs = append(errs, errors.New("rooms.token_timeout and rooms.settings_timeout must be positive"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Server converts the configuration into signaling server options. The
// caller sets the logger.
func (c Config) Server() signaling.Config {
	cfg := signaling.DefaultConfig()
	cfg.Addr = c.Listen
	cfg.HTTPAddr = c.HTTPListen
	cfg.Call = signaling.CallConfig{
		Retries:         c.Handshake.Retries,
		ProbeTimeout:    c.Handshake.ProbeTimeout,
		TickInterval:    c.Handshake.TickInterval,
		BufferSize:      c.Relay.BufferSize,
		PollInterval:    c.Relay.PollInterval,
		IdleTimeout:     c.Relay.IdleTimeout,
		MaxSendFailures: c.Relay.MaxSendFailures,
	}
	cfg.TokenTimeout = c.Rooms.TokenTimeout
	cfg.SettingsTimeout = c.Rooms.SettingsTimeout
	cfg.WaitTimeout = c.Rooms.WaitTimeout
	cfg.CleanupInterval = c.Rooms.CleanupInterval
	return cfg
}
