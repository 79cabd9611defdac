// Package config manages the rawtcp daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables, layered over built-in
// defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete rawtcp daemon configuration.
type Config struct {
	Admin       AdminConfig   `koanf:"admin"`
	Metrics     MetricsConfig `koanf:"metrics"`
	Log         LogConfig     `koanf:"log"`
	TCP         TCPConfig     `koanf:"tcp"`
	Connections []ConnConfig  `koanf:"connections"`
}

// AdminConfig holds the admin HTTP API configuration (SPEC_FULL.md §4.12).
type AdminConfig struct {
	// Addr is the admin HTTP listen address (e.g., ":8080").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// TCPConfig holds the default TCP transport parameters every Manager
// connection is created with (SPEC_FULL.md §4.14). ConnConfig has no
// fields that override them per connection.
type TCPConfig struct {
	// DefaultRTOInitial is the starting retransmission timeout.
	DefaultRTOInitial time.Duration `koanf:"default_rto_initial"`

	// DefaultRTOMax is the ceiling the exponential-backoff RTO clamps to.
	DefaultRTOMax time.Duration `koanf:"default_rto_max"`

	// DefaultWindow is the receive-side ByteStream capacity advertised
	// as the initial TCP window.
	DefaultWindow uint64 `koanf:"default_window"`

	// DefaultMSS bounds the payload length of a single outbound segment.
	DefaultMSS uint16 `koanf:"default_mss"`
}

// ConnConfig describes a declarative connection from the configuration
// file. Each entry initiates an active open on daemon startup and is
// reconciled on SIGHUP reload, mirroring the teacher's declarative
// Sessions list.
type ConnConfig struct {
	// Peer is the remote system's IP address.
	Peer string `koanf:"peer"`

	// Local is the local system's IP address.
	Local string `koanf:"local"`

	// LocalPort is the local TCP port to originate from.
	LocalPort uint16 `koanf:"local_port"`

	// PeerPort is the remote TCP port to connect to.
	PeerPort uint16 `koanf:"peer_port"`
}

// ConnKey returns a unique identifier for the connection based on its
// 4-tuple. Used for diffing connections on SIGHUP reload.
func (cc ConnConfig) ConnKey() string {
	return fmt.Sprintf("%s:%d|%s:%d", cc.Local, cc.LocalPort, cc.Peer, cc.PeerPort)
}

// PeerAddr parses the Peer string as a netip.Addr.
func (cc ConnConfig) PeerAddr() (netip.Addr, error) {
	if cc.Peer == "" {
		return netip.Addr{}, fmt.Errorf("connection peer: %w", ErrInvalidConnPeer)
	}
	addr, err := netip.ParseAddr(cc.Peer)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse connection peer %q: %w", cc.Peer, err)
	}
	return addr, nil
}

// LocalAddr parses the Local string as a netip.Addr.
func (cc ConnConfig) LocalAddr() (netip.Addr, error) {
	if cc.Local == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(cc.Local)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse connection local %q: %w", cc.Local, err)
	}
	return addr, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		TCP: TCPConfig{
			DefaultRTOInitial: 1 * time.Second,
			DefaultRTOMax:     60 * time.Second,
			DefaultWindow:     64 * 1024,
			DefaultMSS:        1460,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for rawtcp configuration.
// Variables are named RAWTCP_<section>_<key>, e.g., RAWTCP_ADMIN_ADDR.
const envPrefix = "RAWTCP_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (RAWTCP_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	RAWTCP_ADMIN_ADDR          -> admin.addr
//	RAWTCP_METRICS_ADDR        -> metrics.addr
//	RAWTCP_METRICS_PATH        -> metrics.path
//	RAWTCP_LOG_LEVEL           -> log.level
//	RAWTCP_LOG_FORMAT          -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms RAWTCP_ADMIN_ADDR -> admin.addr. Strips the
// RAWTCP_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.addr":              defaults.Admin.Addr,
		"metrics.addr":            defaults.Metrics.Addr,
		"metrics.path":            defaults.Metrics.Path,
		"log.level":               defaults.Log.Level,
		"log.format":              defaults.Log.Format,
		"tcp.default_rto_initial": defaults.TCP.DefaultRTOInitial.String(),
		"tcp.default_rto_max":     defaults.TCP.DefaultRTOMax.String(),
		"tcp.default_window":      defaults.TCP.DefaultWindow,
		"tcp.default_mss":         defaults.TCP.DefaultMSS,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAdminAddr indicates the admin listen address is empty.
	ErrEmptyAdminAddr = errors.New("admin.addr must not be empty")

	// ErrInvalidRTOInitial indicates the initial RTO is invalid.
	ErrInvalidRTOInitial = errors.New("tcp.default_rto_initial must be > 0")

	// ErrInvalidRTOMax indicates the max RTO is invalid or below the initial.
	ErrInvalidRTOMax = errors.New("tcp.default_rto_max must be >= tcp.default_rto_initial")

	// ErrInvalidWindow indicates the default receive window is zero.
	ErrInvalidWindow = errors.New("tcp.default_window must be > 0")

	// ErrInvalidMSS indicates the default MSS is zero or exceeds the IPv4
	// payload ceiling.
	ErrInvalidMSS = errors.New("tcp.default_mss must be > 0 and <= 65495")

	// ErrInvalidConnPeer indicates a connection has an invalid peer address.
	ErrInvalidConnPeer = errors.New("connection peer address is invalid")

	// ErrInvalidConnPort indicates a connection has an unset port.
	ErrInvalidConnPort = errors.New("connection local_port and peer_port must be nonzero")

	// ErrDuplicateConnKey indicates two connections share the same 4-tuple.
	ErrDuplicateConnKey = errors.New("duplicate connection key")
)

// maxMSS is the largest payload a single TCP segment can carry inside the
// 65535-byte IPv4 TotalLen ceiling, after the smallest legal IP (20 bytes)
// and TCP (20 bytes) headers.
const maxMSS = 65535 - 20 - 20

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	if cfg.TCP.DefaultRTOInitial <= 0 {
		return ErrInvalidRTOInitial
	}

	if cfg.TCP.DefaultRTOMax < cfg.TCP.DefaultRTOInitial {
		return ErrInvalidRTOMax
	}

	if cfg.TCP.DefaultWindow == 0 {
		return ErrInvalidWindow
	}

	if cfg.TCP.DefaultMSS == 0 || cfg.TCP.DefaultMSS > maxMSS {
		return ErrInvalidMSS
	}

	if err := validateConnections(cfg.Connections); err != nil {
		return err
	}

	return nil
}

// validateConnections checks each declarative connection entry for
// correctness and duplicate 4-tuples.
func validateConnections(conns []ConnConfig) error {
	seen := make(map[string]struct{}, len(conns))

	for i, cc := range conns {
		if _, err := cc.PeerAddr(); err != nil {
			return fmt.Errorf("connections[%d]: %w: %w", i, ErrInvalidConnPeer, err)
		}

		if cc.LocalPort == 0 || cc.PeerPort == 0 {
			return fmt.Errorf("connections[%d]: %w", i, ErrInvalidConnPort)
		}

		key := cc.ConnKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("connections[%d] key %q: %w", i, key, ErrDuplicateConnKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
