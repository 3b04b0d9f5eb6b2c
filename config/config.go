// Package config loads and validates the daemon's on-disk settings:
// defaults layered with a YAML file and environment overrides, the
// same shape the teacher's network config uses, generalized from a
// Solana-cluster selector to daemon ports/timeouts/paths.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/cosmicconnect/internal/identity"
)

// LogLevel mirrors the teacher's string-keyed log level type.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat selects the slog handler construction.
type LogFormat string

const (
	LogFormatText LogFormat = "text" // tint, colorized, for an interactive terminal
	LogFormatJSON LogFormat = "json" // slog.NewJSONHandler, for a supervised/systemd deployment
)

// Config is the full daemon configuration, loaded from defaults, then
// a YAML file (if present), then environment variables, in that order
// of increasing precedence — the same three-tier overlay the
// teacher's per-network config resolves mainnet/testnet/devnet
// defaults through, applied here to a single deployment rather than a
// named cluster.
type Config struct {
	// IdentityPath is where the local private key, self-signed
	// certificate, and trusted-peer table are persisted.
	IdentityPath string `yaml:"identityPath"`
	// DisplayName is the human-readable name announced to peers.
	DisplayName string `yaml:"displayName"`
	// DeviceType is one of identity.DeviceType's enumerated values.
	DeviceType identity.DeviceType `yaml:"deviceType"`

	// PairingTimeout is loaded and validated but not passed to the
	// core: an outbound pair request reverts to Unpaired after
	// device.PairTimeout (30s) whatever this value is.
	PairingTimeout time.Duration `yaml:"pairingTimeout"`

	// MetricsAddr is the bind address for the Prometheus /metrics
	// endpoint; empty disables it.
	MetricsAddr string `yaml:"metricsAddr"`

	// LogLevel and LogFormat configure the daemon's structured logger.
	LogLevel  LogLevel  `yaml:"logLevel"`
	LogFormat LogFormat `yaml:"logFormat"`

	// DisabledPlugins lists plugin keys that should never be
	// activated for any peer, regardless of per-device settings.
	DisabledPlugins []string `yaml:"disabledPlugins"`
}

// Default returns the built-in baseline every Config starts from
// before the file and environment overlays are applied.
func Default() Config {
	return Config{
		IdentityPath:   defaultIdentityPath(),
		DisplayName:    defaultDisplayName(),
		DeviceType:     identity.DeviceTypeDesktop,
		PairingTimeout: 30 * time.Second,
		MetricsAddr:    "127.0.0.1:9731",
		LogLevel:       LogLevelInfo,
		LogFormat:      LogFormatText,
	}
}

// Load reads path (if it exists — a missing file is not an error, the
// defaults and environment overlay still apply) and layers environment
// variables on top, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env overlay on top of defaults
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverlay(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverlay mutates cfg in place for every recognized
// COSMICCONNECT_* variable that's set, following the teacher's
// env-wins-over-file precedence.
func applyEnvOverlay(cfg *Config) {
	if v, ok := os.LookupEnv("COSMICCONNECT_IDENTITY_PATH"); ok {
		cfg.IdentityPath = v
	}
	if v, ok := os.LookupEnv("COSMICCONNECT_DISPLAY_NAME"); ok {
		cfg.DisplayName = v
	}
	if v, ok := os.LookupEnv("COSMICCONNECT_DEVICE_TYPE"); ok {
		cfg.DeviceType = identity.DeviceType(v)
	}
	if v, ok := os.LookupEnv("COSMICCONNECT_PAIRING_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PairingTimeout = d
		}
	}
	if v, ok := os.LookupEnv("COSMICCONNECT_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := os.LookupEnv("COSMICCONNECT_LOG_LEVEL"); ok {
		cfg.LogLevel = LogLevel(v)
	}
	if v, ok := os.LookupEnv("COSMICCONNECT_LOG_FORMAT"); ok {
		cfg.LogFormat = LogFormat(v)
	}
}

// Validate checks that every field holds a value the daemon can act
// on, returning a wrapped error naming the first offending field.
func (c Config) Validate() error {
	if c.IdentityPath == "" {
		return fmt.Errorf("config: identityPath must not be empty")
	}
	if c.DisplayName == "" {
		return fmt.Errorf("config: displayName must not be empty")
	}
	switch c.DeviceType {
	case identity.DeviceTypePhone, identity.DeviceTypeTablet, identity.DeviceTypeTV,
		identity.DeviceTypeDesktop, identity.DeviceTypeLaptop:
	default:
		return fmt.Errorf("config: unknown deviceType %q", c.DeviceType)
	}
	if c.PairingTimeout <= 0 {
		return fmt.Errorf("config: pairingTimeout must be positive, got %s", c.PairingTimeout)
	}
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("config: unknown logLevel %q", c.LogLevel)
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("config: unknown logFormat %q", c.LogFormat)
	}
	return nil
}

// NewLogger builds the structured logger c describes: tint for an
// interactive terminal, plain JSON for a supervised deployment.
func NewLogger(c Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	level := slogLevel(c.LogLevel)
	if c.LogFormat == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: c.LogLevel == LogLevelDebug,
		}))
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:     level,
		AddSource: c.LogLevel == LogLevelDebug,
	}))
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cosmicconnect-identity.json"
	}
	return home + "/.config/cosmicconnect/identity.json"
}

func defaultDisplayName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "cosmicconnect-device"
	}
	return name
}
