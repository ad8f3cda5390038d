// Package config loads node configuration from TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	kagu "github.com/bblsh/kagu-sub000"
	"github.com/bblsh/kagu-sub000/crypto"
	"github.com/bblsh/kagu-sub000/limits"
	"github.com/bblsh/kagu-sub000/session"
)

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// TransportConfig holds per-connection transport parameters.
type TransportConfig struct {
	MaxDatagramSize   int      `toml:"max_datagram_size"`
	IdleTimeout       Duration `toml:"idle_timeout"`
	KeepAliveInterval Duration `toml:"keep_alive_interval"`
	TickInterval      Duration `toml:"tick_interval"`
	PacingRate        int      `toml:"pacing_rate"`
	MaxPTOCount       int      `toml:"max_pto_count"`
}

// AudioConfig holds the voice pipeline parameters.
type AudioConfig struct {
	Enabled      bool   `toml:"enabled"`
	FrameSamples int    `toml:"frame_samples"`
	SampleRate   uint32 `toml:"sample_rate"`
	QueueSize    int    `toml:"queue_size"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// Config is the structure of a node's TOML file.
type Config struct {
	ListenAddr      string `toml:"listen_addr"`
	AcceptInbound   bool   `toml:"accept_inbound"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	SecretKey       string `toml:"secret_key"`
	ServerPublicKey string `toml:"server_public_key"`
	UserID          uint32 `toml:"user_id"`

	Transport TransportConfig `toml:"transport"`
	Audio     AudioConfig     `toml:"audio"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	return &Config{
		ListenAddr: "0.0.0.0:5150",
		LogLevel:   "info",
		LogFormat:  "text",
		Transport: TransportConfig{
			MaxDatagramSize:   limits.MaxDatagramSize,
			IdleTimeout:       Duration{limits.DefaultIdleTimeout},
			KeepAliveInterval: Duration{limits.DefaultKeepAliveInterval},
			TickInterval:      Duration{limits.DefaultTickInterval},
			MaxPTOCount:       6,
		},
		Audio: AudioConfig{
			Enabled:      true,
			FrameSamples: limits.AudioFrameSamples,
			SampleRate:   limits.AudioSampleRate,
			QueueSize:    64,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9150",
		},
	}
}

// Load reads and validates the file at path. An empty path yields Default.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse decodes and validates a TOML document over the defaults.
func Parse(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		logrus.WithFields(logrus.Fields{
			"function": "config.Parse",
			"keys":     strings.Join(keys, ","),
		}).Warn("Ignoring unknown configuration keys")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the node cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.SecretKey != "" {
		if _, err := crypto.ParseKeyHex(c.SecretKey); err != nil {
			errs = append(errs, fmt.Errorf("secret_key: %w", err))
		}
	}
	if c.ServerPublicKey != "" {
		if _, err := crypto.ParseKeyHex(c.ServerPublicKey); err != nil {
			errs = append(errs, fmt.Errorf("server_public_key: %w", err))
		}
	}

	t := c.Transport
	if err := limits.ValidateDatagramSize(t.MaxDatagramSize); err != nil {
		errs = append(errs, fmt.Errorf("transport.max_datagram_size: %w", err))
	}
	if t.IdleTimeout.Duration < 0 || t.KeepAliveInterval.Duration < 0 {
		errs = append(errs, errors.New("transport timeouts must not be negative"))
	}
	if t.TickInterval.Duration <= 0 {
		errs = append(errs, errors.New("transport.tick_interval must be positive"))
	}
	if t.PacingRate < 0 {
		errs = append(errs, errors.New("transport.pacing_rate must not be negative"))
	}
	if t.MaxPTOCount < 1 || t.MaxPTOCount > session.MaxPTOCountLimit {
		errs = append(errs, fmt.Errorf("transport.max_pto_count must be between 1 and %d", session.MaxPTOCountLimit))
	}

	if c.Audio.Enabled {
		if c.Audio.FrameSamples <= 0 || c.Audio.SampleRate == 0 || c.Audio.QueueSize <= 0 {
			errs = append(errs, errors.New("audio frame_samples, sample_rate and queue_size must be positive"))
		}
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		errs = append(errs, errors.New("metrics.listen_addr is required when metrics are enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Options converts the file configuration into node options.
func (c *Config) Options() (*kagu.Options, error) {
	options := kagu.NewOptions()
	options.ListenAddr = c.ListenAddr
	options.AcceptInbound = c.AcceptInbound
	options.UserID = c.UserID

	if c.SecretKey != "" {
		key, err := crypto.ParseKeyHex(c.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("secret_key: %w", err)
		}
		options.SecretKey = key[:]
	}
	if c.ServerPublicKey != "" {
		key, err := crypto.ParseKeyHex(c.ServerPublicKey)
		if err != nil {
			return nil, fmt.Errorf("server_public_key: %w", err)
		}
		options.ServerPublicKey = key[:]
	}

	options.MaxDatagramSize = c.Transport.MaxDatagramSize
	options.IdleTimeout = c.Transport.IdleTimeout.Duration
	options.KeepAliveInterval = c.Transport.KeepAliveInterval.Duration
	options.TickInterval = c.Transport.TickInterval.Duration
	options.PacingRate = c.Transport.PacingRate
	options.MaxPTOCount = c.Transport.MaxPTOCount

	options.AudioEnabled = c.Audio.Enabled
	options.AudioFrameSamples = c.Audio.FrameSamples
	options.AudioSampleRate = c.Audio.SampleRate
	options.AudioQueueSize = c.Audio.QueueSize
	return options, nil
}

// ConfigureLogging applies log_level and log_format to the standard logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
