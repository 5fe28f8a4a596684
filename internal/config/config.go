package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Level slog.Level

func (l Level) String() string {
	return slog.Level(l).String()
}

func (l *Level) Set(v string) error {
	level := slog.Level(*l)
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return err
	}

	*l = Level(level)
	return nil
}

const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultShutdownGrace   = 5 * time.Second
	DefaultMaxFrameBytes   = 4 << 20
	DefaultMaxIdleTimeout  = 90 * time.Second
	DefaultKeepAlivePeriod = 20 * time.Second
)

// Config is the configuration file format for the tetherd edge server.
// The addresses are fixed for the lifetime of the process; the timeouts
// and the frame limit are tunable and may be hot-reloaded (see Watch).
type Config struct {
	HTTPAddress       string `json:"http_address,omitempty" yaml:"http_address,omitempty"`
	ManagementAddress string `json:"management_address,omitempty" yaml:"management_address,omitempty"`

	// RequestTimeout bounds each tunneled request from creation until its
	// response stream closes.
	RequestTimeout time.Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	// ShutdownGrace bounds draining of outstanding requests on shutdown.
	ShutdownGrace time.Duration `json:"shutdown_grace,omitempty" yaml:"shutdown_grace,omitempty"`
	// MaxFrameBytes caps the size of a single control channel message.
	MaxFrameBytes int64 `json:"max_frame_bytes,omitempty" yaml:"max_frame_bytes,omitempty"`

	MaxIdleTimeout  time.Duration `json:"max_idle_timeout,omitempty" yaml:"max_idle_timeout,omitempty"`
	KeepAlivePeriod time.Duration `json:"keep_alive_period,omitempty" yaml:"keep_alive_period,omitempty"`
}

func (c *Config) SetDefaults() {
	if c.HTTPAddress == "" {
		c.HTTPAddress = "0.0.0.0:3001"
	}

	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}

	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}

	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}

	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = DefaultMaxIdleTimeout
	}

	if c.KeepAlivePeriod <= 0 {
		c.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
}

func (c *Config) Validate() error {
	if c.HTTPAddress == "" {
		return errors.New("http_address must be non-empty string")
	}

	if c.KeepAlivePeriod >= c.MaxIdleTimeout {
		return errors.New("keep_alive_period must be shorter than max_idle_timeout")
	}

	return nil
}

func buildConfigAtPath(path string) (*Config, error) {
	fi, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	defer fi.Close()

	var conf Config
	if err := yaml.NewDecoder(fi).Decode(&conf); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	conf.SetDefaults()

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &conf, nil
}
