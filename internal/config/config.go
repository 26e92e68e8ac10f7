// Package config provides configuration management using Viper.
// It loads configuration from environment variables, .env files, and
// optional config files, with defaults matching the stock deployment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultRetryInterval = 2500 * time.Millisecond
	defaultMaxRetries    = 0 // unlimited
	defaultStaleTimeout  = 8 * time.Second
	defaultPollInterval  = 1500 * time.Millisecond
	defaultStunServer    = "stun:stun.l.google.com:19302"
	defaultLogLevel      = "info"
	envPrefix            = "PIXELVIEW"
)

// Config holds all viewer configuration
type Config struct {
	Streaming StreamingConfig
	Logging   LoggingConfig
}

// StreamingConfig holds the remote-rendering session tunables
type StreamingConfig struct {
	// SignallingURL is the pixel-streaming signalling server address.
	// When empty the whole streaming subsystem is disabled.
	SignallingURL string

	RetryInterval time.Duration
	MaxRetries    int
	StaleTimeout  time.Duration
	PollInterval  time.Duration

	// StunServer is used when the signalling server supplies no peer
	// connection options.
	StunServer string

	// RecordPath, when set, saves the received video stream as IVF.
	RecordPath string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Pretty bool
}

// Configured reports whether the streaming subsystem is enabled.
func (c *Config) Configured() bool {
	return c.Streaming.SignallingURL != ""
}

// Load reads configuration from .env file, config files, environment
// variables, and defaults
func Load() (*Config, error) {
	// .env files are optional in production and CI where env vars are set directly
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("pixelview")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pixelview")

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("streaming.signallingurl", "")
	v.SetDefault("streaming.retryinterval", defaultRetryInterval)
	v.SetDefault("streaming.maxretries", defaultMaxRetries)
	v.SetDefault("streaming.staletimeout", defaultStaleTimeout)
	v.SetDefault("streaming.pollinterval", defaultPollInterval)
	v.SetDefault("streaming.stunserver", defaultStunServer)
	v.SetDefault("streaming.recordpath", "")

	v.SetDefault("logging.level", defaultLogLevel)
	v.SetDefault("logging.pretty", false)
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Streaming.RetryInterval <= 0 {
		return errors.New("streaming.retryinterval must be positive")
	}
	if c.Streaming.MaxRetries < 0 {
		return errors.New("streaming.maxretries must not be negative")
	}
	if c.Streaming.StaleTimeout <= 0 {
		return errors.New("streaming.staletimeout must be positive")
	}
	if c.Streaming.PollInterval <= 0 {
		return errors.New("streaming.pollinterval must be positive")
	}
	if c.Streaming.PollInterval >= c.Streaming.StaleTimeout {
		return errors.New("streaming.pollinterval must be shorter than streaming.staletimeout")
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}
