// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads kiln settings from kiln.yaml, KILN_* environment
// variables and bound command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Thermoquad/kiln/pkg/logger"
)

// EnvPrefix prefixes environment overrides: KILN_SESSION_QUEUE_DEPTH
const EnvPrefix = "KILN"

// Config is the full kiln configuration
type Config struct {
	// Device is the opaque paired-device token, e.g. ble://AA:BB:CC:DD:EE:FF
	Device string `mapstructure:"device"`

	Log       LogConfig       `mapstructure:"log"`
	Transport TransportConfig `mapstructure:"transport"`
	Session   SessionConfig   `mapstructure:"session"`
	Codec     CodecConfig     `mapstructure:"codec"`
	Reflow    ReflowConfig    `mapstructure:"reflow"`
	Profiles  ProfilesConfig  `mapstructure:"profiles"`
	History   HistoryConfig   `mapstructure:"history"`
	Serve     ServeConfig     `mapstructure:"serve"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type TransportConfig struct {
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Baud           int           `mapstructure:"baud"`

	// Username enables Basic auth on WebSocket bridges; the password comes
	// from KILN_PASSWORD or a prompt.
	Username      string `mapstructure:"username"`
	SkipTLSVerify bool   `mapstructure:"skip_tls_verify"`
}

type SessionConfig struct {
	QueueDepth             int           `mapstructure:"queue_depth"`
	CommandTimeout         time.Duration `mapstructure:"command_timeout"`
	MaxConsecutiveTimeouts int           `mapstructure:"max_consecutive_timeouts"`
	SubscriberBuffer       int           `mapstructure:"subscriber_buffer"`
}

type CodecConfig struct {
	MaxUnsyncedBytes int `mapstructure:"max_unsynced_bytes"`
}

type ReflowConfig struct {
	Tolerance       float64       `mapstructure:"tolerance"`
	Debounce        time.Duration `mapstructure:"debounce"`
	SafeTemperature float64       `mapstructure:"safe_temperature"`
	Hysteresis      float64       `mapstructure:"hysteresis"`
}

type ProfilesConfig struct {
	Paths []string `mapstructure:"paths"`
}

type HistoryConfig struct {
	// Path is the SQLite file; empty disables run history
	Path string `mapstructure:"path"`
}

type ServeConfig struct {
	Listen string `mapstructure:"listen"`

	// Control lets feed clients start runs
	Control        bool     `mapstructure:"control"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SetDefaults registers every key with its default so environment
// overrides apply to all of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("device", "")
	v.SetDefault("log.level", logger.InfoLevel)

	v.SetDefault("transport.idle_timeout", "5s")
	v.SetDefault("transport.connect_timeout", "10s")
	v.SetDefault("transport.baud", 115200)
	v.SetDefault("transport.username", "")
	v.SetDefault("transport.skip_tls_verify", false)

	v.SetDefault("session.queue_depth", 8)
	v.SetDefault("session.command_timeout", "2s")
	v.SetDefault("session.max_consecutive_timeouts", 3)
	v.SetDefault("session.subscriber_buffer", 64)

	v.SetDefault("codec.max_unsynced_bytes", 512)

	v.SetDefault("reflow.tolerance", 3.0)
	v.SetDefault("reflow.debounce", "3s")
	v.SetDefault("reflow.safe_temperature", 50.0)
	v.SetDefault("reflow.hysteresis", 1.0)

	v.SetDefault("profiles.paths", []string{})
	v.SetDefault("history.path", "kiln.db")
	v.SetDefault("serve.listen", "127.0.0.1:8080")
	v.SetDefault("serve.control", false)
	v.SetDefault("serve.allowed_origins", []string{})
}

// Load reads configuration into v and returns it. With an empty file the
// search path is ., then $HOME/.config/kiln, and a missing kiln.yaml is
// not an error; an explicit file must exist.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("kiln")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "kiln"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the session cannot run with
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	positive("transport.connect_timeout", c.Transport.ConnectTimeout > 0)
	positive("transport.baud", c.Transport.Baud > 0)
	if c.Transport.IdleTimeout < 0 {
		errs = append(errs, errors.New("transport.idle_timeout must not be negative"))
	}

	positive("session.queue_depth", c.Session.QueueDepth > 0)
	positive("session.command_timeout", c.Session.CommandTimeout > 0)
	positive("session.max_consecutive_timeouts", c.Session.MaxConsecutiveTimeouts > 0)
	positive("session.subscriber_buffer", c.Session.SubscriberBuffer > 0)
	positive("codec.max_unsynced_bytes", c.Codec.MaxUnsyncedBytes > 0)

	positive("reflow.tolerance", c.Reflow.Tolerance > 0)
	positive("reflow.debounce", c.Reflow.Debounce > 0)
	positive("reflow.safe_temperature", c.Reflow.SafeTemperature > 0)
	if c.Reflow.Hysteresis < 0 {
		errs = append(errs, errors.New("reflow.hysteresis must not be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
