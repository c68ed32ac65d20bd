// Package config loads gattlink settings from an optional HJSON file.
//
// Values start from the struct tag defaults, then the file is applied on top.
// Command-line flags are applied by the caller after Load.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/hjson"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/scanner"
	"github.com/srg/gattlink/internal/session"
)

const configFile = "gattlink.conf"

// Adapter backends selectable with Config.Adapter.
const (
	AdapterGoBLE  = "goble"
	AdapterTinyGo = "tinyble"
)

// Config describes the configuration for the app.
type Config struct {
	// LogLevel is one of debug, info, warn, error or silent.
	LogLevel string `koanf:"log_level" default:"silent"`
	Adapter  string `koanf:"adapter" default:"goble"`

	Session SessionConfig `koanf:"session"`
	Scan    ScanConfig    `koanf:"scan"`
	Bridge  BridgeConfig  `koanf:"bridge"`
}

type SessionConfig struct {
	NotificationBuffer int           `koanf:"notification_buffer" default:"256"`
	FaultHistory       uint32        `koanf:"fault_history" default:"64"`
	ConnectTimeout     time.Duration `koanf:"connect_timeout" default:"30s"`
	AutoDiscover       bool          `koanf:"auto_discover" default:"true"`
}

type ScanConfig struct {
	Duration        time.Duration `koanf:"duration" default:"10s"`
	AllowDuplicates bool          `koanf:"allow_duplicates" default:"true"`
	StartGrace      time.Duration `koanf:"start_grace" default:"200ms"`
	EventBuffer     int           `koanf:"event_buffer" default:"100"`
}

type BridgeConfig struct {
	// Service is the UART-style service; RX is written by the bridge, TX notifies.
	Service    string `koanf:"service" default:"6e400001-b5a3-f393-e0a9-e50e24dcca9e"`
	RX         string `koanf:"rx" default:"6e400002-b5a3-f393-e0a9-e50e24dcca9e"`
	TX         string `koanf:"tx" default:"6e400003-b5a3-f393-e0a9-e50e24dcca9e"`
	BufferSize int    `koanf:"buffer_size" default:"4096"`
}

// Default returns a Config holding only tag defaults.
func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// DefaultPath returns the per-user configuration file location, preferring
// $XDG_CONFIG_HOME over ~/.config.
func DefaultPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "gattlink", configFile), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "gattlink", configFile), nil
}

// Load reads path over the defaults. An empty path loads DefaultPath when
// that file exists and returns the defaults otherwise; an explicit path must exist.
func Load(path string) (*Config, error) {
	c := Default()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return c, nil
		}
		if _, err := os.Stat(p); err != nil {
			return c, nil
		}
		path = p
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), hjson.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", c, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// Validate checks values that cannot be expressed as defaults.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Adapter {
	case AdapterGoBLE, AdapterTinyGo:
	default:
		return fmt.Errorf("unknown adapter %q (must be %s or %s)", c.Adapter, AdapterGoBLE, AdapterTinyGo)
	}
	if c.Session.NotificationBuffer <= 0 {
		return errors.New("session.notification_buffer must be positive")
	}
	if c.Bridge.BufferSize <= 0 {
		return errors.New("bridge.buffer_size must be positive")
	}
	return nil
}

// ParseLevel maps a level name to a logrus level. "silent" and "" map to
// PanicLevel, which keeps normal operation quiet.
func ParseLevel(s string) (logrus.Level, error) {
	switch s {
	case "", "silent":
		return logrus.PanicLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.PanicLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}

// NewLogger creates a logger at LogLevel.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}

// SessionOptions converts the session section.
func (c *Config) SessionOptions() session.Options {
	o := session.NewOptions(
		session.WithNotificationBuffer(c.Session.NotificationBuffer),
		session.WithFaultHistory(c.Session.FaultHistory),
		session.WithConnectTimeout(c.Session.ConnectTimeout),
	)
	if !c.Session.AutoDiscover {
		session.WithoutDiscovery()(&o)
	}
	return o
}

// ScanOptions converts the scan section.
func (c *Config) ScanOptions() *scanner.Options {
	o := scanner.DefaultOptions()
	o.Duration = c.Scan.Duration
	o.AllowDuplicates = c.Scan.AllowDuplicates
	o.StartGrace = c.Scan.StartGrace
	o.EventBuffer = c.Scan.EventBuffer
	return o
}
