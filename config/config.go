// Package config loads the daemon configuration from YAML with
// environment overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals from YAML strings like "15s" or "100ms" as well as
// integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the application configuration.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Upload    UploadConfig    `yaml:"upload"`
	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`
}

// APIConfig configures the HTTP/WebSocket surface.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BluetoothConfig configures discovery and session behavior.
type BluetoothConfig struct {
	Adapter           string   `yaml:"adapter"`
	DeviceName        string   `yaml:"device_name"`
	ConnectTimeout    Duration `yaml:"connect_timeout"`
	ConnectRetries    int      `yaml:"connect_retries"`
	RetryDelay        Duration `yaml:"retry_delay"`
	ScanTimeout       Duration `yaml:"scan_timeout"`
	KeepaliveInterval Duration `yaml:"keepalive_interval"`
}

// UploadConfig configures DLC transfer pacing.
type UploadConfig struct {
	ChunkDelay    Duration `yaml:"chunk_delay"`
	OverloadDelay Duration `yaml:"overload_delay"`
	AckWindow     Duration `yaml:"ack_window"`
	WithAcks      *bool    `yaml:"with_acks"`
}

// CacheConfig configures the known-device store.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AcksEnabled resolves the with_acks tri-state; unset means enabled.
func (u UploadConfig) AcksEnabled() bool {
	return u.WithAcks == nil || *u.WithAcks
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file, then applies environment
// overrides and defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("FLUFFD_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("FLUFFD_API_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.API.Port = n
		}
	}
	if adapter := os.Getenv("FLUFFD_ADAPTER"); adapter != "" {
		c.Bluetooth.Adapter = adapter
	}
	if path := os.Getenv("FLUFFD_CACHE_PATH"); path != "" {
		c.Cache.Path = path
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

func (c *Config) applyDefaults() {
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 9080
	}
	if c.Bluetooth.Adapter == "" {
		c.Bluetooth.Adapter = "hci0"
	}
	if c.Bluetooth.DeviceName == "" {
		c.Bluetooth.DeviceName = "Furby"
	}
	if c.Bluetooth.ConnectTimeout == 0 {
		c.Bluetooth.ConnectTimeout = Duration(15 * time.Second)
	}
	if c.Bluetooth.ConnectRetries == 0 {
		c.Bluetooth.ConnectRetries = 3
	}
	if c.Bluetooth.ScanTimeout == 0 {
		c.Bluetooth.ScanTimeout = Duration(10 * time.Second)
	}
	if c.Bluetooth.KeepaliveInterval == 0 {
		c.Bluetooth.KeepaliveInterval = Duration(3 * time.Second)
	}
	if c.Upload.ChunkDelay == 0 {
		c.Upload.ChunkDelay = Duration(5 * time.Millisecond)
	}
	if c.Upload.OverloadDelay == 0 {
		c.Upload.OverloadDelay = Duration(100 * time.Millisecond)
	}
	if c.Upload.AckWindow == 0 {
		c.Upload.AckWindow = Duration(10 * time.Second)
	}
	if c.Cache.Path == "" {
		c.Cache.Path = defaultCachePath()
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

func (c *Config) validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	if c.Bluetooth.ConnectRetries < 1 {
		return fmt.Errorf("connect_retries must be at least 1, got %d", c.Bluetooth.ConnectRetries)
	}
	return nil
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fluffd-devices.json"
	}
	return home + "/.fluffd/devices.json"
}
