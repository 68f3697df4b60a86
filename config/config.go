package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/openjudge/judgegw/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// BackendConfig holds the connection settings for the judging server.
type BackendConfig struct {
	Host           string `toml:"host"`            // Judging server hostname (default: "localhost")
	Port           int    `toml:"port"`            // Judging server port (default: 7368)
	TLSVerify      *bool  `toml:"tls_verify"`      // Verify the backend certificate (default: true)
	ConnectTimeout string `toml:"connect_timeout"` // Timeout for the TCP connect + TLS handshake (default: "30s")
}

// Addr returns the backend address in host:port form.
func (b *BackendConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// GetTLSVerify returns whether backend certificates are verified.
func (b *BackendConfig) GetTLSVerify() bool {
	if b.TLSVerify == nil {
		return true
	}
	return *b.TLSVerify
}

// GetConnectTimeout parses the connect timeout duration.
func (b *BackendConfig) GetConnectTimeout() (time.Duration, error) {
	if b.ConnectTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(b.ConnectTimeout)
}

// UploadsConfig holds configuration for the upload staging store and its
// HTTP side-channel.
type UploadsConfig struct {
	Addr          string `toml:"addr"`           // Listen address for the upload HTTP server (default: ":8081")
	Retention     string `toml:"retention"`      // How long a staged upload is kept (default: "10m")
	SweepInterval string `toml:"sweep_interval"` // How often expired uploads are swept (default: "1m")
	MaxSize       int64  `toml:"max_size"`       // Maximum upload size in bytes (default: 2 MiB)
}

// GetRetention parses the upload retention duration.
func (u *UploadsConfig) GetRetention() (time.Duration, error) {
	if u.Retention == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(u.Retention)
}

// GetSweepInterval parses the sweep interval duration.
func (u *UploadsConfig) GetSweepInterval() (time.Duration, error) {
	if u.SweepInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(u.SweepInterval)
}

// GetMaxSize returns the maximum accepted upload size in bytes.
func (u *UploadsConfig) GetMaxSize() int64 {
	if u.MaxSize <= 0 {
		return 2 * 1024 * 1024
	}
	return u.MaxSize
}

// Config holds all configuration for the gateway.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Backend BackendConfig `toml:"backend"`
	Uploads UploadsConfig `toml:"uploads"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Backend: BackendConfig{
			Host:           "localhost",
			Port:           7368,
			ConnectTimeout: "30s",
		},
		Uploads: UploadsConfig{
			Addr:          ":8081",
			Retention:     "10m",
			SweepInterval: "1m",
		},
	}
}

// Load reads a TOML configuration file over the defaults. A missing file
// is not an error; the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Backend.Host == "" {
		return fmt.Errorf("backend.host must not be empty")
	}
	if c.Backend.Port <= 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port %d out of range", c.Backend.Port)
	}
	if _, err := c.Backend.GetConnectTimeout(); err != nil {
		return fmt.Errorf("backend.connect_timeout: %w", err)
	}
	if _, err := c.Uploads.GetRetention(); err != nil {
		return fmt.Errorf("uploads.retention: %w", err)
	}
	if _, err := c.Uploads.GetSweepInterval(); err != nil {
		return fmt.Errorf("uploads.sweep_interval: %w", err)
	}
	return nil
}
