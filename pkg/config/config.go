package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/craft-proxy/pkg/routing"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Routes  []routing.Route `yaml:"routes"`
	Proxy   ProxyConfig     `yaml:"proxy"`
	Metrics MetricsConfig   `yaml:"metrics"`
	Log     LogConfig       `yaml:"log"`
}

// ProxyConfig per-connection timing and buffering knobs
type ProxyConfig struct {
	HandshakeTimeout int `yaml:"handshake_timeout"` // Seconds a client gets to complete its handshake
	DialTimeout      int `yaml:"dial_timeout"`      // Seconds to wait for a backend connect
	CloseGrace       int `yaml:"close_grace"`       // Seconds the second relay direction gets to drain after the first ends
	BufferSize       int `yaml:"buffer_size"`       // Relay copy buffer size in bytes (per direction)
}

// MetricsConfig telemetry endpoint configuration
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"` // Metrics listener address
	TelemetryPath string `yaml:"telemetry_path"` // Metrics path
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from file. A missing file is an error: a
// proxy without routes has nothing to serve.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Proxy.HandshakeTimeout == 0 {
		c.Proxy.HandshakeTimeout = 10
	}
	if c.Proxy.DialTimeout == 0 {
		c.Proxy.DialTimeout = 10
	}
	if c.Proxy.CloseGrace == 0 {
		c.Proxy.CloseGrace = 5
	}
	if c.Proxy.BufferSize == 0 {
		c.Proxy.BufferSize = 8192
	}

	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9090"
	}
	if c.Metrics.TelemetryPath == "" {
		c.Metrics.TelemetryPath = "/metrics"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("PROXY_HANDSHAKE_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Proxy.HandshakeTimeout = i
		}
	}
	if val := os.Getenv("PROXY_DIAL_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Proxy.DialTimeout = i
		}
	}
	if val := os.Getenv("PROXY_CLOSE_GRACE_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Proxy.CloseGrace = i
		}
	}
	if val := os.Getenv("PROXY_BUFFER_SIZE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Proxy.BufferSize = i
		}
	}

	if val := os.Getenv("METRICS_LISTEN_ADDRESS"); val != "" {
		c.Metrics.ListenAddress = val
	}
	if val := os.Getenv("METRICS_TELEMETRY_PATH"); val != "" {
		c.Metrics.TelemetryPath = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
}

// GetHandshakeTimeout gets the handshake idle timeout
func (c *Config) GetHandshakeTimeout() time.Duration {
	return time.Duration(c.Proxy.HandshakeTimeout) * time.Second
}

// GetDialTimeout gets the backend dial timeout
func (c *Config) GetDialTimeout() time.Duration {
	return time.Duration(c.Proxy.DialTimeout) * time.Second
}

// GetCloseGrace gets the relay close grace period
func (c *Config) GetCloseGrace() time.Duration {
	return time.Duration(c.Proxy.CloseGrace) * time.Second
}
