// Package config provides configuration for the upcache server and client.
//
// Configuration sources, in order of precedence:
//  1. Command-line flags (highest priority)
//  2. UPCACHE_* environment variables
//  3. A YAML configuration file
//  4. Default values (lowest priority)
//
// This package owns the structs, defaults, YAML loading and validation. The
// executables under cmd/ overlay flags and environment variables on top.
//
// Example server usage:
//
//	cfg, err := config.LoadServerFile("/etc/upcache.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	cfg.AutoKill = true
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//	srv := server.New(cfg)
//
// Example file:
//
//	host: 127.0.0.1
//	port: 0
//	auto_kill: true
//	poll_interval: 250ms
//	port_file: /run/user/1000/upcache.json
//	log_level: debug
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration constants
const (
	DefaultHost         = "127.0.0.1"
	DefaultPollInterval = 100 * time.Millisecond
	DefaultDialTimeout  = 5 * time.Second
	DefaultMaxValueSize = 64 << 20
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	DefaultMetrics      = "none"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"json":    true,
	"console": true,
	"logrus":  true,
}

var validMetricsExporters = map[string]bool{
	"none":       true,
	"stdout":     true,
	"prometheus": true,
	"otlp":       true,
}

// ServerConfig holds all configuration options for an upcache server process.
//
// Example:
//
//	cfg := config.DefaultServerConfig()
//	cfg.AutoKill = true
//	cfg.PortFile = "/tmp/upcache.json"
type ServerConfig struct {
	Host           string        `yaml:"host"`             // Address to bind (default: 127.0.0.1)
	Port           int           `yaml:"port"`             // TCP port, 0 for OS-assigned (default: 0)
	AutoKill       bool          `yaml:"auto_kill"`        // Exit once the last client disconnects
	PollInterval   time.Duration `yaml:"poll_interval"`    // Auto-kill polling period (default: 100ms)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // Max wait for the next request, 0 disables
	PortFile       string        `yaml:"port_file"`        // Discovery file path, empty disables
	RemovePortFile bool          `yaml:"remove_port_file"` // Delete the discovery file on exit (default: true)
	MaxValueSize   int           `yaml:"max_value_size"`   // Largest accepted key or value in bytes, 0 unlimited
	LogLevel       string        `yaml:"log_level"`        // debug, info, warn, error (default: info)
	LogFormat      string        `yaml:"log_format"`       // json, console or logrus (default: json)
	Metrics        string        `yaml:"metrics"`          // none, stdout, prometheus, otlp (default: none)
	MetricsAddr    string        `yaml:"metrics_addr"`     // Prometheus scrape address, e.g. 127.0.0.1:9464
}

// ClientConfig holds the options of the command-line client.
type ClientConfig struct {
	Addr         string        `yaml:"addr"`      // host:port of the server
	PortFile     string        `yaml:"port_file"` // Discovery file, used when Addr is empty
	Host         string        `yaml:"host"`      // Host paired with the discovered port (default: 127.0.0.1)
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	MaxValueSize int           `yaml:"max_value_size"`
}

// DefaultServerConfig returns a ServerConfig populated with default values.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           DefaultHost,
		PollInterval:   DefaultPollInterval,
		RemovePortFile: true,
		MaxValueSize:   DefaultMaxValueSize,
		LogLevel:       DefaultLogLevel,
		LogFormat:      DefaultLogFormat,
		Metrics:        DefaultMetrics,
	}
}

// DefaultClientConfig returns a ClientConfig populated with default values.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:         DefaultHost,
		DialTimeout:  DefaultDialTimeout,
		MaxValueSize: DefaultMaxValueSize,
	}
}

// LoadServerFile reads a YAML file over the defaults. Unknown keys are an
// error so that typos do not silently fall back to defaults.
//
// Parameters:
//   - path: Path of the YAML file
//
// Returns:
//   - ServerConfig with file values applied over defaults
//   - Error if the file cannot be read or parsed
func LoadServerFile(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := decodeFile(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadClientFile reads a YAML file over the client defaults.
func LoadClientFile(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := decodeFile(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Address returns the host:port string to bind to.
//
// Example:
//
//	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0}
//	addr := cfg.Address() // "127.0.0.1:0"
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks if the ServerConfig contains valid values.
//
// Validation rules:
//   - Port must be between 0 and 65535
//   - PollInterval must be positive when AutoKill is set
//   - IdleTimeout and MaxValueSize must not be negative
//   - LogLevel, LogFormat and Metrics must be known names
//   - MetricsAddr requires the prometheus exporter, and prometheus requires
//     a MetricsAddr to be scraped on
//
// Returns:
//   - nil if configuration is valid
//   - Error describing the first validation failure found
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.AutoKill && c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive with auto-kill: %v", c.PollInterval)
	}

	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative: %v", c.IdleTimeout)
	}

	if c.MaxValueSize < 0 {
		return fmt.Errorf("max value size must not be negative: %d", c.MaxValueSize)
	}

	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}

	if !validMetricsExporters[c.Metrics] {
		return fmt.Errorf("invalid metrics exporter: %s", c.Metrics)
	}

	if c.MetricsAddr != "" && c.Metrics != "prometheus" {
		return fmt.Errorf("metrics address requires the prometheus exporter, got %q", c.Metrics)
	}

	if c.Metrics == "prometheus" && c.MetricsAddr == "" {
		return fmt.Errorf("prometheus exporter requires a metrics address")
	}

	return nil
}

// Validate checks if the ClientConfig contains valid values.
//
// Validation rules:
//   - Either Addr or PortFile must be set
//   - Addr, when set, must be in host:port form
//   - DialTimeout must be positive
//   - MaxValueSize must not be negative
func (c *ClientConfig) Validate() error {
	if c.Addr == "" && c.PortFile == "" {
		return fmt.Errorf("either an address or a port file must be specified")
	}

	if c.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Addr); err != nil {
			return fmt.Errorf("invalid address %q: %w", c.Addr, err)
		}
	}

	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive: %v", c.DialTimeout)
	}

	if c.MaxValueSize < 0 {
		return fmt.Errorf("max value size must not be negative: %d", c.MaxValueSize)
	}

	return nil
}
