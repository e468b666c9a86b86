// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keychain-csp.
//
// go-keychain-csp is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-keychain-csp/pkg/logging"
	"github.com/jeremyhahn/go-keychain-csp/pkg/ratelimit"
	"github.com/jeremyhahn/go-keychain-csp/pkg/rpcclient"
)

// Config is the provider and backend configuration file.
type Config struct {
	Client   rpcclient.Config `yaml:"client"`
	Provider ProviderConfig   `yaml:"provider"`
	Server   ServerConfig     `yaml:"server"`
	Logging  LoggingConfig    `yaml:"logging"`
	Metrics  MetricsConfig    `yaml:"metrics"`
}

// ProviderConfig names the provider and its default container.
type ProviderConfig struct {
	Name             string `yaml:"name"`
	DefaultContainer string `yaml:"default_container"`
}

// ServerConfig configures the reference backend.
type ServerConfig struct {
	Address        string    `yaml:"address"`
	HTTPAddress    string    `yaml:"http_address"`
	EnableLogging  bool      `yaml:"enable_logging"`
	EnableRecovery bool      `yaml:"enable_recovery"`
	TLS            TLSConfig `yaml:"tls"`

	// RateLimit throttles each client host separately.
	RateLimit ratelimit.Config `yaml:"rate_limit"`

	// MaxConcurrentRequests caps in-flight calls across all clients. Zero
	// means no cap. Callers over the cap wait up to QueueTimeout.
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	QueueTimeout          time.Duration `yaml:"queue_timeout"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus collectors and the /metrics route.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when a file leaves a field out.
func Default() *Config {
	return &Config{
		Client: rpcclient.DefaultConfig(),
		Provider: ProviderConfig{
			Name:             "go-keychain-csp",
			DefaultContainer: "default",
		},
		Server: ServerConfig{
			Address:        ":50051",
			HTTPAddress:    ":8080",
			EnableLogging:  true,
			EnableRecovery: true,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads configuration from a YAML file on top of Default and applies
// environment variable overrides
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for configuration already in memory.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies CSP_* environment variables. Malformed values
// are logged and ignored.
func applyEnvOverrides(cfg *Config) {
	pool := &cfg.Client.Pool
	if v := os.Getenv("CSP_ADDRESS"); v != "" {
		pool.Address = v
	}
	envInt("CSP_MAX_CONNECTIONS", &pool.MaxConnections)
	envDuration("CSP_CONNECT_TIMEOUT", &pool.ConnectTimeout)
	envDuration("CSP_IDLE_TIMEOUT", &pool.IdleTimeout)
	envDuration("CSP_REQUEST_TIMEOUT", &cfg.Client.RequestTimeout)
	envBool("CSP_TLS_ENABLED", &pool.TLS.Enabled)
	envString("CSP_TLS_CERT_FILE", &pool.TLS.CertFile)
	envString("CSP_TLS_KEY_FILE", &pool.TLS.KeyFile)
	envString("CSP_TLS_CA_FILE", &pool.TLS.CAFile)
	envString("CSP_TLS_SERVER_NAME", &pool.TLS.ServerName)

	envInt("CSP_BREAKER_FAILURE_THRESHOLD", &cfg.Client.Breaker.FailureThreshold)
	envDuration("CSP_BREAKER_OPEN_DURATION", &cfg.Client.Breaker.OpenDuration)

	envString("CSP_SERVER_ADDRESS", &cfg.Server.Address)
	envString("CSP_HTTP_ADDRESS", &cfg.Server.HTTPAddress)
	envBool("CSP_SERVER_RATE_LIMIT_ENABLED", &cfg.Server.RateLimit.Enabled)
	envInt("CSP_SERVER_MAX_CONCURRENT_REQUESTS", &cfg.Server.MaxConcurrentRequests)

	envString("CSP_LOG_LEVEL", &cfg.Logging.Level)
	envString("CSP_LOG_FORMAT", &cfg.Logging.Format)
	envBool("CSP_METRICS_ENABLED", &cfg.Metrics.Enabled)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: invalid %s value %q, using %d: %v", name, v, *dst, err)
		return
	}
	*dst = n
}

func envDuration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Warning: invalid %s value %q, using %s: %v", name, v, *dst, err)
		return
	}
	*dst = d
}

func envBool(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("Warning: invalid %s value %q, using %t: %v", name, v, *dst, err)
		return
	}
	*dst = b
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return err
	}
	if c.Provider.Name == "" {
		return fmt.Errorf("provider name must be specified")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn or error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Server.Address == "" {
		return fmt.Errorf("server address must be specified")
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key_file is required when TLS is enabled")
		}
	}
	if rl := c.Server.RateLimit; rl.Enabled && rl.RequestsPerSecond <= 0 {
		return fmt.Errorf("server rate_limit.requests_per_second must be positive when enabled")
	}
	if c.Server.MaxConcurrentRequests < 0 {
		return fmt.Errorf("server max_concurrent_requests cannot be negative")
	}
	if c.Server.QueueTimeout < 0 {
		return fmt.Errorf("server queue_timeout cannot be negative")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /: %q", c.Metrics.Path)
	}
	return nil
}

// Logger builds the logger described by the logging section.
func (c *Config) Logger(out io.Writer) (logging.Logger, error) {
	return logging.New(c.Logging.Level, c.Logging.Format, out)
}
