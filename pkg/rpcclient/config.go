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

package rpcclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-keychain-csp/pkg/breaker"
	"github.com/jeremyhahn/go-keychain-csp/pkg/pool"
)

var ErrInvalidConfig = errors.New("rpcclient: invalid configuration")

// RateLimitConfig is an optional client side throttle applied before
// breaker admission.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst" mapstructure:"burst"`
}

// Config is the full client configuration.
type Config struct {
	Pool           pool.Config     `yaml:"pool" json:"pool" mapstructure:"pool"`
	Breaker        breaker.Config  `yaml:"circuit_breaker" json:"circuit_breaker" mapstructure:"circuit_breaker"`
	RequestTimeout time.Duration   `yaml:"request_timeout" json:"request_timeout" mapstructure:"request_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" json:"rate_limit" mapstructure:"rate_limit"`
}

// DefaultConfig returns the stock client settings: ten fail-fast
// connections to localhost:50051 over TLS, a 10s request timeout and the
// default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		Pool:           pool.DefaultConfig(),
		Breaker:        breaker.DefaultConfig(),
		RequestTimeout: 10 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
			return fmt.Errorf("%w: rate limit needs positive requests_per_second and burst", ErrInvalidConfig)
		}
	}
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	return c.Breaker.Validate()
}
