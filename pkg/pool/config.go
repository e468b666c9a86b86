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

package pool

import (
	"errors"
	"fmt"
	"time"
)

// Policy decides what Acquire does when every connection is in use.
type Policy string

const (
	// PolicyFailFast returns ErrExhausted immediately.
	PolicyFailFast Policy = "fail_fast"
	// PolicyBlock waits up to ConnectTimeout for a release.
	PolicyBlock Policy = "block"
)

var ErrInvalidConfig = errors.New("pool: invalid configuration")

// Config describes the pool and the connections it creates.
type Config struct {
	Address         string        `yaml:"address" json:"address" mapstructure:"address"`
	MaxConnections  int           `yaml:"max_connections" json:"max_connections" mapstructure:"max_connections"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout" mapstructure:"idle_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout" mapstructure:"connect_timeout"`
	MaxLifetime     time.Duration `yaml:"max_lifetime" json:"max_lifetime" mapstructure:"max_lifetime"`
	SweepInterval   time.Duration `yaml:"sweep_interval" json:"sweep_interval" mapstructure:"sweep_interval"`
	BackgroundSweep bool          `yaml:"background_sweep" json:"background_sweep" mapstructure:"background_sweep"`
	Policy          Policy        `yaml:"policy" json:"policy" mapstructure:"policy"`
	TLS             TLSConfig     `yaml:"tls" json:"tls" mapstructure:"tls"`
}

// DefaultConfig returns the stock pool settings.
func DefaultConfig() Config {
	return Config{
		Address:        "localhost:50051",
		MaxConnections: 10,
		IdleTimeout:    30 * time.Second,
		ConnectTimeout: 5 * time.Second,
		MaxLifetime:    30 * time.Minute,
		SweepInterval:  5 * time.Second,
		Policy:         PolicyFailFast,
		TLS:            TLSConfig{Enabled: true},
	}
}

// Validate checks sizes and timeouts. A zero MaxLifetime disables the
// staleness bound.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: max connections must be positive", ErrInvalidConfig)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("%w: idle timeout must be positive", ErrInvalidConfig)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxLifetime < 0 || c.SweepInterval < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	switch c.Policy {
	case "", PolicyFailFast, PolicyBlock:
	default:
		return fmt.Errorf("%w: unknown policy %q", ErrInvalidConfig, c.Policy)
	}
	return c.TLS.Validate()
}
