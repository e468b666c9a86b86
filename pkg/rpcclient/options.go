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
	"time"

	"google.golang.org/grpc"

	"github.com/jeremyhahn/go-keychain-csp/pkg/breaker"
	"github.com/jeremyhahn/go-keychain-csp/pkg/logging"
	"github.com/jeremyhahn/go-keychain-csp/pkg/pool"
)

type options struct {
	logger      logging.Logger
	dial        pool.DialFunc
	dialOptions []grpc.DialOption
	now         func() time.Time
	onState     func(from, to breaker.State)
}

// Option overrides configuration or collaborators at construction.
type Option func(*Config, *options)

func WithLogger(l logging.Logger) Option {
	return func(_ *Config, o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDialer replaces the gRPC dialer used by the pool.
func WithDialer(d pool.DialFunc) Option {
	return func(_ *Config, o *options) {
		o.dial = d
	}
}

// WithDialOptions appends options to the default gRPC dialer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(_ *Config, o *options) {
		o.dialOptions = append(o.dialOptions, opts...)
	}
}

// WithClock replaces time.Now in the breaker and the pool.
func WithClock(now func() time.Time) Option {
	return func(_ *Config, o *options) {
		o.now = now
	}
}

// WithStateChangeHook is called after every breaker transition, in addition
// to the built-in logging and metrics.
func WithStateChangeHook(fn func(from, to breaker.State)) Option {
	return func(_ *Config, o *options) {
		o.onState = fn
	}
}

func WithAddress(addr string) Option {
	return func(c *Config, _ *options) {
		c.Pool.Address = addr
	}
}

func WithMaxConnections(n int) Option {
	return func(c *Config, _ *options) {
		c.Pool.MaxConnections = n
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config, _ *options) {
		c.RequestTimeout = d
	}
}

func WithTLS(t pool.TLSConfig) Option {
	return func(c *Config, _ *options) {
		c.Pool.TLS = t
	}
}

func WithBreakerConfig(b breaker.Config) Option {
	return func(c *Config, _ *options) {
		c.Breaker = b
	}
}

func WithRateLimit(rps float64, burst int) Option {
	return func(c *Config, _ *options) {
		c.RateLimit = RateLimitConfig{Enabled: true, RequestsPerSecond: rps, Burst: burst}
	}
}
