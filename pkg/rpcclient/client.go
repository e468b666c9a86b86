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

// Package rpcclient is the synchronous facade over the remote key service.
//
// Every operation runs the same template: optional throttle, breaker
// admission, pool acquisition, one RPC bounded by the request timeout, then
// translation of the transport and business status into a csperr.Error.
// Connections that fault at the transport level are discarded instead of
// being returned to the pool.
//
// The client never retries. A call that times out locally may still have
// completed on the backend, so callers must treat every operation as
// at-least-once. GenerateKey carries a request ID the backend uses to
// collapse duplicate submissions.
package rpcclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
	"github.com/jeremyhahn/go-keychain-csp/pkg/breaker"
	"github.com/jeremyhahn/go-keychain-csp/pkg/correlation"
	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
	"github.com/jeremyhahn/go-keychain-csp/pkg/logging"
	"github.com/jeremyhahn/go-keychain-csp/pkg/metrics"
	"github.com/jeremyhahn/go-keychain-csp/pkg/pool"
)

// Stats are observability counters. They never influence control flow.
type Stats struct {
	TotalRequests         uint64 `json:"total_requests"`
	SuccessfulRequests    uint64 `json:"successful_requests"`
	FailedRequests        uint64 `json:"failed_requests"`
	CircuitBreakerRejects uint64 `json:"circuit_breaker_rejects"`
	PoolExhausted         uint64 `json:"pool_exhausted"`
	Throttled             uint64 `json:"throttled"`
	TransportErrors       uint64 `json:"transport_errors"`
	BackendErrors         uint64 `json:"backend_errors"`
}

// Client is shared by all callers of one provider instance.
type Client struct {
	cfg     Config
	pool    *pool.Pool
	breaker *breaker.Breaker
	limiter *rate.Limiter
	logger  logging.Logger
	now     func() time.Time

	mu    sync.Mutex
	stats Stats
}

// New validates cfg, applies opts and builds the pool and breaker. No
// connection is opened until the first call.
func New(cfg Config, opts ...Option) (*Client, error) {
	o := &options{logger: logging.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&cfg, o)
	}
	if cfg.Pool.Policy == "" {
		cfg.Pool.Policy = pool.PolicyFailFast
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: o.logger.With(logging.String("component", "rpcclient")),
		now:    o.now,
	}

	dial := o.dial
	if dial == nil {
		d, err := pool.NewGRPCDialer(cfg.Pool, o.dialOptions...)
		if err != nil {
			return nil, err
		}
		dial = d
	}
	p, err := pool.New(cfg.Pool, dial,
		pool.WithLogger(c.logger),
		pool.WithClock(o.now))
	if err != nil {
		return nil, err
	}
	c.pool = p

	b, err := breaker.New(cfg.Breaker,
		breaker.WithClock(o.now),
		breaker.WithOnStateChange(func(from, to breaker.State) {
			c.onBreakerChange(from, to)
			if o.onState != nil {
				o.onState(from, to)
			}
		}))
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	c.breaker = b

	if cfg.RateLimit.Enabled {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}
	return c, nil
}

func (c *Client) onBreakerChange(from, to breaker.State) {
	metrics.RecordBreakerTransition(from.String(), to.String())
	if to == breaker.StateOpen {
		c.logger.Warn("circuit breaker opened",
			logging.String("from", from.String()),
			logging.String("address", c.cfg.Pool.Address))
		return
	}
	c.logger.Info("circuit breaker state changed",
		logging.String("from", from.String()),
		logging.String("to", to.String()))
}

// statusCarrier is implemented by every response message.
type statusCarrier interface {
	GetStatus() cspv1.Status
}

// execute runs one remote call through the admission, pooling and
// translation steps shared by every operation.
func execute[Resp statusCarrier](ctx context.Context, c *Client, method string, call func(context.Context, cspv1.SupacryptServiceClient) (Resp, error)) csperr.Result[Resp] {
	if c.limiter != nil && !c.limiter.Allow() {
		c.reject(method, metrics.ReasonThrottled, func(s *Stats) { s.Throttled++ })
		return csperr.Failed[Resp](csperr.Admission(csperr.TooManyCommands, method, "client rate limit exceeded"))
	}

	permit, err := c.breaker.Allow()
	if err != nil {
		c.reject(method, metrics.ReasonCircuitOpen, func(s *Stats) { s.CircuitBreakerRejects++ })
		return csperr.Failed[Resp](csperr.Admission(csperr.NotReady, method, "circuit breaker is open"))
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return csperr.Failed[Resp](c.acquireFailed(method, permit, err))
	}

	start := c.now()
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	callCtx, cid := correlation.Outgoing(callCtx)
	resp, err := call(callCtx, cspv1.NewSupacryptServiceClient(conn.ClientConn()))
	cancel()
	elapsed := c.now().Sub(start)

	if err != nil {
		terr := csperr.FromStatus(method, err)
		if csperr.IsConnectionFault(terr) {
			c.pool.Discard(conn)
			permit.Failure()
		} else {
			c.pool.Release(conn)
			if terr.Category == csperr.CategoryCanceled {
				permit.Release()
			} else {
				permit.Success()
			}
		}
		c.finish(method, metrics.OutcomeTransportError, elapsed, func(s *Stats) {
			s.FailedRequests++
			s.TransportErrors++
		})
		c.logger.Warn("backend call failed",
			logging.String("method", method),
			logging.String("category", terr.Category.String()),
			logging.String("correlation_id", cid),
			logging.Uint64("conn", conn.ID()),
			logging.Err(err))
		return csperr.Failed[Resp](terr)
	}

	c.pool.Release(conn)
	st := resp.GetStatus()
	if berr := csperr.FromBackendStatus(method, st); berr != nil {
		if csperr.IsBackendFault(st.Code) {
			permit.Failure()
		} else {
			permit.Success()
		}
		c.finish(method, metrics.OutcomeBackendError, elapsed, func(s *Stats) {
			s.FailedRequests++
			s.BackendErrors++
		})
		c.logger.Debug("backend returned error status",
			logging.String("method", method),
			logging.String("status", st.Code.String()),
			logging.String("correlation_id", cid))
		return csperr.Failed[Resp](berr)
	}

	permit.Success()
	c.finish(method, metrics.OutcomeSuccess, elapsed, func(s *Stats) { s.SuccessfulRequests++ })
	return csperr.Ok(resp)
}

// acquireFailed settles the permit for a call that never got a connection.
// Exhaustion and cancellation are local conditions and leave the breaker
// untouched; a failed dial counts against the backend.
func (c *Client) acquireFailed(method string, permit *breaker.Permit, err error) *csperr.Error {
	switch {
	case errors.Is(err, pool.ErrExhausted):
		permit.Release()
		c.reject(method, metrics.ReasonPoolExhausted, func(s *Stats) { s.PoolExhausted++ })
		c.logger.Warn("connection pool exhausted",
			logging.String("method", method),
			logging.Int("max_connections", c.cfg.Pool.MaxConnections))
		return csperr.Admission(csperr.Busy, method, "no backend connection available")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		permit.Release()
		c.reject(method, "", func(s *Stats) { s.FailedRequests++ })
		return csperr.FromStatus(method, err)
	case errors.Is(err, pool.ErrClosed):
		permit.Release()
		c.reject(method, metrics.ReasonUnavailable, func(s *Stats) { s.FailedRequests++ })
		return csperr.Admission(csperr.ProviderDllFail, method, "client is closed")
	default:
		permit.Failure()
		c.reject(method, metrics.ReasonUnavailable, func(s *Stats) { s.FailedRequests++ })
		return csperr.Wrap(csperr.KindAdmission, csperr.ProviderDllFail, method, err)
	}
}

func (c *Client) reject(method, reason string, update func(*Stats)) {
	c.mu.Lock()
	c.stats.TotalRequests++
	update(&c.stats)
	c.mu.Unlock()

	if reason != "" {
		metrics.RecordRejection(reason)
	}
	metrics.RecordRPC(method, metrics.OutcomeRejected, 0)
}

func (c *Client) finish(method, outcome string, elapsed time.Duration, update func(*Stats)) {
	c.mu.Lock()
	c.stats.TotalRequests++
	update(&c.stats)
	c.mu.Unlock()

	metrics.RecordRPC(method, outcome, elapsed.Seconds())
	ps := c.pool.Stats()
	metrics.SetPoolConnections(ps.Active, ps.Idle)
}

// Stats returns a copy of the request counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) PoolStats() pool.Stats {
	return c.pool.Stats()
}

func (c *Client) BreakerState() breaker.State {
	return c.breaker.State()
}

func (c *Client) BreakerSnapshot() breaker.Snapshot {
	return c.breaker.Snapshot()
}

// ResetCircuitBreaker forces the breaker closed.
func (c *Client) ResetCircuitBreaker() {
	c.breaker.Reset()
}

func (c *Client) Config() Config {
	return c.cfg
}

// Close releases pooled connections. Calls in flight finish normally.
func (c *Client) Close() error {
	return c.pool.Close()
}
