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

// Package pool keeps a bounded set of reusable backend connections.
//
// Connections are dialed lazily, handed to one caller at a time, returned
// with Release or thrown away with Discard. Idle connections past the idle
// timeout and connections past their maximum lifetime are swept out, either
// opportunistically from Acquire or by an optional background janitor.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/jeremyhahn/go-keychain-csp/pkg/logging"
)

var (
	// ErrExhausted means every connection is in use and the pool is full.
	ErrExhausted = errors.New("pool: exhausted")

	// ErrUnavailable wraps a failure to establish a new connection.
	ErrUnavailable = errors.New("pool: backend unavailable")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool: closed")
)

// ClientConn is what the pool manages. *grpc.ClientConn satisfies it.
type ClientConn interface {
	grpc.ClientConnInterface
	Close() error
}

// DialFunc opens a ready connection. ctx carries the connect timeout.
type DialFunc func(ctx context.Context) (ClientConn, error)

// Conn is a pooled connection. The pool owns its bookkeeping; callers only
// use ClientConn and hand the Conn back.
type Conn struct {
	id        uint64
	cc        ClientConn
	createdAt time.Time

	// guarded by Pool.mu
	lastUsed time.Time
	inUse    bool
	retire   bool
}

// ID identifies the connection in logs.
func (c *Conn) ID() uint64 {
	return c.id
}

// ClientConn returns the underlying connection.
func (c *Conn) ClientConn() ClientConn {
	return c.cc
}

// CreatedAt is when the connection was dialed.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// Stats is a snapshot of pool state and lifetime counters.
type Stats struct {
	Active         int    `json:"active"`
	Idle           int    `json:"idle"`
	Total          int    `json:"total"`
	MaxConnections int    `json:"max_connections"`
	Created        uint64 `json:"created"`
	Reused         uint64 `json:"reused"`
	Discarded      uint64 `json:"discarded"`
	Evicted        uint64 `json:"evicted"`
	Exhausted      uint64 `json:"exhausted"`
	DialFailures   uint64 `json:"dial_failures"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l logging.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg    Config
	dial   DialFunc
	now    func() time.Time
	logger logging.Logger

	mu        sync.Mutex
	conns     map[*Conn]struct{}
	idle      []*Conn
	inUse     int
	dialing   int
	nextID    uint64
	released  chan struct{}
	lastSweep time.Time
	closed    bool
	stats     Stats

	stop chan struct{}
	done chan struct{}
}

// New builds a pool. When dial is nil the gRPC dialer is used, which loads
// the TLS material once here.
func New(cfg Config, dial DialFunc, opts ...Option) (*Pool, error) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyFailFast
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		d, err := NewGRPCDialer(cfg)
		if err != nil {
			return nil, err
		}
		dial = d
	}

	p := &Pool{
		cfg:      cfg,
		dial:     dial,
		now:      time.Now,
		logger:   logging.NewNop(),
		conns:    make(map[*Conn]struct{}, cfg.MaxConnections),
		released: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lastSweep = p.now()

	if cfg.BackgroundSweep && cfg.SweepInterval > 0 {
		p.stop = make(chan struct{})
		p.done = make(chan struct{})
		go p.janitor()
	}
	return p, nil
}

// Acquire returns a connection for exclusive use. The caller must pass it
// to Release or Discard.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		var stale []*Conn
		now := p.now()
		if p.cfg.SweepInterval > 0 && now.Sub(p.lastSweep) >= p.cfg.SweepInterval {
			stale = p.sweepLocked(now)
		}

		c, expired := p.popIdleLocked(now)
		stale = append(stale, expired...)
		if c != nil {
			c.inUse = true
			c.lastUsed = now
			p.inUse++
			p.stats.Reused++
			p.mu.Unlock()
			p.closeAll(stale, "expired")
			return c, nil
		}

		if len(p.conns)+p.dialing < p.cfg.MaxConnections {
			p.dialing++
			p.mu.Unlock()
			p.closeAll(stale, "expired")
			return p.open(ctx)
		}

		if p.cfg.Policy != PolicyBlock {
			p.stats.Exhausted++
			p.mu.Unlock()
			p.closeAll(stale, "expired")
			return nil, ErrExhausted
		}

		wait := p.released
		p.mu.Unlock()
		p.closeAll(stale, "expired")

		if timer == nil {
			timer = time.NewTimer(p.cfg.ConnectTimeout)
		}
		select {
		case <-wait:
		case <-timer.C:
			p.mu.Lock()
			p.stats.Exhausted++
			p.mu.Unlock()
			return nil, ErrExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) open(ctx context.Context) (*Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	cc, err := p.dial(dctx)
	cancel()

	p.mu.Lock()
	p.dialing--
	if err != nil {
		p.stats.DialFailures++
		p.notifyLocked()
		p.mu.Unlock()
		p.logger.Warn("backend dial failed",
			logging.String("address", p.cfg.Address),
			logging.Err(err))
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if p.closed {
		p.notifyLocked()
		p.mu.Unlock()
		_ = cc.Close()
		return nil, ErrClosed
	}
	now := p.now()
	p.nextID++
	c := &Conn{
		id:        p.nextID,
		cc:        cc,
		createdAt: now,
		lastUsed:  now,
		inUse:     true,
	}
	p.conns[c] = struct{}{}
	p.inUse++
	p.stats.Created++
	p.mu.Unlock()

	p.logger.Debug("backend connection created",
		logging.Uint64("conn", c.id),
		logging.String("address", p.cfg.Address))
	return c, nil
}

// Release returns c to the idle set. Unknown or already released
// connections are ignored.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.conns[c]; !ok || !c.inUse {
		p.mu.Unlock()
		return
	}
	now := p.now()
	c.inUse = false
	c.lastUsed = now
	p.inUse--

	if p.closed || c.retire || p.pastLifetime(c, now) {
		delete(p.conns, c)
		p.stats.Evicted++
		p.notifyLocked()
		p.mu.Unlock()
		p.closeAll([]*Conn{c}, "retired")
		return
	}
	p.idle = append(p.idle, c)
	p.notifyLocked()
	p.mu.Unlock()
}

// Discard removes c from the pool and closes it. It is never handed out
// again.
func (p *Pool) Discard(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.conns[c]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.conns, c)
	if c.inUse {
		c.inUse = false
		p.inUse--
	} else {
		p.removeIdleLocked(c)
	}
	p.stats.Discarded++
	p.notifyLocked()
	p.mu.Unlock()

	p.logger.Debug("backend connection discarded", logging.Uint64("conn", c.id))
	_ = c.cc.Close()
}

// Sweep evicts idle connections past the idle timeout or the maximum
// lifetime, and marks in-use connections past the lifetime for retirement.
// It returns the number of connections closed.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	stale := p.sweepLocked(p.now())
	p.mu.Unlock()
	p.closeAll(stale, "expired")
	return len(stale)
}

func (p *Pool) sweepLocked(now time.Time) []*Conn {
	p.lastSweep = now
	var stale []*Conn
	kept := p.idle[:0]
	for _, c := range p.idle {
		if p.expired(c, now) {
			delete(p.conns, c)
			stale = append(stale, c)
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	for c := range p.conns {
		if c.inUse && p.pastLifetime(c, now) {
			c.retire = true
		}
	}
	p.stats.Evicted += uint64(len(stale))
	if len(stale) > 0 {
		p.notifyLocked()
	}
	return stale
}

// popIdleLocked takes the most recently used idle connection that has not
// expired. Expired ones found on the way are removed and returned.
func (p *Pool) popIdleLocked(now time.Time) (*Conn, []*Conn) {
	var expired []*Conn
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		c := p.idle[last]
		p.idle[last] = nil
		p.idle = p.idle[:last]
		if p.expired(c, now) {
			delete(p.conns, c)
			p.stats.Evicted++
			expired = append(expired, c)
			continue
		}
		return c, expired
	}
	return nil, expired
}

func (p *Pool) removeIdleLocked(c *Conn) {
	for i, ic := range p.idle {
		if ic == c {
			copy(p.idle[i:], p.idle[i+1:])
			p.idle[len(p.idle)-1] = nil
			p.idle = p.idle[:len(p.idle)-1]
			return
		}
	}
}

func (p *Pool) expired(c *Conn, now time.Time) bool {
	return now.Sub(c.lastUsed) > p.cfg.IdleTimeout || p.pastLifetime(c, now)
}

func (p *Pool) pastLifetime(c *Conn, now time.Time) bool {
	return p.cfg.MaxLifetime > 0 && now.Sub(c.createdAt) > p.cfg.MaxLifetime
}

// notifyLocked wakes every Acquire blocked on a full pool.
func (p *Pool) notifyLocked() {
	close(p.released)
	p.released = make(chan struct{})
}

func (p *Pool) closeAll(conns []*Conn, reason string) {
	for _, c := range conns {
		p.logger.Debug("backend connection closed",
			logging.Uint64("conn", c.id),
			logging.String("reason", reason))
		_ = c.cc.Close()
	}
}

// Stats returns current occupancy and lifetime counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Active = p.inUse
	s.Idle = len(p.idle)
	s.Total = len(p.conns)
	s.MaxConnections = p.cfg.MaxConnections
	return s
}

// Config returns the configuration the pool was built with.
func (p *Pool) Config() Config {
	return p.cfg
}

// Close closes idle connections and stops the janitor. In-use connections
// are closed when they are released or discarded. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, c := range idle {
		delete(p.conns, c)
	}
	p.notifyLocked()
	p.mu.Unlock()

	if p.stop != nil {
		close(p.stop)
		<-p.done
	}

	var errs []error
	for _, c := range idle {
		if err := c.cc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) janitor() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.logger.Debug("pool sweep", logging.Int("evicted", n))
			}
		}
	}
}
