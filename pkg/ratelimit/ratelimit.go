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

// Package ratelimit throttles backend callers per peer with token buckets.
package ratelimit

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Config holds per-peer limits.
type Config struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst defaults to one second's worth of requests.
	Burst int `yaml:"burst"`

	// MaxIdle is how long a peer may stay quiet before its bucket is
	// dropped. Defaults to 10 minutes.
	MaxIdle time.Duration `yaml:"max_idle"`
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	Enabled  bool    `json:"enabled"`
	Peers    int     `json:"peers"`
	Rate     float64 `json:"requests_per_second"`
	Burst    int     `json:"burst"`
	Rejected uint64  `json:"rejected"`
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per peer.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     rate.Limit
	burst    int
	enabled  bool
	maxIdle  time.Duration
	rejected uint64
	now      func() time.Time

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter. An enabled limiter sweeps idle peers in the
// background until Stop.
func New(cfg Config, opts ...Option) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(int(cfg.RequestsPerSecond), 1)
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 10 * time.Minute
	}
	l := &Limiter{
		buckets:     make(map[string]*bucket),
		rate:        rate.Limit(cfg.RequestsPerSecond),
		burst:       burst,
		enabled:     cfg.Enabled,
		maxIdle:     maxIdle,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.enabled {
		go l.cleanupWorker()
	}
	return l
}

// Allow reports whether one more request from peerID fits its bucket.
func (l *Limiter) Allow(peerID string) bool {
	if !l.enabled {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[peerID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[peerID] = b
	}
	b.lastSeen = now
	if !b.limiter.AllowN(now, 1) {
		l.rejected++
		return false
	}
	return true
}

func (l *Limiter) cleanupWorker() {
	ticker := time.NewTicker(l.maxIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stopCleanup:
			return
		}
	}
}

// Sweep drops buckets of peers idle longer than MaxIdle.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.maxIdle {
			delete(l.buckets, id)
		}
	}
}

// Stop ends the background sweep. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Enabled:  l.enabled,
		Peers:    len(l.buckets),
		Rate:     float64(l.rate),
		Burst:    l.burst,
		Rejected: l.rejected,
	}
}

// UnaryServerInterceptor rejects calls over the limit with
// ResourceExhausted, which clients treat as a busy backend.
func UnaryServerInterceptor(limiter *Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !limiter.Allow(PeerID(ctx)) {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

// PeerID is the caller's host, or "unknown" without peer information.
func PeerID(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	addr := p.Addr.String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
