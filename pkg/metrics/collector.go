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

package metrics

import (
	"context"
	"runtime"
	"time"
)

// Collector periodically refreshes gauges that are sampled rather than
// updated inline: goroutines, uptime and any registered samplers.
type Collector struct {
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	started  time.Time
	samplers []func()
}

// NewCollector returns a collector that runs every interval once started.
// Each sampler is called on every tick, typically to copy pool or registry
// stats into gauges.
func NewCollector(ctx context.Context, interval time.Duration, samplers ...func()) *Collector {
	cctx, cancel := context.WithCancel(ctx)
	return &Collector{
		ctx:      cctx,
		cancel:   cancel,
		interval: interval,
		started:  time.Now(),
		samplers: samplers,
	}
}

// Run blocks until Stop is called or the parent context ends.
func (c *Collector) Run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

func (c *Collector) Stop() {
	c.cancel()
}

// Collect performs one sampling pass.
func (c *Collector) Collect() {
	if !IsEnabled() {
		return
	}
	Goroutines.Set(float64(runtime.NumGoroutine()))
	Uptime.Set(time.Since(c.started).Seconds())
	for _, sample := range c.samplers {
		sample()
	}
}

// StartCollector creates a collector and runs it on its own goroutine.
func StartCollector(ctx context.Context, interval time.Duration, samplers ...func()) *Collector {
	c := NewCollector(ctx, interval, samplers...)
	go c.Run()
	return c
}
