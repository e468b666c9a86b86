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

package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T, clock *fakeClock, opts ...Option) *Breaker {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	b, err := New(DefaultConfig(), opts...)
	require.NoError(t, err)
	return b
}

func fail(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		p, err := b.Allow()
		require.NoError(t, err)
		p.Failure()
	}
}

func succeed(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		p, err := b.Allow()
		require.NoError(t, err)
		p.Success()
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero failure threshold", func(c *Config) { c.FailureThreshold = 0 }, true},
		{"zero open duration", func(c *Config) { c.OpenDuration = 0 }, true},
		{"zero half-open calls", func(c *Config) { c.HalfOpenMaxCalls = 0 }, true},
		{"ratio above one", func(c *Config) { c.SuccessThreshold = 1.5 }, true},
		{"ratio zero", func(c *Config) { c.SuccessThreshold = 0 }, true},
		{"ratio one", func(c *Config) { c.SuccessThreshold = 1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := newTestBreaker(t, newFakeClock())

	fail(t, b, 4)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 4, b.Snapshot().ConsecutiveFailures)

	fail(t, b, 1)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := newTestBreaker(t, newFakeClock())

	fail(t, b, 4)
	succeed(t, b, 1)
	fail(t, b, 4)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpenRejectsUntilDurationElapses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)
	fail(t, b, 5)

	for i := 0; i < 10; i++ {
		p, err := b.Allow()
		assert.Nil(t, p)
		assert.ErrorIs(t, err, ErrOpen)
	}
	assert.Equal(t, uint64(10), b.Snapshot().Rejections)

	clock.Advance(59 * time.Second)
	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, StateOpen, b.State(), "observing the state must not transition")

	clock.Advance(time.Second)
	p, err := b.Allow()
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())
	p.Release()
}

func TestBreaker_HalfOpenRatio(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		failures  int
		want      State
	}{
		{"two of three closes", 2, 1, StateClosed},
		{"three of three closes", 3, 0, StateClosed},
		{"one of three reopens", 1, 2, StateOpen},
		{"none of three reopens", 0, 3, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			b := newTestBreaker(t, clock)
			fail(t, b, 5)
			clock.Advance(time.Minute)

			permits := make([]*Permit, 0, 3)
			for i := 0; i < 3; i++ {
				p, err := b.Allow()
				require.NoError(t, err)
				permits = append(permits, p)
			}
			_, err := b.Allow()
			assert.ErrorIs(t, err, ErrOpen, "trial budget exhausted")

			for i, p := range permits {
				if i < tt.successes {
					p.Success()
				} else {
					p.Failure()
				}
			}
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreaker_HalfOpenWaitsForEveryTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)
	fail(t, b, 5)
	clock.Advance(time.Minute)

	permits := make([]*Permit, 0, 3)
	for i := 0; i < 3; i++ {
		p, err := b.Allow()
		require.NoError(t, err)
		permits = append(permits, p)
	}

	permits[0].Success()
	permits[1].Success()
	assert.Equal(t, StateHalfOpen, b.State(), "enough successes, but one trial is outstanding")

	permits[2].Failure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ReopenRestartsTimer(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)
	fail(t, b, 5)
	clock.Advance(time.Minute)

	fail(t, b, 3)
	require.Equal(t, StateOpen, b.State())
	assert.Equal(t, clock.Now(), b.Snapshot().OpenedAt)

	clock.Advance(30 * time.Second)
	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_ReleaseReturnsTrialSlot(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)
	fail(t, b, 5)
	clock.Advance(time.Minute)

	var permits []*Permit
	for i := 0; i < 3; i++ {
		p, err := b.Allow()
		require.NoError(t, err)
		permits = append(permits, p)
	}
	permits[0].Release()

	p, err := b.Allow()
	require.NoError(t, err)
	p.Success()
	permits[1].Success()
	permits[2].Success()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_StalePermitIgnored(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	stale, err := b.Allow()
	require.NoError(t, err)

	fail(t, b, 5)
	require.Equal(t, StateOpen, b.State())
	before := b.Snapshot()

	stale.Success()
	stale.Failure()
	after := b.Snapshot()
	assert.Equal(t, before, after)
}

func TestBreaker_DoubleSettleCountsOnce(t *testing.T) {
	b := newTestBreaker(t, newFakeClock())

	p, err := b.Allow()
	require.NoError(t, err)
	p.Failure()
	p.Failure()
	p.Failure()
	assert.Equal(t, 1, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_Reset(t *testing.T) {
	var transitions []string
	b := newTestBreaker(t, newFakeClock(), WithOnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))
	fail(t, b, 5)
	b.Reset()

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->CLOSED"}, transitions)
	succeed(t, b, 1)
}

func TestBreaker_OnStateChangeMayReadState(t *testing.T) {
	clock := newFakeClock()
	var seen []State
	var b *Breaker
	b = newTestBreaker(t, clock, WithOnStateChange(func(_, to State) {
		seen = append(seen, b.State())
		assert.Equal(t, to, b.State())
	}))

	fail(t, b, 5)
	clock.Advance(time.Minute)
	succeed(t, b, 3)

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, seen)
}

func TestBreaker_HalfOpenAdmissionIsBounded(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)
	fail(t, b, 5)
	clock.Advance(time.Minute)

	const callers = 64
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []*Permit
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if p, err := b.Allow(); err == nil {
				mu.Lock()
				admitted = append(admitted, p)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, admitted, 3)
	snap := b.Snapshot()
	assert.Equal(t, StateHalfOpen, snap.State)
	assert.Equal(t, uint64(callers-3), snap.Rejections)

	var settle sync.WaitGroup
	for _, p := range admitted {
		settle.Add(1)
		go func(p *Permit) {
			defer settle.Done()
			p.Success()
		}(p)
	}
	settle.Wait()
	assert.Equal(t, StateClosed, b.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "State(9)", State(9).String())
}
