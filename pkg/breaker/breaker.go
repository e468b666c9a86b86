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
	"time"
)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithOnStateChange registers a callback invoked after every transition. It
// runs outside the breaker lock, so it may call State or Snapshot.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Snapshot is a point in time copy of the breaker counters.
type Snapshot struct {
	State               State
	Generation          uint64
	ConsecutiveFailures int
	HalfOpenAdmitted    int
	HalfOpenTrials      int
	HalfOpenSuccesses   int
	OpenedAt            time.Time
	LastFailure         time.Time
	Rejections          uint64
	Transitions         uint64
}

// Breaker is a three state circuit breaker. The zero value is not usable;
// construct one with New.
type Breaker struct {
	cfg      Config
	now      func() time.Time
	onChange func(from, to State)

	mu                sync.Mutex
	state             State
	generation        uint64
	failures          int
	halfOpenAdmitted  int
	halfOpenTrials    int
	halfOpenSuccesses int
	openedAt          time.Time
	lastFailure       time.Time
	rejections        uint64
	transitions       uint64
}

type transition struct {
	from, to State
}

// New returns a CLOSED breaker.
func New(cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Config returns the thresholds the breaker was built with.
func (b *Breaker) Config() Config {
	return b.cfg
}

// Allow asks for admission. On success the caller must settle the returned
// Permit exactly once with Success, Failure or Release.
func (b *Breaker) Allow() (*Permit, error) {
	var events []transition

	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			b.rejections++
			b.mu.Unlock()
			return nil, ErrOpen
		}
		events = append(events, b.transitionLocked(StateHalfOpen))
		fallthrough
	case StateHalfOpen:
		if b.halfOpenAdmitted >= b.cfg.HalfOpenMaxCalls {
			b.rejections++
			b.mu.Unlock()
			b.emit(events)
			return nil, ErrOpen
		}
		b.halfOpenAdmitted++
	}
	p := &Permit{b: b, generation: b.generation}
	b.mu.Unlock()

	b.emit(events)
	return p, nil
}

// State returns the current state. It does not apply the lazy OPEN to
// HALF_OPEN transition; only Allow does.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the state and counters read under one lock. Like State
// it has no side effects.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		Generation:          b.generation,
		ConsecutiveFailures: b.failures,
		HalfOpenAdmitted:    b.halfOpenAdmitted,
		HalfOpenTrials:      b.halfOpenTrials,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		OpenedAt:            b.openedAt,
		LastFailure:         b.lastFailure,
		Rejections:          b.rejections,
		Transitions:         b.transitions,
	}
}

// Reset forces the breaker CLOSED and clears its counters. Outstanding
// permits become stale.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var events []transition
	if b.state != StateClosed {
		events = append(events, b.transitionLocked(StateClosed))
	} else {
		b.generation++
		b.resetCountersLocked()
	}
	b.mu.Unlock()
	b.emit(events)
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeNeutral
)

func (b *Breaker) settle(p *Permit, o outcome) {
	var events []transition

	b.mu.Lock()
	if p.settled {
		b.mu.Unlock()
		return
	}
	p.settled = true
	if p.generation != b.generation {
		b.mu.Unlock()
		return
	}

	if o == outcomeFailure {
		b.lastFailure = b.now()
	}

	switch b.state {
	case StateClosed:
		switch o {
		case outcomeSuccess:
			b.failures = 0
		case outcomeFailure:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				events = append(events, b.transitionLocked(StateOpen))
			}
		}
	case StateHalfOpen:
		switch o {
		case outcomeNeutral:
			b.halfOpenAdmitted--
		case outcomeSuccess:
			b.halfOpenTrials++
			b.halfOpenSuccesses++
		case outcomeFailure:
			b.halfOpenTrials++
		}
		if b.halfOpenTrials >= b.cfg.HalfOpenMaxCalls {
			ratio := float64(b.halfOpenSuccesses) / float64(b.halfOpenTrials)
			if ratio >= b.cfg.SuccessThreshold {
				events = append(events, b.transitionLocked(StateClosed))
			} else {
				events = append(events, b.transitionLocked(StateOpen))
			}
		}
	}
	b.mu.Unlock()

	b.emit(events)
}

// transitionLocked must be called with b.mu held.
func (b *Breaker) transitionLocked(to State) transition {
	t := transition{from: b.state, to: to}
	b.state = to
	b.generation++
	b.transitions++
	b.resetCountersLocked()
	if to == StateOpen {
		b.openedAt = b.now()
	}
	return t
}

func (b *Breaker) resetCountersLocked() {
	b.failures = 0
	b.halfOpenAdmitted = 0
	b.halfOpenTrials = 0
	b.halfOpenSuccesses = 0
}

func (b *Breaker) emit(events []transition) {
	if b.onChange == nil {
		return
	}
	for _, t := range events {
		b.onChange(t.from, t.to)
	}
}

// Permit is one admitted call. Only the first settlement counts, and a
// permit issued before a state transition is ignored.
type Permit struct {
	b          *Breaker
	generation uint64
	settled    bool
}

// Success records a successful call.
func (p *Permit) Success() {
	p.b.settle(p, outcomeSuccess)
}

// Failure records a failed call.
func (p *Permit) Failure() {
	p.b.settle(p, outcomeFailure)
}

// Release gives the permit back without an outcome. A HALF_OPEN trial slot
// becomes available again.
func (p *Permit) Release() {
	p.b.settle(p, outcomeNeutral)
}
