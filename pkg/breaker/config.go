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

// Package breaker implements the failure-rate gate that decides whether the
// RPC client attempts a remote call at all.
//
// A Breaker starts CLOSED. Consecutive failures trip it OPEN, where every
// admission is rejected until the open duration elapses. The next admission
// moves it to HALF_OPEN, which lets a fixed number of trial calls through and
// then closes or reopens based on the ratio of successful trials.
//
// All state lives behind one mutex. Admission and outcome reporting are
// O(1) and never held across the protected call.
package breaker

import (
	"errors"
	"fmt"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrOpen is returned by Allow when the call is not admitted.
	ErrOpen = errors.New("breaker: circuit open")

	ErrInvalidConfig = errors.New("breaker: invalid configuration")
)

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from CLOSED to OPEN.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold" mapstructure:"failure_threshold"`

	// OpenDuration is how long the breaker rejects calls before probing.
	OpenDuration time.Duration `yaml:"open_duration" json:"open_duration" mapstructure:"open_duration"`

	// HalfOpenMaxCalls is the trial budget in HALF_OPEN.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls" mapstructure:"half_open_max_calls"`

	// SuccessThreshold is the minimum ratio of successful trials needed to
	// close the breaker again.
	SuccessThreshold float64 `yaml:"success_threshold" json:"success_threshold" mapstructure:"success_threshold"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:     60 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 0.6,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("%w: failure threshold must be positive", ErrInvalidConfig)
	}
	if c.OpenDuration <= 0 {
		return fmt.Errorf("%w: open duration must be positive", ErrInvalidConfig)
	}
	if c.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("%w: half-open max calls must be positive", ErrInvalidConfig)
	}
	if c.SuccessThreshold <= 0 || c.SuccessThreshold > 1 {
		return fmt.Errorf("%w: success threshold must be in (0, 1]", ErrInvalidConfig)
	}
	return nil
}
