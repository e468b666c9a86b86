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

// Package metrics exposes Prometheus instrumentation for the RPC client, its
// breaker and pool, the handle registry and the reference backend.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "csp"

	LabelMethod  = "method"
	LabelOutcome = "outcome"
	LabelCode    = "code"
	LabelFrom    = "from"
	LabelTo      = "to"
	LabelState   = "state"
	LabelKind    = "kind"
	LabelVerb    = "verb"
	LabelReason  = "reason"

	// Outcomes of a facade call.
	OutcomeSuccess        = "success"
	OutcomeBackendError   = "backend_error"
	OutcomeTransportError = "transport_error"
	OutcomeRejected       = "rejected"

	// Admission rejection reasons.
	ReasonCircuitOpen   = "circuit_open"
	ReasonPoolExhausted = "pool_exhausted"
	ReasonThrottled     = "throttled"
	ReasonUnavailable   = "unavailable"
)

var (
	// RPCRequestsTotal counts facade calls by RPC method and outcome.
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total number of backend RPC calls by method and outcome",
		},
		[]string{LabelMethod, LabelOutcome},
	)

	// RPCRequestDuration observes calls that reached the network.
	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Duration of backend RPC calls in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{LabelMethod},
	)

	RPCRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "rejections_total",
			Help:      "Calls refused before reaching the network, by reason",
		},
		[]string{LabelReason},
	)

	// BreakerState is 0 for CLOSED, 1 for OPEN and 2 for HALF_OPEN.
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
	)

	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{LabelFrom, LabelTo},
	)

	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Pooled backend connections by state (active, idle)",
		},
		[]string{LabelState},
	)

	RegistryHandles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "handles",
			Help:      "Live provider handles by kind",
		},
		[]string{LabelKind},
	)

	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Provider entry point calls by verb and result code",
		},
		[]string{LabelVerb, LabelCode},
	)

	ServerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests handled by the reference backend by method and status code",
		},
		[]string{LabelMethod, LabelCode},
	)

	ServerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Duration of requests handled by the reference backend",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	BackendKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "keys",
			Help:      "Keys held by the reference backend",
		},
	)

	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the process started collecting",
		},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordRPC records one facade call. Duration is only observed for calls
// that reached the network.
func RecordRPC(method, outcome string, seconds float64) {
	if !enabled.Load() {
		return
	}
	RPCRequestsTotal.WithLabelValues(method, outcome).Inc()
	if outcome != OutcomeRejected {
		RPCRequestDuration.WithLabelValues(method).Observe(seconds)
	}
}

func RecordRejection(reason string) {
	if !enabled.Load() {
		return
	}
	RPCRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordBreakerTransition updates the state gauge and transition counter.
// States are passed as their String form.
func RecordBreakerTransition(from, to string) {
	if !enabled.Load() {
		return
	}
	BreakerTransitionsTotal.WithLabelValues(from, to).Inc()
	BreakerState.Set(breakerStateValue(to))
}

func breakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}

func SetPoolConnections(active, idle int) {
	if !enabled.Load() {
		return
	}
	PoolConnections.WithLabelValues("active").Set(float64(active))
	PoolConnections.WithLabelValues("idle").Set(float64(idle))
}

func SetRegistryHandles(sessions, keys, hashes int) {
	if !enabled.Load() {
		return
	}
	RegistryHandles.WithLabelValues("session").Set(float64(sessions))
	RegistryHandles.WithLabelValues("key").Set(float64(keys))
	RegistryHandles.WithLabelValues("hash").Set(float64(hashes))
}

// RecordProviderCall counts one provider verb; code is the hex result code.
func RecordProviderCall(verb, code string) {
	if !enabled.Load() {
		return
	}
	ProviderCallsTotal.WithLabelValues(verb, code).Inc()
}

func RecordServerRequest(method, code string, seconds float64) {
	if !enabled.Load() {
		return
	}
	ServerRequestsTotal.WithLabelValues(method, code).Inc()
	ServerRequestDuration.WithLabelValues(method).Observe(seconds)
}

func SetBackendKeys(n int) {
	if !enabled.Load() {
		return
	}
	BackendKeys.Set(float64(n))
}

func Enable() {
	enabled.Store(true)
}

// Disable turns every Record and Set function into a no-op.
func Disable() {
	enabled.Store(false)
}

func IsEnabled() bool {
	return enabled.Load()
}
