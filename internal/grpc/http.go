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

package grpc

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jeremyhahn/go-keychain-csp/pkg/correlation"
	"github.com/jeremyhahn/go-keychain-csp/pkg/health"
	"github.com/jeremyhahn/go-keychain-csp/pkg/logging"
	"github.com/jeremyhahn/go-keychain-csp/pkg/metrics"
)

// HealthResponse is the body of every /health endpoint.
type HealthResponse struct {
	Status  health.Status        `json:"status"`
	Message string               `json:"message,omitempty"`
	Checks  []health.CheckResult `json:"checks,omitempty"`
}

// HTTPOption configures NewHTTPHandler.
type HTTPOption func(*httpOptions)

type httpOptions struct {
	metricsPath string
}

// WithMetricsPath moves the Prometheus endpoint. An empty path disables it.
func WithMetricsPath(path string) HTTPOption {
	return func(o *httpOptions) { o.metricsPath = path }
}

// NewHTTPHandler serves /metrics and the /health endpoints of the backend.
func NewHTTPHandler(checker *health.Checker, log logging.Logger, opts ...HTTPOption) http.Handler {
	o := httpOptions{metricsPath: "/metrics"}
	for _, opt := range opts {
		opt(&o)
	}
	if checker == nil {
		checker = health.NewChecker()
		checker.MarkStarted()
	}
	if log == nil {
		log = logging.NewNop()
	}
	h := &httpHandlers{checker: checker, logger: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlationMiddleware)
	r.Use(metrics.HTTPMiddleware)

	if o.metricsPath != "" {
		r.Method(http.MethodGet, o.metricsPath, metrics.Handler())
	}
	r.Get("/health", h.ready)
	r.Get("/health/live", h.live)
	r.Get("/health/ready", h.ready)
	r.Get("/health/startup", h.startup)
	return r
}

type httpHandlers struct {
	checker *health.Checker
	logger  logging.Logger
}

func (h *httpHandlers) live(w http.ResponseWriter, r *http.Request) {
	res := h.checker.Live(r.Context())
	h.write(w, HealthResponse{Status: res.Status, Message: res.Message})
}

func (h *httpHandlers) ready(w http.ResponseWriter, r *http.Request) {
	results := h.checker.Ready(r.Context())
	h.write(w, HealthResponse{Status: health.AggregateStatus(results), Checks: results})
}

func (h *httpHandlers) startup(w http.ResponseWriter, r *http.Request) {
	res := h.checker.Startup(r.Context())
	h.write(w, HealthResponse{Status: res.Status, Message: res.Message})
}

// write answers 503 only for unhealthy; degraded still takes traffic.
func (h *httpHandlers) write(w http.ResponseWriter, resp HealthResponse) {
	code := http.StatusOK
	if resp.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", logging.Err(err))
	}
}

func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlation.HTTPHeader)
		if id == "" {
			id = correlation.NewID()
		}
		w.Header().Set(correlation.HTTPHeader, id)
		next.ServeHTTP(w, r.WithContext(correlation.WithID(r.Context(), id)))
	})
}
