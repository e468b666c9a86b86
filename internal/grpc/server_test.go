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

package grpc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
	backend "github.com/jeremyhahn/go-keychain-csp/internal/grpc"
	"github.com/jeremyhahn/go-keychain-csp/internal/testutil"
	"github.com/jeremyhahn/go-keychain-csp/pkg/correlation"
	"github.com/jeremyhahn/go-keychain-csp/pkg/health"
)

func dial(t *testing.T, b *testutil.Backend) cspv1.SupacryptServiceClient {
	t.Helper()
	opts := append(b.DialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	cc, err := grpc.NewClient(testutil.Address, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cspv1.NewSupacryptServiceClient(cc)
}

func TestServerRoundTrip(t *testing.T) {
	b := testutil.NewBackend(t)
	api := dial(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gen, err := api.GenerateKey(ctx, &cspv1.GenerateKeyRequest{Name: "wire", Algorithm: cspv1.KeyAlgorithmECDSAP256})
	require.NoError(t, err)
	require.True(t, gen.Status.OK(), gen.Status.Message)

	got, err := api.GetKey(ctx, &cspv1.GetKeyRequest{KeyID: gen.Key.KeyID})
	require.NoError(t, err)
	assert.Equal(t, "wire", got.Key.Name)
	assert.Equal(t, gen.Key.PublicKey, got.Key.PublicKey)
	assert.Equal(t, 1, b.Service.Len())
}

func TestServerBusinessErrorIsNotTransportError(t *testing.T) {
	b := testutil.NewBackend(t)
	api := dial(t, b)

	resp, err := api.GetKey(context.Background(), &cspv1.GetKeyRequest{KeyID: "missing"})
	require.NoError(t, err)
	assert.Equal(t, cspv1.ErrorCodeKeyNotFound, resp.Status.Code)
}

func TestServerEchoesCorrelationID(t *testing.T) {
	b := testutil.NewBackend(t)
	api := dial(t, b)

	ctx := metadata.AppendToOutgoingContext(context.Background(), correlation.MetadataKey, "corr-123")
	var header metadata.MD
	_, err := api.Health(ctx, &cspv1.HealthRequest{}, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"corr-123"}, header.Get(correlation.MetadataKey))
}

func TestFaultInjection(t *testing.T) {
	b := testutil.NewBackend(t)
	api := dial(t, b)
	ctx := context.Background()

	b.Faults.FailNext(1, codes.Unavailable)
	_, err := api.Health(ctx, &cspv1.HealthRequest{})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	b.Faults.RejectNext(1, cspv1.ErrorCodeServiceUnavailable)
	resp, err := api.Health(ctx, &cspv1.HealthRequest{})
	require.NoError(t, err)
	assert.Equal(t, cspv1.ErrorCodeServiceUnavailable, resp.Status.Code)

	resp, err = api.Health(ctx, &cspv1.HealthRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Serving)
	assert.Equal(t, 3, b.Calls())
}

func TestServerStartAndStop(t *testing.T) {
	srv, err := backend.NewServer(&backend.ServerConfig{Address: "127.0.0.1:0", EnableLogging: true, EnableRecovery: true})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	require.Eventually(t, func() bool { return srv.Addr() != "" }, 5*time.Second, 10*time.Millisecond)

	srv.Stop()
	srv.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, backend.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestNewServerRequiresConfig(t *testing.T) {
	_, err := backend.NewServer(nil)
	assert.Error(t, err)
}

func TestHTTPHandler(t *testing.T) {
	checker := health.NewChecker()
	checker.RegisterCheck("keystore", func(ctx context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusHealthy}
	})
	h := backend.NewHTTPHandler(checker, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(correlation.HTTPHeader))
	var body backend.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, health.StatusHealthy, body.Status)
	require.Len(t, body.Checks, 1)
	assert.Equal(t, "keystore", body.Checks[0].Name)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/startup", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "csp_")
}

func TestHTTPHandlerMetricsPath(t *testing.T) {
	h := backend.NewHTTPHandler(nil, nil, backend.WithMetricsPath("/prom"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prom", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h = backend.NewHTTPHandler(nil, nil, backend.WithMetricsPath(""))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
