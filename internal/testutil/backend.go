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

// Package testutil provides an in-memory backend and TLS fixtures for tests.
package testutil

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
	backend "github.com/jeremyhahn/go-keychain-csp/internal/grpc"
	"github.com/jeremyhahn/go-keychain-csp/pkg/pool"
)

const bufSize = 1 << 20

// Address is the target that resolves to the in-memory listener.
const Address = "passthrough:///bufnet"

// Backend runs the reference key service on a bufconn listener.
type Backend struct {
	Service *backend.Service
	Faults  *Faults

	server *backend.Server
	lis    *bufconn.Listener
	dials  atomic.Int64
	calls  atomic.Int64
}

// NewBackend starts a backend that is stopped when the test ends.
func NewBackend(tb testing.TB, opts ...backend.ServiceOption) *Backend {
	tb.Helper()
	b := &Backend{
		Service: backend.NewService(opts...),
		Faults:  &Faults{},
		lis:     bufconn.Listen(bufSize),
	}
	srv, err := backend.NewServer(&backend.ServerConfig{
		Service:        b.Service,
		EnableRecovery: true,
		Interceptors:   []grpc.UnaryServerInterceptor{b.countCalls, b.Faults.interceptor},
	})
	if err != nil {
		tb.Fatalf("backend: %v", err)
	}
	b.server = srv
	go func() { _ = srv.Serve(b.lis) }()
	tb.Cleanup(b.Stop)
	return b
}

// DialOptions route Address to the in-memory listener.
func (b *Backend) DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			b.dials.Add(1)
			return b.lis.DialContext(ctx)
		}),
	}
}

// PoolConfig returns a pool configuration aimed at the backend, TLS off.
func (b *Backend) PoolConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.Address = Address
	cfg.TLS.Enabled = false
	cfg.SweepInterval = 0
	cfg.BackgroundSweep = false
	return cfg
}

// Dialer returns a pool.DialFunc built on the production gRPC dialer.
func (b *Backend) Dialer() (pool.DialFunc, error) {
	return pool.NewGRPCDialer(b.PoolConfig(), b.DialOptions()...)
}

// Dials counts transport connections opened to the backend.
func (b *Backend) Dials() int {
	return int(b.dials.Load())
}

// Calls counts RPCs that reached the server, injected faults included.
func (b *Backend) Calls() int {
	return int(b.calls.Load())
}

// Stop shuts the server down. Calls fail with Unavailable afterwards.
func (b *Backend) Stop() {
	b.server.Stop()
}

func (b *Backend) countCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	b.calls.Add(1)
	return handler(ctx, req)
}

// Faults injects failures into the next calls that reach the backend.
type Faults struct {
	mu        sync.Mutex
	transport []codes.Code
	business  []cspv1.ErrorCode
	delay     time.Duration
}

// FailNext makes the next n calls fail with a gRPC status of code.
func (f *Faults) FailNext(n int, code codes.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.transport = append(f.transport, code)
	}
}

// RejectNext makes the next n calls return a business status of code with a
// nil transport error.
func (f *Faults) RejectNext(n int, code cspv1.ErrorCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.business = append(f.business, code)
	}
}

// SetDelay holds every call for d or until its deadline.
func (f *Faults) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Clear removes every pending fault.
func (f *Faults) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transport, f.business, f.delay = nil, nil, 0
}

func (f *Faults) next() (codes.Code, cspv1.ErrorCode, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tc, bc := codes.OK, cspv1.ErrorCodeOK
	if len(f.transport) > 0 {
		tc, f.transport = f.transport[0], f.transport[1:]
	} else if len(f.business) > 0 {
		bc, f.business = f.business[0], f.business[1:]
	}
	return tc, bc, f.delay
}

func (f *Faults) interceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	tc, bc, delay := f.next()
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
	if tc != codes.OK {
		return nil, status.Errorf(tc, "injected %s", tc)
	}
	if bc != cspv1.ErrorCodeOK {
		if resp := rejection(info.FullMethod, cspv1.Status{Code: bc, Message: "injected " + bc.String()}); resp != nil {
			return resp, nil
		}
	}
	return handler(ctx, req)
}

func rejection(method string, st cspv1.Status) any {
	switch method {
	case cspv1.MethodGenerateKey:
		return &cspv1.GenerateKeyResponse{Status: st}
	case cspv1.MethodSignData:
		return &cspv1.SignDataResponse{Status: st}
	case cspv1.MethodVerifySignature:
		return &cspv1.VerifySignatureResponse{Status: st}
	case cspv1.MethodGetKey:
		return &cspv1.GetKeyResponse{Status: st}
	case cspv1.MethodListKeys:
		return &cspv1.ListKeysResponse{Status: st}
	case cspv1.MethodDeleteKey:
		return &cspv1.DeleteKeyResponse{Status: st}
	case cspv1.MethodEncryptData:
		return &cspv1.EncryptDataResponse{Status: st}
	case cspv1.MethodDecryptData:
		return &cspv1.DecryptDataResponse{Status: st}
	case cspv1.MethodHealth:
		return &cspv1.HealthResponse{Status: st}
	default:
		return nil
	}
}
