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

package rpcclient_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
	"github.com/jeremyhahn/go-keychain-csp/internal/testutil"
	"github.com/jeremyhahn/go-keychain-csp/pkg/breaker"
	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
	"github.com/jeremyhahn/go-keychain-csp/pkg/pool"
	"github.com/jeremyhahn/go-keychain-csp/pkg/rpcclient"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClient(t *testing.T, b *testutil.Backend, opts ...rpcclient.Option) *rpcclient.Client {
	t.Helper()
	cfg := rpcclient.DefaultConfig()
	cfg.Pool = b.PoolConfig()
	cfg.RequestTimeout = 5 * time.Second
	all := append([]rpcclient.Option{rpcclient.WithDialOptions(b.DialOptions()...)}, opts...)
	c, err := rpcclient.New(cfg, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func tripConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: 3,
		OpenDuration:     time.Minute,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 0.5,
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := rpcclient.New(rpcclient.DefaultConfig(), rpcclient.WithRequestTimeout(0))
	assert.ErrorIs(t, err, rpcclient.ErrInvalidConfig)

	_, err = rpcclient.New(rpcclient.DefaultConfig(), rpcclient.WithRateLimit(0, 1))
	assert.ErrorIs(t, err, rpcclient.ErrInvalidConfig)
}

func TestNewOpensNoConnection(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b)
	assert.Equal(t, 0, b.Dials())
	assert.Equal(t, 0, c.PoolStats().Total)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b)
	ctx := context.Background()

	key, err := c.GenerateKey(ctx, rpcclient.KeySpec{Name: "signer", Algorithm: cspv1.KeyAlgorithmECDSAP256})
	require.NoError(t, err)

	data := []byte("the quick brown fox")
	sig, err := c.SignData(ctx, key.KeyID, data, cspv1.HashAlgorithmSHA256, false)
	require.NoError(t, err)

	valid, err := c.VerifySignature(ctx, key.KeyID, data, sig, cspv1.HashAlgorithmSHA256, false)
	require.NoError(t, err)
	assert.True(t, valid)

	flipped := append([]byte(nil), data...)
	flipped[0] ^= 0x01
	valid, err = c.VerifySignature(ctx, key.KeyID, flipped, sig, cspv1.HashAlgorithmSHA256, false)
	require.NoError(t, err)
	assert.False(t, valid)

	stats := c.Stats()
	assert.Equal(t, uint64(4), stats.TotalRequests)
	assert.Equal(t, uint64(4), stats.SuccessfulRequests)
	assert.Equal(t, 1, b.Dials(), "sequential calls reuse one connection")
	assert.Equal(t, uint64(3), c.PoolStats().Reused)
}

func TestEncryptDecryptAndKeyLifecycle(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b)
	ctx := context.Background()

	key, err := c.GenerateKey(ctx, rpcclient.KeySpec{
		Algorithm: cspv1.KeyAlgorithmRSA,
		KeySize:   1024,
		Usage:     cspv1.KeyUsageSignEncrypt,
		Labels:    map[string]string{"app": "csp"},
	})
	require.NoError(t, err)

	ct, err := c.EncryptData(ctx, key.KeyID, []byte("secret"), cspv1.PaddingOAEP)
	require.NoError(t, err)
	pt, err := c.DecryptData(ctx, key.KeyID, ct, cspv1.PaddingOAEP)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)

	page, err := c.ListKeys(ctx, rpcclient.ListOptions{Labels: map[string]string{"app": "csp"}})
	require.NoError(t, err)
	require.Len(t, page.Keys, 1)
	assert.Equal(t, key.KeyID, page.Keys[0].KeyID)

	got, err := c.GetKey(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int32(1024), got.KeySize)

	require.NoError(t, c.DeleteKey(ctx, key.KeyID))
	_, err = c.GetKey(ctx, key.KeyID)
	assert.ErrorIs(t, err, csperr.ErrKeyNotFound)
	assert.Equal(t, csperr.KindBackend, csperr.KindOf(err))
}

func TestGenerateKeyRequestIDIsIdempotent(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b)
	ctx := context.Background()
	spec := rpcclient.KeySpec{RequestID: "fixed-request", Name: "once", Algorithm: cspv1.KeyAlgorithmECDSAP256}

	first, err := c.GenerateKey(ctx, spec)
	require.NoError(t, err)
	second, err := c.GenerateKey(ctx, spec)
	require.NoError(t, err)

	assert.Equal(t, first.KeyID, second.KeyID)
	assert.Equal(t, 1, b.Service.Len())
}

func TestValidationNeverReachesNetwork(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b)
	ctx := context.Background()

	_, err := c.SignData(ctx, "", []byte("x"), cspv1.HashAlgorithmSHA256, false)
	assert.ErrorIs(t, err, csperr.ErrInvalidParameter)
	assert.Equal(t, csperr.KindValidation, csperr.KindOf(err))

	_, err = c.GenerateKey(ctx, rpcclient.KeySpec{})
	assert.ErrorIs(t, err, csperr.ErrBadAlgorithm)

	_, err = c.ListKeys(ctx, rpcclient.ListOptions{PageSize: -1})
	assert.ErrorIs(t, err, csperr.ErrInvalidParameter)

	_, err = c.GetKey(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, csperr.ErrInvalidParameter)

	_, err = c.GenerateKey(ctx, rpcclient.KeySpec{Algorithm: cspv1.KeyAlgorithmECDSAP256, Labels: map[string]string{"bad key": "x"}})
	assert.ErrorIs(t, err, csperr.ErrInvalidParameter)

	_, err = c.ListKeys(ctx, rpcclient.ListOptions{Labels: map[string]string{"env": "a\nb"}})
	assert.ErrorIs(t, err, csperr.ErrInvalidParameter)

	assert.Zero(t, b.Calls())
	assert.Zero(t, b.Dials())
	assert.Zero(t, c.Stats().TotalRequests)
}

func TestTransportFaultsTripBreaker(t *testing.T) {
	b := testutil.NewBackend(t)
	var transitions []string
	var mu sync.Mutex
	c := newClient(t, b,
		rpcclient.WithBreakerConfig(tripConfig()),
		rpcclient.WithStateChangeHook(func(from, to breaker.State) {
			mu.Lock()
			transitions = append(transitions, from.String()+">"+to.String())
			mu.Unlock()
		}))
	ctx := context.Background()

	b.Faults.FailNext(3, codes.Unavailable)
	for i := 0; i < 3; i++ {
		_, err := c.Health(ctx)
		require.Error(t, err)
		assert.Equal(t, csperr.KindTransport, csperr.KindOf(err))
		assert.ErrorIs(t, err, csperr.ErrNetwork)
	}
	assert.Equal(t, breaker.StateOpen, c.BreakerState())

	// Every faulted connection was discarded and never handed out again.
	ps := c.PoolStats()
	assert.Equal(t, uint64(3), ps.Discarded)
	assert.Equal(t, 0, ps.Total)
	assert.Equal(t, 3, b.Dials())

	_, err := c.Health(ctx)
	assert.ErrorIs(t, err, csperr.ErrCircuitOpen)
	assert.Equal(t, csperr.KindAdmission, csperr.KindOf(err))
	assert.Equal(t, 3, b.Calls(), "open breaker must not reach the backend")
	assert.Equal(t, 3, b.Dials(), "open breaker must not touch the pool")
	assert.Equal(t, uint64(1), c.Stats().CircuitBreakerRejects)

	mu.Lock()
	assert.Equal(t, []string{"CLOSED>OPEN"}, transitions)
	mu.Unlock()
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := testutil.NewBackend(t)
	clk := newClock()
	c := newClient(t, b, rpcclient.WithBreakerConfig(tripConfig()), rpcclient.WithClock(clk.Now))
	ctx := context.Background()

	b.Faults.FailNext(3, codes.Internal)
	for i := 0; i < 3; i++ {
		_, _ = c.Health(ctx)
	}
	require.Equal(t, breaker.StateOpen, c.BreakerState())

	clk.Advance(30 * time.Second)
	_, err := c.Health(ctx)
	assert.ErrorIs(t, err, csperr.ErrCircuitOpen)

	clk.Advance(31 * time.Second)
	resp, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Serving)
	assert.Equal(t, breaker.StateClosed, c.BreakerState())
}

func TestBusinessErrorsKeepBreakerClosed(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b, rpcclient.WithBreakerConfig(tripConfig()))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.GetKey(ctx, "missing")
		assert.ErrorIs(t, err, csperr.ErrKeyNotFound)
	}
	assert.Equal(t, breaker.StateClosed, c.BreakerState())
	assert.Zero(t, c.BreakerSnapshot().ConsecutiveFailures)
	assert.Zero(t, c.PoolStats().Discarded)
	assert.Equal(t, 1, b.Dials())
	assert.Equal(t, uint64(5), c.Stats().BackendErrors)
}

func TestBackendFaultStatusTripsBreakerButKeepsConnection(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b, rpcclient.WithBreakerConfig(tripConfig()))
	ctx := context.Background()

	b.Faults.RejectNext(3, cspv1.ErrorCodeServiceUnavailable)
	for i := 0; i < 3; i++ {
		_, err := c.Health(ctx)
		assert.Equal(t, csperr.ProviderDllFail, csperr.CodeOf(err))
		assert.Equal(t, csperr.KindBackend, csperr.KindOf(err))
	}
	assert.Equal(t, breaker.StateOpen, c.BreakerState())
	assert.Zero(t, c.PoolStats().Discarded)
	assert.Equal(t, 1, b.Dials())
}

func TestClientCausedStatusDoesNotTrip(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b, rpcclient.WithBreakerConfig(tripConfig()))

	b.Faults.FailNext(5, codes.InvalidArgument)
	for i := 0; i < 5; i++ {
		_, err := c.Health(context.Background())
		assert.ErrorIs(t, err, csperr.ErrInvalidParameter)
	}
	assert.Equal(t, breaker.StateClosed, c.BreakerState())
	assert.Zero(t, c.PoolStats().Discarded)
}

func TestRequestTimeoutDiscardsConnection(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b, rpcclient.WithRequestTimeout(50*time.Millisecond))
	b.Faults.SetDelay(2 * time.Second)

	_, err := c.Health(context.Background())
	assert.ErrorIs(t, err, csperr.ErrTimeout)
	assert.Equal(t, csperr.KindTransport, csperr.KindOf(err))
	assert.Equal(t, uint64(1), c.PoolStats().Discarded)
	assert.Equal(t, 1, c.BreakerSnapshot().ConsecutiveFailures)
}

func TestCallerCancellationIsNeutral(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b)
	_, err := c.Health(context.Background())
	require.NoError(t, err)

	b.Faults.SetDelay(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Health(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return b.Calls() == 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, csperr.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("call did not return after cancel")
	}
	assert.Zero(t, c.BreakerSnapshot().ConsecutiveFailures)
	assert.Zero(t, c.PoolStats().Discarded)
}

func TestPoolExhaustionFailsFast(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b, rpcclient.WithMaxConnections(1), rpcclient.WithBreakerConfig(tripConfig()))
	b.Faults.SetDelay(300 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := c.Health(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return b.Calls() == 1 }, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err := c.Health(context.Background())
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.ErrorIs(t, err, csperr.ErrPoolExhausted)
	assert.Equal(t, csperr.KindAdmission, csperr.KindOf(err))

	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), c.Stats().PoolExhausted)
	assert.Equal(t, breaker.StateClosed, c.BreakerState())
	assert.Zero(t, c.BreakerSnapshot().ConsecutiveFailures)
}

func TestThrottle(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b, rpcclient.WithRateLimit(0.001, 1))

	_, err := c.Health(context.Background())
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	assert.ErrorIs(t, err, csperr.ErrThrottled)
	assert.Equal(t, uint64(1), c.Stats().Throttled)
	assert.Equal(t, 1, b.Calls())
}

func TestDialFailureCountsAgainstBreaker(t *testing.T) {
	cfg := rpcclient.DefaultConfig()
	cfg.Pool.TLS.Enabled = false
	dialErr := errors.New("connection refused")
	c, err := rpcclient.New(cfg, rpcclient.WithDialer(func(ctx context.Context) (pool.ClientConn, error) {
		return nil, dialErr
	}))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Health(context.Background())
	assert.ErrorIs(t, err, csperr.ErrUnavailable)
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, 1, c.BreakerSnapshot().ConsecutiveFailures)
	assert.Equal(t, uint64(1), c.PoolStats().DialFailures)
}

func TestClosedClient(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b)
	require.NoError(t, c.Close())

	_, err := c.Health(context.Background())
	assert.ErrorIs(t, err, csperr.ErrUnavailable)
	assert.Zero(t, b.Calls())
}

func TestResetCircuitBreaker(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b, rpcclient.WithBreakerConfig(tripConfig()))

	b.Faults.FailNext(3, codes.Unavailable)
	for i := 0; i < 3; i++ {
		_, _ = c.Health(context.Background())
	}
	require.Equal(t, breaker.StateOpen, c.BreakerState())

	c.ResetCircuitBreaker()
	assert.Equal(t, breaker.StateClosed, c.BreakerState())
	_, err := c.Health(context.Background())
	assert.NoError(t, err)
}

func TestConcurrentCallsRespectMaxConnections(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClient(t, b, rpcclient.WithMaxConnections(4))
	b.Faults.SetDelay(20 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Health(context.Background())
			if err != nil {
				assert.ErrorIs(t, err, csperr.ErrPoolExhausted)
			}
		}()
	}
	wg.Wait()

	ps := c.PoolStats()
	assert.LessOrEqual(t, ps.Total, 4)
	assert.LessOrEqual(t, b.Dials(), 4)
	stats := c.Stats()
	assert.Equal(t, uint64(16), stats.TotalRequests)
	assert.Equal(t, stats.TotalRequests, stats.SuccessfulRequests+stats.PoolExhausted)
}
