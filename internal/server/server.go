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

// Package server runs the reference key backend: the gRPC key service plus
// an HTTP listener for health checks and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
	"github.com/jeremyhahn/go-keychain-csp/internal/config"
	backend "github.com/jeremyhahn/go-keychain-csp/internal/grpc"
	"github.com/jeremyhahn/go-keychain-csp/pkg/health"
	"github.com/jeremyhahn/go-keychain-csp/pkg/logging"
	"github.com/jeremyhahn/go-keychain-csp/pkg/metrics"
	"github.com/jeremyhahn/go-keychain-csp/pkg/ratelimit"
)

const (
	shutdownTimeout   = 30 * time.Second
	collectorInterval = 15 * time.Second
	checkTimeout      = 2 * time.Second
)

// Server owns the backend listeners and their lifecycle.
type Server struct {
	config *config.Config
	mu     sync.RWMutex
	logger logging.Logger
	out    io.Writer

	service    *backend.Service
	grpcServer *backend.Server
	httpServer *http.Server
	tlsConfig  *tls.Config

	healthChecker *health.Checker
	collector     *metrics.Collector
	limiter       *ratelimit.Limiter

	grpcAddr string
	httpAddr string

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogOutput sends logs somewhere other than stderr.
func WithLogOutput(w io.Writer) Option {
	return func(s *Server) { s.out = w }
}

// WithService serves an existing key service instead of a fresh one.
func WithService(svc *backend.Service) Option {
	return func(s *Server) { s.service = svc }
}

// New builds the server. Nothing listens until Start.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: config is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		out:        os.Stderr,
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	logger, err := cfg.Logger(s.out)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	s.logger = logger

	if s.service == nil {
		s.service = backend.NewService()
	}

	s.tlsConfig, err = cfg.Server.TLS.LoadTLSConfig()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load TLS configuration: %w", err)
	}
	creds, err := cfg.Server.TLS.ServerCredentials()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
	}

	var interceptors []grpc.UnaryServerInterceptor
	if cfg.Server.RateLimit.Enabled {
		s.limiter = ratelimit.New(cfg.Server.RateLimit)
		interceptors = append(interceptors, ratelimit.UnaryServerInterceptor(s.limiter))
	}
	if n := cfg.Server.MaxConcurrentRequests; n > 0 {
		interceptors = append(interceptors, backend.ConcurrencyLimitInterceptor(uint(n), cfg.Server.QueueTimeout))
	}

	s.grpcServer, err = backend.NewServer(&backend.ServerConfig{
		Address:        cfg.Server.Address,
		Credentials:    creds,
		Service:        s.service,
		Logger:         logger,
		EnableLogging:  cfg.Server.EnableLogging,
		EnableRecovery: cfg.Server.EnableRecovery,
		Interceptors:   interceptors,
	})
	if err != nil {
		if s.limiter != nil {
			s.limiter.Stop()
		}
		cancel()
		return nil, fmt.Errorf("failed to create gRPC server: %w", err)
	}

	s.initializeHealth()
	return s, nil
}

// initializeHealth registers the readiness checks.
func (s *Server) initializeHealth() {
	s.healthChecker = health.NewChecker()
	s.healthChecker.RegisterCheck("keystore", health.ErrorCheck("keystore", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		resp, err := s.service.Health(ctx, &cspv1.HealthRequest{})
		if err != nil {
			return err
		}
		if !resp.Serving {
			return errors.New("key service is not serving")
		}
		return nil
	}))
}

// Start opens the listeners and serves in the background.
func (s *Server) Start() error {
	s.log().Info("Starting backend server")

	grpcLis, err := net.Listen("tcp", s.config.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.Address, err)
	}
	s.mu.Lock()
	s.grpcAddr = grpcLis.Addr().String()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, backend.ErrServerClosed) {
			s.log().Error("gRPC server error", logging.Err(err))
		}
	}()

	if s.config.Metrics.Enabled {
		s.initializeMetrics()
	}

	if s.config.Server.HTTPAddress != "" {
		if err := s.startHTTP(); err != nil {
			s.grpcServer.Stop()
			return err
		}
	}

	s.healthChecker.MarkStarted()
	s.log().Info("Backend server started",
		logging.String("grpc_address", s.GRPCAddr()),
		logging.String("http_address", s.HTTPAddr()))
	return nil
}

func (s *Server) initializeMetrics() {
	metrics.Enable()
	s.collector = metrics.StartCollector(s.ctx, collectorInterval, func() {
		metrics.SetBackendKeys(s.service.Len())
	})
}

func (s *Server) startHTTP() error {
	lis, err := net.Listen("tcp", s.config.Server.HTTPAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.HTTPAddress, err)
	}
	metricsPath := ""
	if s.config.Metrics.Enabled {
		metricsPath = s.config.Metrics.Path
	}
	s.httpServer = &http.Server{
		Handler:           backend.NewHTTPHandler(s.healthChecker, s.log(), backend.WithMetricsPath(metricsPath)),
		TLSConfig:         s.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpAddr = lis.Addr().String()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if s.tlsConfig != nil {
			err = s.httpServer.ServeTLS(lis, "", "")
		} else {
			err = s.httpServer.Serve(lis)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("HTTP server error", logging.Err(err))
		}
	}()
	return nil
}

// Shutdown stops both listeners, draining in-flight calls. It is safe to
// call more than once.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		s.log().Info("Shutting down backend server")
		s.healthChecker.MarkNotStarted()
		if s.collector != nil {
			s.collector.Stop()
		}
		if s.limiter != nil {
			s.limiter.Stop()
		}
		s.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if s.httpServer != nil {
			if herr := s.httpServer.Shutdown(ctx); herr != nil {
				err = fmt.Errorf("failed to stop HTTP server: %w", herr)
			}
		}
		s.grpcServer.Stop()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.log().Warn("Shutdown timeout exceeded")
		}
		close(s.shutdownCh)
		s.log().Info("Backend server stopped")
	})
	return err
}

// WaitForShutdown blocks until Shutdown completes.
func (s *Server) WaitForShutdown() {
	<-s.shutdownCh
}

func (s *Server) log() logging.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

// GRPCAddr is the bound gRPC address, or "" before Start.
func (s *Server) GRPCAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grpcAddr
}

// HTTPAddr is the bound HTTP address, or "" when HTTP is off.
func (s *Server) HTTPAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpAddr
}

func (s *Server) Service() *backend.Service {
	return s.service
}

func (s *Server) HealthChecker() *health.Checker {
	return s.healthChecker
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalCh
		cancel()
	}()

	return ctx
}
