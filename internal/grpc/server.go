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
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
	"github.com/jeremyhahn/go-keychain-csp/pkg/correlation"
	"github.com/jeremyhahn/go-keychain-csp/pkg/logging"
	"github.com/jeremyhahn/go-keychain-csp/pkg/metrics"
)

const stopTimeout = 30 * time.Second

// ErrServerClosed is returned by Start and Serve after Stop.
var ErrServerClosed = errors.New("grpc: server closed")

// ServerConfig contains configuration for the backend gRPC server.
type ServerConfig struct {
	// Address is the TCP listen address used by Start. ":0" picks a free port.
	Address string

	// TLSConfig enables TLS when set.
	TLSConfig *tls.Config

	// Credentials replace TLSConfig when set.
	Credentials credentials.TransportCredentials

	// Service is the key service to expose. A fresh one is created when nil.
	Service *Service

	Logger         logging.Logger
	EnableLogging  bool
	EnableRecovery bool

	// Interceptors run after the built-in chain, closest to the handler.
	Interceptors []grpc.UnaryServerInterceptor
}

// Server wraps the gRPC server with lifecycle management.
type Server struct {
	service *Service
	grpcSrv *grpc.Server
	address string
	logger  logging.Logger

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// NewServer builds the server and registers the key service. Nothing listens
// until Start or Serve.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server config is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewNop()
	}
	service := cfg.Service
	if service == nil {
		service = NewService()
	}

	s := &Server{
		service: service,
		address: cfg.Address,
		logger:  log.With(logging.String("component", "backend")),
	}

	// Correlation first so every later interceptor sees the ID.
	unary := []grpc.UnaryServerInterceptor{
		correlation.UnaryServerInterceptor(),
		metrics.UnaryServerInterceptor(),
	}
	if cfg.EnableLogging {
		unary = append(unary, s.loggingUnaryInterceptor)
	}
	if cfg.EnableRecovery {
		unary = append(unary, s.recoveryUnaryInterceptor)
	}
	unary = append(unary, cfg.Interceptors...)

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(cspv1.Codec()),
		grpc.ChainUnaryInterceptor(unary...),
	}
	switch {
	case cfg.Credentials != nil:
		opts = append(opts, grpc.Creds(cfg.Credentials))
	case cfg.TLSConfig != nil:
		opts = append(opts, grpc.Creds(credentials.NewTLS(cfg.TLSConfig)))
	}
	s.grpcSrv = grpc.NewServer(opts...)
	cspv1.RegisterSupacryptServiceServer(s.grpcSrv, service)

	return s, nil
}

// Start listens on the configured address and serves until Stop. It blocks.
func (s *Server) Start() error {
	addr := s.address
	if addr == "" {
		addr = ":0"
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop. It blocks.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = lis.Close()
		return ErrServerClosed
	}
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("Starting gRPC server", logging.String("address", lis.Addr().String()))
	err := s.grpcSrv.Serve(lis)
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrServerClosed
	}
	if err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop drains in-flight calls, forcing the stop after 30 seconds. It is
// safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("Stopping gRPC server")
	done := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("gRPC server stopped gracefully")
	case <-time.After(stopTimeout):
		s.logger.Warn("Forcing gRPC server stop after timeout")
		s.grpcSrv.Stop()
	}
}

// Addr returns the listener address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Service returns the key service behind the server.
func (s *Server) Service() *Service {
	return s.service
}
