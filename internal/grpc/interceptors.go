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
	"context"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
	"github.com/jeremyhahn/go-keychain-csp/pkg/logging"
)

type statusCarrier interface {
	GetStatus() cspv1.Status
}

// loggingUnaryInterceptor logs each call with both its transport code and
// the business status of the response.
func (s *Server) loggingUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()
	log := logging.FromContext(ctx, s.logger)
	log.Debug("RPC started", logging.String("method", info.FullMethod))

	resp, err := handler(ctx, req)

	fields := []logging.Field{
		logging.String("method", info.FullMethod),
		logging.Duration("duration", time.Since(start)),
		logging.String("code", status.Code(err).String()),
	}
	if sc, ok := resp.(statusCarrier); ok && err == nil {
		fields = append(fields, logging.String("status", sc.GetStatus().Code.String()))
	}
	if err != nil {
		log.Warn("RPC failed", append(fields, logging.Err(err))...)
	} else {
		log.Info("RPC completed", fields...)
	}
	return resp, err
}

// recoveryUnaryInterceptor turns a handler panic into codes.Internal.
func (s *Server) recoveryUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx, s.logger).Error("Recovered from panic",
				logging.String("method", info.FullMethod),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())))
			resp = nil
			err = status.Errorf(codes.Internal, "internal server error")
		}
	}()
	return handler(ctx, req)
}
