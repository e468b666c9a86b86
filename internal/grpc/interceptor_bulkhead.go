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
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/bulkhead"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ConcurrencyLimitInterceptor admits at most limit calls at a time. A call
// that cannot get a slot within wait fails with ResourceExhausted, which
// clients treat as a busy backend.
func ConcurrencyLimitInterceptor(limit uint, wait time.Duration) grpc.UnaryServerInterceptor {
	bh := bulkhead.Builder[any](limit).
		WithMaxWaitTime(wait).
		Build()
	executor := failsafe.NewExecutor[any](bh)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := executor.WithContext(ctx).Get(func() (any, error) {
			return handler(ctx, req)
		})
		if errors.Is(err, bulkhead.ErrFull) {
			return nil, status.Errorf(codes.ResourceExhausted, "too many concurrent requests")
		}
		return resp, err
	}
}
