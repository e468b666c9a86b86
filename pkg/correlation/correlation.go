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

// Package correlation carries a per-call correlation ID from the provider
// entry point, through the RPC client, into the backend logs.
package correlation

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type contextKey struct{}

const (
	// MetadataKey is the gRPC metadata key carrying the correlation ID.
	MetadataKey = "x-correlation-id"

	// RequestIDMetadataKey is accepted as a fallback on incoming calls.
	RequestIDMetadataKey = "x-request-id"

	// HTTPHeader is used by the backend's HTTP endpoints.
	HTTPHeader = "X-Correlation-ID"
)

// WithID returns a context carrying id.
func WithID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the correlation ID in ctx, or "".
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// NewID returns a fresh UUID v4.
func NewID() string {
	return uuid.New().String()
}

// Ensure returns ctx unchanged when it already has an ID, otherwise a child
// context with a new one. The ID in effect is returned as well.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithID(ctx, id), id
}

// Outgoing attaches the context's correlation ID to outgoing gRPC metadata,
// generating one first if needed.
func Outgoing(ctx context.Context) (context.Context, string) {
	ctx, id := Ensure(ctx)
	return metadata.AppendToOutgoingContext(ctx, MetadataKey, id), id
}

// FromIncoming extracts the correlation ID from incoming gRPC metadata.
func FromIncoming(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(MetadataKey); len(v) > 0 && v[0] != "" {
		return v[0]
	}
	if v := md.Get(RequestIDMetadataKey); len(v) > 0 && v[0] != "" {
		return v[0]
	}
	return ""
}

// UnaryServerInterceptor stores the caller's correlation ID in the handler
// context, generating one when absent, and echoes it in the response header.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := FromIncoming(ctx)
		if id == "" {
			id = NewID()
		}
		ctx = WithID(ctx, id)
		_ = grpc.SetHeader(ctx, metadata.Pairs(MetadataKey, id))
		return handler(ctx, req)
	}
}
