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

package correlation

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func TestWithID(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		id   string
	}{
		{"background", context.Background(), "abc"},
		{"nil context", nil, "def"},
		{"empty id", context.Background(), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithID(tt.ctx, tt.id)
			require.NotNil(t, ctx)
			assert.Equal(t, tt.id, FromContext(ctx))
		})
	}
}

func TestFromContext_Missing(t *testing.T) {
	assert.Empty(t, FromContext(context.Background()))
	assert.Empty(t, FromContext(nil)) //nolint:staticcheck
}

func TestEnsure(t *testing.T) {
	ctx, id := Ensure(context.Background())
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, FromContext(ctx))

	same, again := Ensure(ctx)
	assert.Equal(t, id, again)
	assert.Equal(t, ctx, same)
}

func TestOutgoing(t *testing.T) {
	ctx, id := Outgoing(WithID(context.Background(), "req-1"))
	assert.Equal(t, "req-1", id)

	md, ok := metadata.FromOutgoingContext(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"req-1"}, md.Get(MetadataKey))
}

func TestFromIncoming(t *testing.T) {
	tests := []struct {
		name string
		md   metadata.MD
		want string
	}{
		{"correlation key", metadata.Pairs(MetadataKey, "c-1"), "c-1"},
		{"request id fallback", metadata.Pairs(RequestIDMetadataKey, "r-1"), "r-1"},
		{"correlation wins", metadata.Pairs(MetadataKey, "c-2", RequestIDMetadataKey, "r-2"), "c-2"},
		{"none", metadata.MD{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := metadata.NewIncomingContext(context.Background(), tt.md)
			assert.Equal(t, tt.want, FromIncoming(ctx))
		})
	}
	assert.Empty(t, FromIncoming(context.Background()))
}

func TestUnaryServerInterceptor(t *testing.T) {
	interceptor := UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/test/Method"}

	t.Run("propagates incoming id", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKey, "in-1"))
		var seen string
		_, err := interceptor(ctx, nil, info, func(ctx context.Context, req any) (any, error) {
			seen = FromContext(ctx)
			return nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "in-1", seen)
	})

	t.Run("generates when absent", func(t *testing.T) {
		var seen string
		_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
			seen = FromContext(ctx)
			return nil, nil
		})
		require.NoError(t, err)
		_, err = uuid.Parse(seen)
		assert.NoError(t, err)
	})
}
