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

package pool

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// NewGRPCDialer returns a DialFunc that opens a gRPC channel to
// cfg.Address and waits until it is READY. Credentials are built once.
func NewGRPCDialer(cfg Config, extra ...grpc.DialOption) (DialFunc, error) {
	creds, err := cfg.TLS.TransportCredentials()
	if err != nil {
		return nil, fmt.Errorf("pool: load tls credentials: %w", err)
	}
	opts := make([]grpc.DialOption, 0, len(extra)+2)
	opts = append(opts,
		grpc.WithTransportCredentials(creds),
		grpc.WithUserAgent("go-keychain-csp"),
	)
	opts = append(opts, extra...)
	address := cfg.Address

	return func(ctx context.Context) (ClientConn, error) {
		cc, err := grpc.NewClient(address, opts...)
		if err != nil {
			return nil, err
		}
		if err := waitReady(ctx, cc); err != nil {
			_ = cc.Close()
			return nil, fmt.Errorf("connect %s: %w", address, err)
		}
		return cc, nil
	}, nil
}

func waitReady(ctx context.Context, cc *grpc.ClientConn) error {
	cc.Connect()
	for {
		state := cc.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("channel state %s", state)
		}
		if !cc.WaitForStateChange(ctx, state) {
			return fmt.Errorf("channel state %s: %w", state, ctx.Err())
		}
	}
}
