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

// Package grpc is the in-memory reference implementation of the
// supacrypt.v1.SupacryptService backend.
//
// It holds software RSA and ECDSA keys in process memory and is meant for
// tests and local development of the provider. Key material never leaves the
// process; only public keys are returned to callers.
//
// Business failures are reported in the response Status with a nil gRPC
// error. gRPC status errors are reserved for transport-level conditions such
// as panics caught by the recovery interceptor.
//
// Example usage:
//
//	srv, err := grpc.NewServer(&grpc.ServerConfig{
//	    Address:        "127.0.0.1:50051",
//	    Logger:         log,
//	    EnableLogging:  true,
//	    EnableRecovery: true,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
package grpc
