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

// Package cspv1 defines the backend RPC contract spoken between the CSP
// provider and the remote key service.
//
// The service is registered under the name "supacrypt.v1.SupacryptService".
// Every response carries a Status whose ErrorCode is independent of the gRPC
// transport status: a call can succeed at the transport level and still fail
// with a business error such as ErrorCodeKeyNotFound.
//
// Messages are plain Go structs that encode themselves in the protobuf wire
// format described by supacrypt.proto in this directory. Codec adapts them to
// gRPC under the standard "proto" content subtype, so peers built from the
// .proto file interoperate with this package.
package cspv1
