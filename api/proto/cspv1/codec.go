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

package cspv1

import (
	stdencoding "encoding"
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the gRPC content-subtype used for all SupacryptService calls.
const CodecName = "proto"

// wireCodec speaks the protobuf wire format. Messages of this package encode
// themselves; generated protobuf messages go through proto.Marshal, so the
// codec can serve a whole server.
type wireCodec struct{}

// Codec returns the codec the client stub and the reference server force on
// every call.
func Codec() encoding.Codec {
	return wireCodec{}
}

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case stdencoding.BinaryMarshaler:
		return m.MarshalBinary()
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("cspv1: cannot marshal %T", v)
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case stdencoding.BinaryUnmarshaler:
		return m.UnmarshalBinary(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("cspv1: cannot unmarshal into %T", v)
}

func (wireCodec) Name() string {
	return CodecName
}
