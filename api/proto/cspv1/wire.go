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
	"bytes"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// encoder appends proto3 fields. Zero scalars are omitted.
type encoder struct {
	b   []byte
	err error
}

func (e *encoder) varint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) int32(num protowire.Number, v int32) {
	e.varint(num, uint64(int64(v)))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	e.varint(num, protowire.EncodeBool(v))
}

func (e *encoder) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, v)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

// message always writes the field, even when the body is empty.
func (e *encoder) message(num protowire.Number, body []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, body)
}

// labels writes a map<string, string> as entries sorted by key.
func (e *encoder) labels(num protowire.Number, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry encoder
		entry.string(1, k)
		entry.string(2, m[k])
		e.message(num, entry.b)
	}
}

func (e *encoder) timestamp(num protowire.Number, ts *timestamppb.Timestamp) {
	if ts == nil || e.err != nil {
		return
	}
	body, err := proto.Marshal(ts)
	if err != nil {
		e.err = err
		return
	}
	e.message(num, body)
}

func (e *encoder) status(num protowire.Number, s Status) {
	var body encoder
	body.int32(1, int32(s.Code))
	body.string(2, s.Message)
	body.string(3, s.Details)
	e.message(num, body.b)
}

func (e *encoder) key(num protowire.Number, k *KeyMetadata) {
	if k == nil || e.err != nil {
		return
	}
	body, err := k.MarshalBinary()
	if err != nil {
		e.err = err
		return
	}
	e.message(num, body)
}

func (e *encoder) result() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.b, nil
}

// field is one decoded field. raw aliases the input buffer.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	raw []byte
}

// decoder reads fields and keeps the first error.
type decoder struct {
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) expect(f field, typ protowire.Type) bool {
	if f.typ != typ {
		d.fail(fmt.Errorf("cspv1: field %d has wire type %d, want %d", f.num, f.typ, typ))
		return false
	}
	return true
}

func (d *decoder) int32(f field) int32 {
	if !d.expect(f, protowire.VarintType) {
		return 0
	}
	return int32(f.v)
}

func (d *decoder) bool(f field) bool {
	if !d.expect(f, protowire.VarintType) {
		return false
	}
	return protowire.DecodeBool(f.v)
}

func (d *decoder) string(f field) string {
	if !d.expect(f, protowire.BytesType) {
		return ""
	}
	return string(f.raw)
}

// bytes copies the value; gRPC may reuse the receive buffer.
func (d *decoder) bytes(f field) []byte {
	if !d.expect(f, protowire.BytesType) {
		return nil
	}
	return bytes.Clone(f.raw)
}

func (d *decoder) label(f field, m *map[string]string) {
	if !d.expect(f, protowire.BytesType) {
		return
	}
	var k, v string
	d.fail(decodeFields(f.raw, func(d *decoder, f field) {
		switch f.num {
		case 1:
			k = d.string(f)
		case 2:
			v = d.string(f)
		}
	}))
	if *m == nil {
		*m = make(map[string]string)
	}
	(*m)[k] = v
}

func (d *decoder) timestamp(f field) *timestamppb.Timestamp {
	if !d.expect(f, protowire.BytesType) {
		return nil
	}
	ts := &timestamppb.Timestamp{}
	if err := proto.Unmarshal(f.raw, ts); err != nil {
		d.fail(err)
		return nil
	}
	return ts
}

func (d *decoder) status(f field) Status {
	var s Status
	if !d.expect(f, protowire.BytesType) {
		return s
	}
	d.fail(decodeFields(f.raw, func(d *decoder, f field) {
		switch f.num {
		case 1:
			s.Code = ErrorCode(d.int32(f))
		case 2:
			s.Message = d.string(f)
		case 3:
			s.Details = d.string(f)
		}
	}))
	return s
}

func (d *decoder) key(f field) *KeyMetadata {
	if !d.expect(f, protowire.BytesType) {
		return nil
	}
	k := &KeyMetadata{}
	d.fail(k.UnmarshalBinary(f.raw))
	return k
}

// decodeFields calls set for each field of b. Unknown fields are skipped.
func decodeFields(b []byte, set func(d *decoder, f field)) error {
	d := &decoder{}
	for len(b) > 0 && d.err == nil {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ == protowire.VarintType || typ == protowire.BytesType {
			set(d, f)
		}
	}
	return d.err
}

// MarshalBinary encodes the key in the protobuf wire format.
func (m *KeyMetadata) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, m.KeyID)
	e.string(2, m.Name)
	e.int32(3, int32(m.Algorithm))
	e.int32(4, m.KeySize)
	e.int32(5, int32(m.Usage))
	e.bool(6, m.Exportable)
	e.labels(7, m.Labels)
	e.bytes(8, m.PublicKey)
	e.timestamp(9, m.CreatedAt)
	return e.result()
}

func (m *KeyMetadata) UnmarshalBinary(b []byte) error {
	*m = KeyMetadata{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			m.KeyID = d.string(f)
		case 2:
			m.Name = d.string(f)
		case 3:
			m.Algorithm = KeyAlgorithm(d.int32(f))
		case 4:
			m.KeySize = d.int32(f)
		case 5:
			m.Usage = KeyUsage(d.int32(f))
		case 6:
			m.Exportable = d.bool(f)
		case 7:
			d.label(f, &m.Labels)
		case 8:
			m.PublicKey = d.bytes(f)
		case 9:
			m.CreatedAt = d.timestamp(f)
		}
	})
}

func (m *GenerateKeyRequest) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, m.Name)
	e.int32(2, int32(m.Algorithm))
	e.int32(3, m.KeySize)
	e.int32(4, int32(m.Usage))
	e.bool(5, m.Exportable)
	e.labels(6, m.Labels)
	e.string(7, m.RequestID)
	return e.result()
}

func (m *GenerateKeyRequest) UnmarshalBinary(b []byte) error {
	*m = GenerateKeyRequest{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			m.Name = d.string(f)
		case 2:
			m.Algorithm = KeyAlgorithm(d.int32(f))
		case 3:
			m.KeySize = d.int32(f)
		case 4:
			m.Usage = KeyUsage(d.int32(f))
		case 5:
			m.Exportable = d.bool(f)
		case 6:
			d.label(f, &m.Labels)
		case 7:
			m.RequestID = d.string(f)
		}
	})
}

func (m *GenerateKeyResponse) MarshalBinary() ([]byte, error) {
	var e encoder
	e.status(1, m.Status)
	e.key(2, m.Key)
	return e.result()
}

func (m *GenerateKeyResponse) UnmarshalBinary(b []byte) error {
	*m = GenerateKeyResponse{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			m.Status = d.status(f)
		case 2:
			m.Key = d.key(f)
		}
	})
}

func (m *SignDataRequest) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, m.KeyID)
	e.bytes(2, m.Data)
	e.int32(3, int32(m.HashAlgorithm))
	e.bool(4, m.IsPrehashed)
	return e.result()
}

func (m *SignDataRequest) UnmarshalBinary(b []byte) error {
	*m = SignDataRequest{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			m.KeyID = d.string(f)
		case 2:
			m.Data = d.bytes(f)
		case 3:
			m.HashAlgorithm = HashAlgorithm(d.int32(f))
		case 4:
			m.IsPrehashed = d.bool(f)
		}
	})
}

func (m *SignDataResponse) MarshalBinary() ([]byte, error) {
	var e encoder
	e.status(1, m.Status)
	e.bytes(2, m.Signature)
	return e.result()
}

func (m *SignDataResponse) UnmarshalBinary(b []byte) error {
	*m = SignDataResponse{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			m.Status = d.status(f)
		case 2:
			m.Signature = d.bytes(f)
		}
	})
}

func (m *VerifySignatureRequest) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, m.KeyID)
	e.bytes(2, m.Data)
	e.bytes(3, m.Signature)
	e.int32(4, int32(m.HashAlgorithm))
	e.bool(5, m.IsPrehashed)
	return e.result()
}

func (m *VerifySignatureRequest) UnmarshalBinary(b []byte) error {
	*m = VerifySignatureRequest{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			m.KeyID = d.string(f)
		case 2:
			m.Data = d.bytes(f)
		case 3:
			m.Signature = d.bytes(f)
		case 4:
			m.HashAlgorithm = HashAlgorithm(d.int32(f))
		case 5:
			m.IsPrehashed = d.bool(f)
		}
	})
}

func (m *VerifySignatureResponse) MarshalBinary() ([]byte, error) {
	var e encoder
	e.status(1, m.Status)
	e.bool(2, m.Valid)
	return e.result()
}

func (m *VerifySignatureResponse) UnmarshalBinary(b []byte) error {
	*m = VerifySignatureResponse{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			m.Status = d.status(f)
		case 2:
			m.Valid = d.bool(f)
		}
	})
}

func (m *GetKeyRequest) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, m.KeyID)
	return e.result()
}

func (m *GetKeyRequest) UnmarshalBinary(b []byte) error {
	*m = GetKeyRequest{}
	return decodeFields(b, func(d *decoder, f field) {
		if f.num == 1 {
			m.KeyID = d.string(f)
		}
	})
}

func (m *GetKeyResponse) MarshalBinary() ([]byte, error) {
	var e encoder
	e.status(1, m.Status)
	e.key(2, m.Key)
	return e.result()
}

func (m *GetKeyResponse) UnmarshalBinary(b []byte) error {
	*m = GetKeyResponse{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			m.Status = d.status(f)
		case 2:
			m.Key = d.key(f)
		}
	})
}

func (m *ListKeysRequest) MarshalBinary() ([]byte, error) {
	var e encoder
	e.labels(1, m.Labels)
	e.int32(2, m.PageSize)
	e.string(3, m.PageToken)
	return e.result()
}

func (m *ListKeysRequest) UnmarshalBinary(b []byte) error {
	*m = ListKeysRequest{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			d.label(f, &m.Labels)
		case 2:
			m.PageSize = d.int32(f)
		case 3:
			m.PageToken = d.string(f)
		}
	})
}

func (m *ListKeysResponse) MarshalBinary() ([]byte, error) {
	var e encoder
	e.status(1, m.Status)
	for _, k := range m.Keys {
		if k == nil {
			e.message(2, nil)
			continue
		}
		e.key(2, k)
	}
	e.string(3, m.NextPageToken)
	return e.result()
}

func (m *ListKeysResponse) UnmarshalBinary(b []byte) error {
	*m = ListKeysResponse{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			m.Status = d.status(f)
		case 2:
			if k := d.key(f); k != nil {
				m.Keys = append(m.Keys, k)
			}
		case 3:
			m.NextPageToken = d.string(f)
		}
	})
}

func (m *DeleteKeyRequest) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, m.KeyID)
	return e.result()
}

func (m *DeleteKeyRequest) UnmarshalBinary(b []byte) error {
	*m = DeleteKeyRequest{}
	return decodeFields(b, func(d *decoder, f field) {
		if f.num == 1 {
			m.KeyID = d.string(f)
		}
	})
}

func (m *DeleteKeyResponse) MarshalBinary() ([]byte, error) {
	var e encoder
	e.status(1, m.Status)
	return e.result()
}

func (m *DeleteKeyResponse) UnmarshalBinary(b []byte) error {
	*m = DeleteKeyResponse{}
	return decodeFields(b, func(d *decoder, f field) {
		if f.num == 1 {
			m.Status = d.status(f)
		}
	})
}

func (m *EncryptDataRequest) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, m.KeyID)
	e.bytes(2, m.Plaintext)
	e.int32(3, int32(m.Padding))
	return e.result()
}

func (m *EncryptDataRequest) UnmarshalBinary(b []byte) error {
	*m = EncryptDataRequest{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			m.KeyID = d.string(f)
		case 2:
			m.Plaintext = d.bytes(f)
		case 3:
			m.Padding = Padding(d.int32(f))
		}
	})
}

func (m *EncryptDataResponse) MarshalBinary() ([]byte, error) {
	var e encoder
	e.status(1, m.Status)
	e.bytes(2, m.Ciphertext)
	return e.result()
}

func (m *EncryptDataResponse) UnmarshalBinary(b []byte) error {
	*m = EncryptDataResponse{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			m.Status = d.status(f)
		case 2:
			m.Ciphertext = d.bytes(f)
		}
	})
}

func (m *DecryptDataRequest) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, m.KeyID)
	e.bytes(2, m.Ciphertext)
	e.int32(3, int32(m.Padding))
	return e.result()
}

func (m *DecryptDataRequest) UnmarshalBinary(b []byte) error {
	*m = DecryptDataRequest{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			m.KeyID = d.string(f)
		case 2:
			m.Ciphertext = d.bytes(f)
		case 3:
			m.Padding = Padding(d.int32(f))
		}
	})
}

func (m *DecryptDataResponse) MarshalBinary() ([]byte, error) {
	var e encoder
	e.status(1, m.Status)
	e.bytes(2, m.Plaintext)
	return e.result()
}

func (m *DecryptDataResponse) UnmarshalBinary(b []byte) error {
	*m = DecryptDataResponse{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			m.Status = d.status(f)
		case 2:
			m.Plaintext = d.bytes(f)
		}
	})
}

func (m *HealthRequest) MarshalBinary() ([]byte, error) {
	return nil, nil
}

func (m *HealthRequest) UnmarshalBinary(b []byte) error {
	*m = HealthRequest{}
	return decodeFields(b, func(*decoder, field) {})
}

func (m *HealthResponse) MarshalBinary() ([]byte, error) {
	var e encoder
	e.status(1, m.Status)
	e.bool(2, m.Serving)
	e.string(3, m.Version)
	return e.result()
}

func (m *HealthResponse) UnmarshalBinary(b []byte) error {
	*m = HealthResponse{}
	return decodeFields(b, func(d *decoder, f field) {
		switch f.num {
		case 1:
			m.Status = d.status(f)
		case 2:
			m.Serving = d.bool(f)
		case 3:
			m.Version = d.string(f)
		}
	})
}
