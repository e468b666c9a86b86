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

package provider

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"math/big"
	"strconv"

	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
	"github.com/jeremyhahn/go-keychain-csp/pkg/registry"
	"github.com/jeremyhahn/go-keychain-csp/pkg/rpcclient"
)

const (
	blobVersion   = 2
	rsaPubMagic   = 0x31415352 // "RSA1"
	blobHeaderLen = 8
	rsaPubKeyLen  = 12
)

// GenKey generates a key pair on the backend and registers it in the
// session's container. The upper 16 bits of flags carry the key size in
// bits; zero selects the default.
func (p *Provider) GenKey(ctx context.Context, prov registry.Handle, algID, flags uint32) (h registry.Handle, err error) {
	const op = "GenKey"
	defer p.observe(op, &err)

	s, err := p.session(prov)
	if err != nil {
		return 0, err
	}
	if flags&0xFFFF&^(Exportable|UserProtected) != 0 {
		return 0, badFlags(op)
	}
	t, known, sized := templateFor(algID, int(flags>>16))
	if !known {
		return 0, csperr.Validation(csperr.BadAlgorithm, op, "unsupported key algorithm").WithDetail(strconv.FormatUint(uint64(algID), 16))
	}
	if !sized {
		return 0, csperr.Validation(csperr.BadFlags, op, "unsupported key size").WithDetail(strconv.Itoa(int(flags >> 16)))
	}
	if s.Container == "" {
		return 0, csperr.Validation(csperr.Permission, op, "verification contexts hold no private keys")
	}

	meta, err := p.client.GenerateKey(ctx, rpcclient.KeySpec{
		Algorithm:  t.algorithm,
		KeySize:    t.bits,
		Usage:      t.usage,
		Exportable: flags&Exportable != 0,
		Labels: map[string]string{
			LabelContainer: s.Container,
			LabelKeySpec:   strconv.Itoa(int(t.spec)),
		},
	})
	if err != nil {
		return 0, err
	}
	return p.reg.CreateKey(prov, registry.KeyInfo{
		KeyID:      meta.KeyID,
		KeySpec:    t.spec,
		AlgID:      t.algID,
		Bits:       int(meta.KeySize),
		Exportable: meta.Exportable,
		PublicKey:  meta.PublicKey,
	})
}

// GetUserKey returns a new handle to the container's newest key of spec.
func (p *Provider) GetUserKey(ctx context.Context, prov registry.Handle, spec uint32) (h registry.Handle, err error) {
	const op = "GetUserKey"
	defer p.observe(op, &err)

	if spec != AtKeyExchange && spec != AtSignature {
		return 0, csperr.Validation(csperr.InvalidParameter, op, "unknown key spec")
	}
	k, err := p.userKey(ctx, op, prov, spec)
	if err != nil {
		return 0, err
	}
	return p.reg.DuplicateKey(k.Handle)
}

// userKey resolves the session's key of spec, loading it from the backend
// on first use.
func (p *Provider) userKey(ctx context.Context, op string, prov registry.Handle, spec uint32) (registry.Key, error) {
	s, err := p.session(prov)
	if err != nil {
		return registry.Key{}, err
	}
	k, err := p.reg.FindKey(prov, spec)
	if err == nil {
		return k, nil
	}
	if csperr.CodeOf(err) != csperr.KeyNotFound {
		return registry.Key{}, err
	}
	if s.Container == "" {
		return registry.Key{}, err
	}
	keys, err := p.listAll(ctx, map[string]string{
		LabelContainer: s.Container,
		LabelKeySpec:   strconv.Itoa(int(spec)),
	})
	if err != nil {
		return registry.Key{}, err
	}
	if len(keys) == 0 {
		return registry.Key{}, csperr.Validation(csperr.KeyNotFound, op, "container has no key of the requested spec").WithDetail(s.Container)
	}
	meta := keys[len(keys)-1]
	h, err := p.reg.CreateKey(prov, registry.KeyInfo{
		KeyID:      meta.KeyID,
		KeySpec:    spec,
		AlgID:      algIDFor(meta, spec),
		Bits:       int(meta.KeySize),
		Exportable: meta.Exportable,
		PublicKey:  meta.PublicKey,
	})
	if err != nil {
		return registry.Key{}, err
	}
	return p.reg.Key(h)
}

// DestroyKey releases a key handle. The backend key is kept.
func (p *Provider) DestroyKey(prov, key registry.Handle) (err error) {
	const op = "DestroyKey"
	defer p.observe(op, &err)

	if _, err := p.ownedKey(op, prov, key); err != nil {
		return err
	}
	return p.reg.DestroyKey(key)
}

// DuplicateKey returns a second, independent handle to the same key.
func (p *Provider) DuplicateKey(prov, key registry.Handle, flags uint32) (h registry.Handle, err error) {
	const op = "DuplicateKey"
	defer p.observe(op, &err)

	if flags != 0 {
		return 0, badFlags(op)
	}
	if _, err := p.ownedKey(op, prov, key); err != nil {
		return 0, err
	}
	return p.reg.DuplicateKey(key)
}

// ExportKey writes the public portion of key as a PUBLICKEYBLOB.
func (p *Provider) ExportKey(prov, key, expKey registry.Handle, blobType, flags uint32, out []byte) (n int, err error) {
	const op = "ExportKey"
	defer p.observe(op, &err)

	k, err := p.ownedKey(op, prov, key)
	if err != nil {
		return 0, err
	}
	if expKey != 0 {
		return 0, csperr.Validation(csperr.BadKey, op, "public key blobs are not encrypted")
	}
	if flags != 0 {
		return 0, badFlags(op)
	}
	if blobType != PublicKeyBlob {
		return 0, csperr.Validation(csperr.BadType, op, "only public key blobs can be exported")
	}
	blob, err := publicKeyBlob(op, k)
	if err != nil {
		return 0, err
	}
	return copyOut(op, out, blob)
}

// ImportKey registers the backend key whose public half is blob. Keys the
// backend does not hold cannot be imported.
func (p *Provider) ImportKey(ctx context.Context, prov registry.Handle, blob []byte, pubKey registry.Handle, flags uint32) (h registry.Handle, err error) {
	const op = "ImportKey"
	defer p.observe(op, &err)

	if _, err := p.session(prov); err != nil {
		return 0, err
	}
	if pubKey != 0 {
		return 0, csperr.Validation(csperr.BadKey, op, "public key blobs are not encrypted")
	}
	if flags != 0 {
		return 0, badFlags(op)
	}
	algID, pub, err := parsePublicKeyBlob(op, blob)
	if err != nil {
		return 0, err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return 0, csperr.Wrap(csperr.KindValidation, csperr.BadData, op, err)
	}
	keys, err := p.listAll(ctx, nil)
	if err != nil {
		return 0, err
	}
	for _, meta := range keys {
		if !bytes.Equal(meta.PublicKey, der) {
			continue
		}
		spec := AtSignature
		if algID == AlgRSAKeyExchange {
			spec = AtKeyExchange
		}
		return p.reg.CreateKey(prov, registry.KeyInfo{
			KeyID:      meta.KeyID,
			KeySpec:    spec,
			AlgID:      algID,
			Bits:       int(meta.KeySize),
			Exportable: meta.Exportable,
			PublicKey:  meta.PublicKey,
		})
	}
	return 0, csperr.Validation(csperr.NotSupported, op, "key is not held by the backend")
}

// GetKeyParam reads a key parameter with the buffer-size protocol.
func (p *Provider) GetKeyParam(prov, key registry.Handle, param uint32, out []byte) (n int, err error) {
	const op = "GetKeyParam"
	defer p.observe(op, &err)

	k, err := p.ownedKey(op, prov, key)
	if err != nil {
		return 0, err
	}
	var v uint32
	switch param {
	case KeyParamAlgID:
		v = k.AlgID
	case KeyParamKeyLen:
		v = uint32(k.Bits)
	case KeyParamBlockLen:
		if isRSA(k.AlgID) {
			v = uint32(k.Bits)
		}
	case KeyParamPermissions:
		v = permissions(k)
	default:
		return 0, csperr.Validation(csperr.BadType, op, "unsupported key parameter")
	}
	return copyOut(op, out, u32(v))
}

// SetKeyParam validates its arguments; backend keys have no writable
// parameters.
func (p *Provider) SetKeyParam(prov, key registry.Handle, param uint32, data []byte, flags uint32) (err error) {
	const op = "SetKeyParam"
	defer p.observe(op, &err)

	if _, err := p.ownedKey(op, prov, key); err != nil {
		return err
	}
	if flags != 0 {
		return badFlags(op)
	}
	switch param {
	case KeyParamAlgID, KeyParamKeyLen, KeyParamBlockLen, KeyParamPermissions:
		return csperr.Validation(csperr.Permission, op, "key parameter is read-only")
	}
	return csperr.Validation(csperr.BadType, op, "unsupported key parameter")
}

func permissions(k registry.Key) uint32 {
	v := PermRead
	if k.AlgID == AlgRSAKeyExchange {
		v |= PermEncrypt | PermDecrypt
	}
	if k.Exportable {
		v |= PermExport
	}
	return v
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// reversed returns a little-endian copy of a big-endian integer or the
// reverse.
func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

// publicKeyBlob encodes an RSA public key as BLOBHEADER, RSAPUBKEY and the
// little-endian modulus.
func publicKeyBlob(op string, k registry.Key) ([]byte, error) {
	if !isRSA(k.AlgID) {
		return nil, csperr.Validation(csperr.NotSupported, op, "only RSA keys have a public key blob")
	}
	parsed, err := x509.ParsePKIXPublicKey(k.PublicKey)
	if err != nil {
		return nil, csperr.Wrap(csperr.KindBackend, csperr.BadKey, op, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, csperr.New(csperr.KindBackend, csperr.BadKey, op, "backend public key is not RSA")
	}
	size := pub.Size()
	blob := make([]byte, blobHeaderLen+rsaPubKeyLen+size)
	blob[0] = byte(PublicKeyBlob)
	blob[1] = blobVersion
	binary.LittleEndian.PutUint32(blob[4:], k.AlgID)
	binary.LittleEndian.PutUint32(blob[8:], rsaPubMagic)
	binary.LittleEndian.PutUint32(blob[12:], uint32(size*8))
	binary.LittleEndian.PutUint32(blob[16:], uint32(pub.E))
	modulus := pub.N.FillBytes(make([]byte, size))
	copy(blob[20:], reversed(modulus))
	return blob, nil
}

func parsePublicKeyBlob(op string, blob []byte) (uint32, *rsa.PublicKey, error) {
	if len(blob) < blobHeaderLen+rsaPubKeyLen {
		return 0, nil, csperr.Validation(csperr.BadData, op, "blob is truncated")
	}
	if uint32(blob[0]) != PublicKeyBlob {
		return 0, nil, csperr.Validation(csperr.BadType, op, "only public key blobs can be imported")
	}
	if blob[1] != blobVersion {
		return 0, nil, csperr.Validation(csperr.BadData, op, "unsupported blob version")
	}
	algID := binary.LittleEndian.Uint32(blob[4:])
	if !isRSA(algID) {
		return 0, nil, csperr.Validation(csperr.BadAlgorithm, op, "blob algorithm is not RSA")
	}
	if binary.LittleEndian.Uint32(blob[8:]) != rsaPubMagic {
		return 0, nil, csperr.Validation(csperr.BadData, op, "bad RSA public key magic")
	}
	bits := binary.LittleEndian.Uint32(blob[12:])
	if bits == 0 || bits%8 != 0 || len(blob) != blobHeaderLen+rsaPubKeyLen+int(bits/8) {
		return 0, nil, csperr.Validation(csperr.BadLength, op, "blob length does not match key size")
	}
	exp := binary.LittleEndian.Uint32(blob[16:])
	if exp < 3 || exp%2 == 0 {
		return 0, nil, csperr.Validation(csperr.BadData, op, "bad public exponent")
	}
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(reversed(blob[20:])),
		E: int(exp),
	}
	return algID, pub, nil
}

// signatureSize is the exact signature length for key: the modulus size for
// RSA, twice the field size for ECDSA.
func signatureSize(k registry.Key) int {
	if isRSA(k.AlgID) {
		return (k.Bits + 7) / 8
	}
	return 2 * ((k.Bits + 7) / 8)
}
