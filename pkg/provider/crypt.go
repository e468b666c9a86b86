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
	"context"
	"io"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
	"github.com/jeremyhahn/go-keychain-csp/pkg/registry"
)

// SignHash finalizes hash and signs it with the session's key of keySpec.
// RSA signatures are returned little-endian and ECDSA signatures as
// fixed-width big-endian r||s, so the size is exact for both. A nil or short
// buffer reports
// the signature size without finalizing the hash or calling the backend.
func (p *Provider) SignHash(ctx context.Context, prov, hash registry.Handle, keySpec, flags uint32, out []byte) (n int, err error) {
	const op = "SignHash"
	defer p.observe(op, &err)

	if _, err := p.ownedHash(op, prov, hash); err != nil {
		return 0, err
	}
	if flags != 0 {
		return 0, badFlags(op)
	}
	if keySpec != AtKeyExchange && keySpec != AtSignature {
		return 0, csperr.Validation(csperr.InvalidParameter, op, "unknown key spec")
	}
	k, err := p.userKey(ctx, op, prov, keySpec)
	if err != nil {
		return 0, err
	}
	if size := signatureSize(k); len(out) < size {
		return size, moreData(op)
	}

	snap, err := p.reg.FinalizeHash(hash)
	if err != nil {
		return 0, err
	}
	alg := hashAlgs[snap.AlgID]
	var sig []byte
	if snap.Value != nil {
		sig, err = p.client.SignData(ctx, k.KeyID, snap.Value, alg.backend, true)
	} else {
		sig, err = p.client.SignData(ctx, k.KeyID, snap.Data, alg.backend, false)
	}
	if err != nil {
		return 0, err
	}
	if isRSA(k.AlgID) {
		sig = reversed(sig)
	} else if sig, err = rawSignature(op, sig, signatureSize(k)); err != nil {
		return 0, err
	}
	return copyOut(op, out, sig)
}

// VerifySignature finalizes hash and checks sig with key. A signature that
// does not match fails with BadSignature.
func (p *Provider) VerifySignature(ctx context.Context, prov, hash registry.Handle, sig []byte, key registry.Handle, flags uint32) (err error) {
	const op = "VerifySignature"
	defer p.observe(op, &err)

	if _, err := p.ownedHash(op, prov, hash); err != nil {
		return err
	}
	k, err := p.ownedKey(op, prov, key)
	if err != nil {
		return err
	}
	if flags != 0 {
		return badFlags(op)
	}
	if len(sig) == 0 {
		return csperr.Validation(csperr.InvalidParameter, op, "signature is empty")
	}
	if len(sig) != signatureSize(k) {
		return csperr.Validation(csperr.BadSignature, op, "signature length does not match the key")
	}
	if isRSA(k.AlgID) {
		sig = reversed(sig)
	} else if sig, err = derSignature(op, sig); err != nil {
		return err
	}

	snap, err := p.reg.FinalizeHash(hash)
	if err != nil {
		return err
	}
	alg := hashAlgs[snap.AlgID]
	var ok bool
	if snap.Value != nil {
		ok, err = p.client.VerifySignature(ctx, k.KeyID, snap.Value, sig, alg.backend, true)
	} else {
		ok, err = p.client.VerifySignature(ctx, k.KeyID, snap.Data, sig, alg.backend, false)
	}
	if err != nil {
		return err
	}
	if !ok {
		return csperr.New(csperr.KindBackend, csperr.BadSignature, op, "signature does not match")
	}
	return nil
}

// cryptKey checks a key and the flags shared by Encrypt and Decrypt.
func (p *Provider) cryptKey(op string, prov, key, hash registry.Handle, final bool, flags uint32) (registry.Key, cspv1.Padding, error) {
	k, err := p.ownedKey(op, prov, key)
	if err != nil {
		return k, 0, err
	}
	if hash != 0 {
		hs, err := p.ownedHash(op, prov, hash)
		if err != nil {
			return k, 0, err
		}
		if hs.Finalized {
			return k, 0, csperr.Validation(csperr.BadHashState, op, "hash is finalized")
		}
	}
	if flags&^OAEP != 0 {
		return k, 0, badFlags(op)
	}
	if k.AlgID != AlgRSAKeyExchange {
		return k, 0, csperr.Validation(csperr.BadKey, op, "key cannot encrypt")
	}
	if !final {
		return k, 0, csperr.Validation(csperr.BadLength, op, "RSA operations take the whole message")
	}
	if flags&OAEP != 0 {
		return k, cspv1.PaddingOAEP, nil
	}
	return k, cspv1.PaddingPKCS1v15, nil
}

// maxPlaintext is the largest message key encrypts with padding.
func maxPlaintext(k registry.Key, padding cspv1.Padding) int {
	size := signatureSize(k)
	if padding == cspv1.PaddingOAEP {
		return size - 2*32 - 2
	}
	return size - 11
}

// Encrypt encrypts data with an exchange key. The ciphertext is returned
// little-endian. When hash is set the plaintext is appended to it once the
// backend has encrypted it.
func (p *Provider) Encrypt(ctx context.Context, prov, key, hash registry.Handle, final bool, flags uint32, data, out []byte) (n int, err error) {
	const op = "Encrypt"
	defer p.observe(op, &err)

	k, padding, err := p.cryptKey(op, prov, key, hash, final, flags)
	if err != nil {
		return 0, err
	}
	if len(data) > maxPlaintext(k, padding) {
		return 0, csperr.Validation(csperr.BadLength, op, "plaintext is too long for the key")
	}
	if size := signatureSize(k); len(out) < size {
		return size, moreData(op)
	}
	ct, err := p.client.EncryptData(ctx, k.KeyID, data, padding)
	if err != nil {
		return 0, err
	}
	if hash != 0 {
		if err := p.reg.AppendHash(hash, data); err != nil {
			return 0, err
		}
	}
	return copyOut(op, out, reversed(ct))
}

// Decrypt decrypts little-endian ciphertext with an exchange key. The exact
// plaintext length is only known after the backend call, so a short buffer
// costs one decryption.
func (p *Provider) Decrypt(ctx context.Context, prov, key, hash registry.Handle, final bool, flags uint32, data, out []byte) (n int, err error) {
	const op = "Decrypt"
	defer p.observe(op, &err)

	k, padding, err := p.cryptKey(op, prov, key, hash, final, flags)
	if err != nil {
		return 0, err
	}
	if len(data) != signatureSize(k) {
		return 0, csperr.Validation(csperr.BadLength, op, "ciphertext length does not match the key")
	}
	pt, err := p.client.DecryptData(ctx, k.KeyID, reversed(data), padding)
	if err != nil {
		return 0, err
	}
	if len(out) < len(pt) {
		return len(pt), moreData(op)
	}
	if hash != 0 {
		if err := p.reg.AppendHash(hash, pt); err != nil {
			return 0, err
		}
	}
	return copy(out, pt), nil
}

// GenRandom fills out with random bytes.
func (p *Provider) GenRandom(prov registry.Handle, out []byte) (err error) {
	const op = "GenRandom"
	defer p.observe(op, &err)

	if _, err := p.session(prov); err != nil {
		return err
	}
	if _, err := io.ReadFull(p.rand, out); err != nil {
		return csperr.Wrap(csperr.KindValidation, csperr.InternalError, op, err)
	}
	return nil
}

// DeriveKey validates its arguments and fails: the backend holds no
// symmetric keys.
func (p *Provider) DeriveKey(prov registry.Handle, algID uint32, hash registry.Handle, flags uint32) (h registry.Handle, err error) {
	const op = "DeriveKey"
	defer p.observe(op, &err)

	if _, err := p.ownedHash(op, prov, hash); err != nil {
		return 0, err
	}
	if !symmetricAlgs[algID] {
		return 0, csperr.Validation(csperr.BadAlgorithm, op, "unsupported session key algorithm")
	}
	return 0, csperr.Validation(csperr.NotSupported, op, "session keys are not supported")
}
