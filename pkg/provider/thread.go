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

	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
	"github.com/jeremyhahn/go-keychain-csp/pkg/registry"
)

// Thread is the boolean surface of a Provider for one host thread. Each
// failing call stores its error context, readable with LastError until the
// next failure. Successful calls leave it unchanged. A Thread must not be
// shared between goroutines; the Provider behind it may be.
type Thread struct {
	p    *Provider
	ctx  context.Context
	last csperr.Context
}

// NewThread returns a Thread whose blocking calls use ctx.
func (p *Provider) NewThread(ctx context.Context) *Thread {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Thread{p: p, ctx: ctx, last: csperr.ContextOf(nil)}
}

// LastError returns the context of the most recent failure.
func (t *Thread) LastError() csperr.Context {
	return t.last
}

// SetLastError overwrites the stored context.
func (t *Thread) SetLastError(code csperr.Code) {
	t.last = csperr.Context{Code: code, Message: csperr.Describe(code)}
}

func (t *Thread) result(err error) bool {
	if err != nil {
		t.last = csperr.ContextOf(err)
		return false
	}
	return true
}

// sized stores n in *n (when given) and reports err. The length is stored
// for MoreData too.
func (t *Thread) sized(n int, err error, out *int) bool {
	if out != nil {
		*out = n
	}
	return t.result(err)
}

func setHandle(dst *registry.Handle, h registry.Handle, err error) error {
	if err == nil && dst != nil {
		*dst = h
	}
	return err
}

func (t *Thread) AcquireContext(prov *registry.Handle, container string, flags uint32) bool {
	h, err := t.p.AcquireContext(t.ctx, container, flags)
	return t.result(setHandle(prov, h, err))
}

func (t *Thread) ReleaseContext(prov registry.Handle, flags uint32) bool {
	return t.result(t.p.ReleaseContext(prov, flags))
}

func (t *Thread) GenKey(prov registry.Handle, algID, flags uint32, key *registry.Handle) bool {
	h, err := t.p.GenKey(t.ctx, prov, algID, flags)
	return t.result(setHandle(key, h, err))
}

func (t *Thread) GetUserKey(prov registry.Handle, spec uint32, key *registry.Handle) bool {
	h, err := t.p.GetUserKey(t.ctx, prov, spec)
	return t.result(setHandle(key, h, err))
}

func (t *Thread) DestroyKey(prov, key registry.Handle) bool {
	return t.result(t.p.DestroyKey(prov, key))
}

func (t *Thread) DuplicateKey(prov, key registry.Handle, flags uint32, dup *registry.Handle) bool {
	h, err := t.p.DuplicateKey(prov, key, flags)
	return t.result(setHandle(dup, h, err))
}

func (t *Thread) ExportKey(prov, key, expKey registry.Handle, blobType, flags uint32, out []byte, n *int) bool {
	size, err := t.p.ExportKey(prov, key, expKey, blobType, flags, out)
	return t.sized(size, err, n)
}

func (t *Thread) ImportKey(prov registry.Handle, blob []byte, pubKey registry.Handle, flags uint32, key *registry.Handle) bool {
	h, err := t.p.ImportKey(t.ctx, prov, blob, pubKey, flags)
	return t.result(setHandle(key, h, err))
}

func (t *Thread) GetKeyParam(prov, key registry.Handle, param uint32, out []byte, n *int) bool {
	size, err := t.p.GetKeyParam(prov, key, param, out)
	return t.sized(size, err, n)
}

func (t *Thread) SetKeyParam(prov, key registry.Handle, param uint32, data []byte, flags uint32) bool {
	return t.result(t.p.SetKeyParam(prov, key, param, data, flags))
}

func (t *Thread) CreateHash(prov registry.Handle, algID uint32, key registry.Handle, flags uint32, hash *registry.Handle) bool {
	h, err := t.p.CreateHash(prov, algID, key, flags)
	return t.result(setHandle(hash, h, err))
}

func (t *Thread) HashData(prov, hash registry.Handle, data []byte, flags uint32) bool {
	return t.result(t.p.HashData(prov, hash, data, flags))
}

func (t *Thread) HashSessionKey(prov, hash, key registry.Handle, flags uint32) bool {
	return t.result(t.p.HashSessionKey(prov, hash, key, flags))
}

func (t *Thread) DestroyHash(prov, hash registry.Handle) bool {
	return t.result(t.p.DestroyHash(prov, hash))
}

func (t *Thread) DuplicateHash(prov, hash registry.Handle, flags uint32, dup *registry.Handle) bool {
	h, err := t.p.DuplicateHash(prov, hash, flags)
	return t.result(setHandle(dup, h, err))
}

func (t *Thread) GetHashParam(prov, hash registry.Handle, param uint32, out []byte, n *int) bool {
	size, err := t.p.GetHashParam(prov, hash, param, out)
	return t.sized(size, err, n)
}

func (t *Thread) SetHashParam(prov, hash registry.Handle, param uint32, data []byte, flags uint32) bool {
	return t.result(t.p.SetHashParam(prov, hash, param, data, flags))
}

func (t *Thread) SignHash(prov, hash registry.Handle, keySpec, flags uint32, sig []byte, n *int) bool {
	size, err := t.p.SignHash(t.ctx, prov, hash, keySpec, flags, sig)
	return t.sized(size, err, n)
}

func (t *Thread) VerifySignature(prov, hash registry.Handle, sig []byte, key registry.Handle, flags uint32) bool {
	return t.result(t.p.VerifySignature(t.ctx, prov, hash, sig, key, flags))
}

func (t *Thread) Encrypt(prov, key, hash registry.Handle, final bool, flags uint32, data, out []byte, n *int) bool {
	size, err := t.p.Encrypt(t.ctx, prov, key, hash, final, flags, data, out)
	return t.sized(size, err, n)
}

func (t *Thread) Decrypt(prov, key, hash registry.Handle, final bool, flags uint32, data, out []byte, n *int) bool {
	size, err := t.p.Decrypt(t.ctx, prov, key, hash, final, flags, data, out)
	return t.sized(size, err, n)
}

func (t *Thread) GetProvParam(prov registry.Handle, param uint32, out []byte, n *int, flags uint32) bool {
	size, err := t.p.GetProvParam(t.ctx, prov, param, out, flags)
	return t.sized(size, err, n)
}

func (t *Thread) SetProvParam(prov registry.Handle, param uint32, data []byte, flags uint32) bool {
	return t.result(t.p.SetProvParam(prov, param, data, flags))
}

func (t *Thread) GenRandom(prov registry.Handle, out []byte) bool {
	return t.result(t.p.GenRandom(prov, out))
}

func (t *Thread) DeriveKey(prov registry.Handle, algID uint32, hash registry.Handle, flags uint32, key *registry.Handle) bool {
	h, err := t.p.DeriveKey(prov, algID, hash, flags)
	return t.result(setHandle(key, h, err))
}
