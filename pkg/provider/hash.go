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
	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
	"github.com/jeremyhahn/go-keychain-csp/pkg/registry"
)

// CreateHash starts a hash object. Keyed hashes are not supported, so key
// must be zero.
func (p *Provider) CreateHash(prov registry.Handle, algID uint32, key registry.Handle, flags uint32) (h registry.Handle, err error) {
	const op = "CreateHash"
	defer p.observe(op, &err)

	if _, err := p.session(prov); err != nil {
		return 0, err
	}
	if flags != 0 {
		return 0, badFlags(op)
	}
	if _, ok := hashAlgs[algID]; !ok {
		return 0, csperr.Validation(csperr.BadAlgorithm, op, "unsupported hash algorithm")
	}
	if key != 0 {
		return 0, csperr.Validation(csperr.BadKey, op, "hash algorithm takes no key")
	}
	return p.reg.CreateHash(prov, algID, 0)
}

// HashData appends data to an unfinalized hash.
func (p *Provider) HashData(prov, hash registry.Handle, data []byte, flags uint32) (err error) {
	const op = "HashData"
	defer p.observe(op, &err)

	if _, err := p.ownedHash(op, prov, hash); err != nil {
		return err
	}
	if flags != 0 {
		return badFlags(op)
	}
	return p.reg.AppendHash(hash, data)
}

// HashSessionKey fails for every key the provider can hold: backend keys are
// asymmetric and only session keys can be hashed.
func (p *Provider) HashSessionKey(prov, hash, key registry.Handle, flags uint32) (err error) {
	const op = "HashSessionKey"
	defer p.observe(op, &err)

	hs, err := p.ownedHash(op, prov, hash)
	if err != nil {
		return err
	}
	if _, err := p.ownedKey(op, prov, key); err != nil {
		return err
	}
	if flags != 0 {
		return badFlags(op)
	}
	if hs.Finalized {
		return csperr.Validation(csperr.BadHashState, op, "hash is finalized")
	}
	return csperr.Validation(csperr.BadKey, op, "only session keys can be hashed")
}

func (p *Provider) DestroyHash(prov, hash registry.Handle) (err error) {
	const op = "DestroyHash"
	defer p.observe(op, &err)

	if _, err := p.ownedHash(op, prov, hash); err != nil {
		return err
	}
	return p.reg.DestroyHash(hash)
}

// DuplicateHash copies an unfinalized hash.
func (p *Provider) DuplicateHash(prov, hash registry.Handle, flags uint32) (h registry.Handle, err error) {
	const op = "DuplicateHash"
	defer p.observe(op, &err)

	if flags != 0 {
		return 0, badFlags(op)
	}
	if _, err := p.ownedHash(op, prov, hash); err != nil {
		return 0, err
	}
	return p.reg.DuplicateHash(hash)
}

// GetHashParam reads a hash parameter. Reading HashParamValue finalizes
// the hash unless the buffer is too small.
func (p *Provider) GetHashParam(prov, hash registry.Handle, param uint32, out []byte) (n int, err error) {
	const op = "GetHashParam"
	defer p.observe(op, &err)

	hs, err := p.ownedHash(op, prov, hash)
	if err != nil {
		return 0, err
	}
	alg := hashAlgs[hs.AlgID]
	switch param {
	case HashParamAlgID:
		return copyOut(op, out, u32(hs.AlgID))
	case HashParamSize:
		return copyOut(op, out, u32(uint32(alg.hash.Size())))
	case HashParamValue:
		snap, err := p.reg.Snapshot(hash)
		if err != nil {
			return 0, err
		}
		if len(out) < alg.hash.Size() {
			return alg.hash.Size(), moreData(op)
		}
		if _, err := p.reg.FinalizeHash(hash); err != nil {
			return 0, err
		}
		return copy(out, digest(alg, snap)), nil
	}
	return 0, csperr.Validation(csperr.BadType, op, "unsupported hash parameter")
}

// SetHashParam installs a precomputed digest with HashParamValue. The hash
// is finalized and signs the digest as given.
func (p *Provider) SetHashParam(prov, hash registry.Handle, param uint32, data []byte, flags uint32) (err error) {
	const op = "SetHashParam"
	defer p.observe(op, &err)

	hs, err := p.ownedHash(op, prov, hash)
	if err != nil {
		return err
	}
	if flags != 0 {
		return badFlags(op)
	}
	if param != HashParamValue {
		return csperr.Validation(csperr.BadType, op, "unsupported hash parameter")
	}
	if hs.Finalized {
		return csperr.Validation(csperr.BadHashState, op, "hash is finalized")
	}
	if len(data) != hashAlgs[hs.AlgID].hash.Size() {
		return csperr.Validation(csperr.BadLength, op, "digest length does not match the hash algorithm")
	}
	return p.reg.SetHashValue(hash, data)
}

// digest is the value of a hash snapshot.
func digest(alg hashAlg, snap registry.HashSnapshot) []byte {
	if snap.Value != nil {
		return append([]byte(nil), snap.Value...)
	}
	h := alg.hash.New()
	h.Write(snap.Data)
	return h.Sum(nil)
}
