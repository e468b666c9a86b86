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
	"encoding/binary"

	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
	"github.com/jeremyhahn/go-keychain-csp/pkg/registry"
)

// enumAlgLen is the size of a PROV_ENUMALGS record.
const (
	enumAlgNameLen = 20
	enumAlgLen     = 12 + enumAlgNameLen
)

// GetProvParam reads a provider parameter. ParamEnumAlgs and
// ParamEnumContainers are cursors: First restarts them, each call returns
// the next item and NoMoreItems ends them. A short buffer does not move the
// cursor.
func (p *Provider) GetProvParam(ctx context.Context, prov registry.Handle, param uint32, out []byte, flags uint32) (n int, err error) {
	const op = "GetProvParam"
	defer p.observe(op, &err)

	s, err := p.session(prov)
	if err != nil {
		return 0, err
	}
	if flags&^First != 0 {
		return 0, badFlags(op)
	}
	switch param {
	case ParamEnumAlgs:
		return p.nextAlg(op, prov, out, flags&First != 0)
	case ParamEnumContainers:
		return p.nextContainer(ctx, op, prov, out, flags&First != 0)
	case ParamImpType:
		return copyOut(op, out, u32(implUnknown))
	case ParamName:
		return copyOut(op, out, cstring(p.name))
	case ParamVersion:
		return copyOut(op, out, u32(providerVersion))
	case ParamContainer, ParamUniqueContainer:
		return copyOut(op, out, cstring(s.Container))
	case ParamProvType:
		return copyOut(op, out, u32(provTypeRSAFull))
	case ParamSigKeySizeInc, ParamKeyxKeySizeInc:
		return copyOut(op, out, u32(keySizeInc))
	case ParamKeySpec:
		return copyOut(op, out, u32(AtKeyExchange|AtSignature))
	}
	return 0, csperr.Validation(csperr.BadType, op, "unsupported provider parameter")
}

// SetProvParam accepts ParamClientHWND and ignores it. PINs are not
// supported.
func (p *Provider) SetProvParam(prov registry.Handle, param uint32, data []byte, flags uint32) (err error) {
	const op = "SetProvParam"
	defer p.observe(op, &err)

	if _, err := p.session(prov); err != nil {
		return err
	}
	if flags != 0 {
		return badFlags(op)
	}
	switch param {
	case ParamClientHWND:
		if len(data) == 0 {
			return csperr.Validation(csperr.InvalidParameter, op, "window handle is empty")
		}
		return nil
	case ParamKeyExchangePIN, ParamSignaturePIN:
		return csperr.Validation(csperr.NotSupported, op, "the backend authenticates the connection, not a PIN")
	}
	return csperr.Validation(csperr.BadType, op, "unsupported provider parameter")
}

func (p *Provider) enumFor(prov registry.Handle) *enumState {
	e, ok := p.enums[prov]
	if !ok {
		e = &enumState{}
		p.enums[prov] = e
	}
	return e
}

func (p *Provider) nextAlg(op string, prov registry.Handle, out []byte, first bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.enumFor(prov)
	if first {
		e.alg = 0
	}
	if e.alg >= len(enumAlgs) {
		return 0, csperr.Validation(csperr.NoMoreItems, op, "no more algorithms")
	}
	if len(out) < enumAlgLen {
		return enumAlgLen, moreData(op)
	}
	a := enumAlgs[e.alg]
	rec := make([]byte, enumAlgLen)
	binary.LittleEndian.PutUint32(rec[0:], a.id)
	binary.LittleEndian.PutUint32(rec[4:], a.bits)
	binary.LittleEndian.PutUint32(rec[8:], uint32(len(a.name)+1))
	copy(rec[12:], a.name)
	e.alg++
	return copy(out, rec), nil
}

func (p *Provider) nextContainer(ctx context.Context, op string, prov registry.Handle, out []byte, first bool) (int, error) {
	p.mu.Lock()
	e := p.enumFor(prov)
	reload := first || !e.loaded
	p.mu.Unlock()

	if reload {
		names, err := p.containerNames(ctx)
		if err != nil {
			return 0, err
		}
		p.mu.Lock()
		e = p.enumFor(prov)
		e.containers, e.container, e.loaded = names, 0, true
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e.container >= len(e.containers) {
		return 0, csperr.Validation(csperr.NoMoreItems, op, "no more containers")
	}
	name := cstring(e.containers[e.container])
	if len(out) < len(name) {
		return len(name), moreData(op)
	}
	e.container++
	return copy(out, name), nil
}

func cstring(s string) []byte {
	return append([]byte(s), 0)
}
