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

// Package registry maps opaque provider handles to sessions, keys and hash
// objects.
//
// A handle is a uint64 whose top four bits carry the object kind and whose
// low 60 bits are random, so handle values are neither sequential nor
// reissued after destruction in practice. Every lookup checks that the handle
// is known, that it has the expected kind and that its owning session is
// still live. All failures are csperr.ErrInvalidHandle; nothing panics.
//
// Releasing a session drops every key and hash it spawned. Lookups return
// copies, so callers never hold registry-owned memory.
package registry

import (
	"fmt"
)

// Kind tags the object a handle refers to.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindSession
	KindKey
	KindHash
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindKey:
		return "key"
	case KindHash:
		return "hash"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

const (
	kindShift = 60
	valueMask = uint64(1)<<kindShift - 1
)

// Handle is an opaque object reference. The zero handle is never issued.
type Handle uint64

// Kind returns the tag carried in the handle.
func (h Handle) Kind() Kind {
	return Kind(uint64(h) >> kindShift)
}

func (h Handle) String() string {
	return fmt.Sprintf("%s:%#x", h.Kind(), uint64(h)&valueMask)
}

func makeHandle(k Kind, v uint64) Handle {
	return Handle(uint64(k)<<kindShift | v&valueMask)
}
