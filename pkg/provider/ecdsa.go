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
	"encoding/asn1"
	"math/big"

	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
)

// ecdsaSignature is the DER form the backend produces and accepts.
type ecdsaSignature struct {
	R, S *big.Int
}

// rawSignature converts a DER signature into the fixed-width big-endian
// r||s form handed to callers. size is the full r||s length.
func rawSignature(op string, der []byte, size int) ([]byte, error) {
	var sig ecdsaSignature
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil || len(rest) != 0 || sig.R == nil || sig.S == nil {
		return nil, csperr.New(csperr.KindBackend, csperr.BadSignature, op, "backend returned a malformed ECDSA signature")
	}
	half := size / 2
	if sig.R.Sign() <= 0 || sig.S.Sign() <= 0 || sig.R.BitLen() > half*8 || sig.S.BitLen() > half*8 {
		return nil, csperr.New(csperr.KindBackend, csperr.BadSignature, op, "ECDSA signature does not fit the curve")
	}
	out := make([]byte, size)
	sig.R.FillBytes(out[:half])
	sig.S.FillBytes(out[half:])
	return out, nil
}

// derSignature converts r||s back into DER.
func derSignature(op string, raw []byte) ([]byte, error) {
	half := len(raw) / 2
	der, err := asn1.Marshal(ecdsaSignature{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	})
	if err != nil {
		return nil, csperr.Wrap(csperr.KindValidation, csperr.BadSignature, op, err)
	}
	return der, nil
}
