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

package grpc

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1"
	"crypto/sha256"
	_ "crypto/sha512"
	"errors"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
)

const defaultRSABits = 2048

var rsaSizes = map[int]bool{1024: true, 2048: true, 3072: true, 4096: true}

// generatePrivateKey returns the key and its size in bits.
func generatePrivateKey(alg cspv1.KeyAlgorithm, bits int) (crypto.Signer, int, cspv1.Status) {
	var curve elliptic.Curve
	switch alg {
	case cspv1.KeyAlgorithmRSA:
		if bits == 0 {
			bits = defaultRSABits
		}
		if !rsaSizes[bits] {
			return nil, 0, newStatus(cspv1.ErrorCodeInvalidKeySize, "unsupported RSA key size %d", bits)
		}
		k, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, 0, newStatus(cspv1.ErrorCodeInternal, "generate RSA key: %v", err)
		}
		return k, bits, statusOK
	case cspv1.KeyAlgorithmECDSAP256:
		curve = elliptic.P256()
	case cspv1.KeyAlgorithmECDSAP384:
		curve = elliptic.P384()
	case cspv1.KeyAlgorithmECDSAP521:
		curve = elliptic.P521()
	default:
		return nil, 0, newStatus(cspv1.ErrorCodeUnsupportedAlgorithm, "unsupported algorithm %s", alg)
	}
	size := curve.Params().BitSize
	if bits != 0 && bits != size {
		return nil, 0, newStatus(cspv1.ErrorCodeInvalidKeySize, "%s keys are %d bits", alg, size)
	}
	k, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, 0, newStatus(cspv1.ErrorCodeInternal, "generate ECDSA key: %v", err)
	}
	return k, size, statusOK
}

func hashFor(alg cspv1.HashAlgorithm) (crypto.Hash, bool) {
	switch alg {
	case cspv1.HashAlgorithmUnspecified, cspv1.HashAlgorithmSHA256:
		return crypto.SHA256, true
	case cspv1.HashAlgorithmSHA1:
		return crypto.SHA1, true
	case cspv1.HashAlgorithmSHA384:
		return crypto.SHA384, true
	case cspv1.HashAlgorithmSHA512:
		return crypto.SHA512, true
	default:
		return 0, false
	}
}

// digestFor hashes data, or checks its length when it is already a digest.
func digestFor(alg cspv1.HashAlgorithm, data []byte, prehashed bool) (crypto.Hash, []byte, cspv1.Status) {
	h, known := hashFor(alg)
	if !known {
		return 0, nil, newStatus(cspv1.ErrorCodeUnsupportedAlgorithm, "unsupported hash algorithm %d", alg)
	}
	if prehashed {
		if len(data) != h.Size() {
			return 0, nil, newStatus(cspv1.ErrorCodeInvalidData, "%s digest must be %d bytes, got %d", alg, h.Size(), len(data))
		}
		return h, data, statusOK
	}
	hh := h.New()
	hh.Write(data)
	return h, hh.Sum(nil), statusOK
}

func sign(priv crypto.Signer, h crypto.Hash, digest []byte) ([]byte, error) {
	switch k := priv.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(rand.Reader, k, h, digest)
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(rand.Reader, k, digest)
	default:
		return nil, errors.New("unsupported key type")
	}
}

func verify(pub crypto.PublicKey, h crypto.Hash, digest, sig []byte) bool {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, h, digest, sig) == nil
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(k, digest, sig)
	default:
		return false
	}
}

func encrypt(pub *rsa.PublicKey, padding cspv1.Padding, plaintext []byte) ([]byte, error) {
	switch padding {
	case cspv1.PaddingPKCS1v15:
		return rsa.EncryptPKCS1v15(rand.Reader, pub, plaintext)
	case cspv1.PaddingOAEP:
		return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	default:
		return nil, errors.New("unknown padding")
	}
}

func decrypt(priv *rsa.PrivateKey, padding cspv1.Padding, ciphertext []byte) ([]byte, error) {
	switch padding {
	case cspv1.PaddingPKCS1v15:
		return rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext)
	case cspv1.PaddingOAEP:
		return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	default:
		return nil, errors.New("unknown padding")
	}
}
