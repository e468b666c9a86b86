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
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
)

// Algorithm identifiers (ALG_ID).
const (
	AlgRSASign        uint32 = 0x00002400 // CALG_RSA_SIGN
	AlgRSAKeyExchange uint32 = 0x0000A400 // CALG_RSA_KEYX
	AlgECDSA          uint32 = 0x00002203 // CALG_ECDSA
	AlgSHA1           uint32 = 0x00008004 // CALG_SHA1
	AlgSHA256         uint32 = 0x0000800C // CALG_SHA_256
	AlgSHA384         uint32 = 0x0000800D // CALG_SHA_384
	AlgSHA512         uint32 = 0x0000800E // CALG_SHA_512
	AlgMD5            uint32 = 0x00008003 // CALG_MD5
	AlgRC4            uint32 = 0x00006801 // CALG_RC4
	Alg3DES           uint32 = 0x00006603 // CALG_3DES
	AlgAES128         uint32 = 0x0000660E // CALG_AES_128
	AlgAES256         uint32 = 0x00006610 // CALG_AES_256
)

// Key specs accepted in place of an ALG_ID by GenKey.
const (
	AtKeyExchange uint32 = 1 // AT_KEYEXCHANGE
	AtSignature   uint32 = 2 // AT_SIGNATURE
)

// AcquireContext flags.
const (
	NewKeyset     uint32 = 0x00000008
	DeleteKeyset  uint32 = 0x00000010
	MachineKeyset uint32 = 0x00000020
	Silent        uint32 = 0x00000040
	VerifyContext uint32 = 0xF0000000

	acquireFlags = NewKeyset | DeleteKeyset | MachineKeyset | Silent | VerifyContext
)

// Key and crypt flags.
const (
	Exportable    uint32 = 0x00000001
	UserProtected uint32 = 0x00000002
	OAEP          uint32 = 0x00000040

	// First restarts an enumeration in GetProvParam.
	First uint32 = 0x00000001
)

// PublicKeyBlob is the only blob type ExportKey and ImportKey handle.
const PublicKeyBlob uint32 = 0x6

// Provider parameters.
const (
	ParamClientHWND      uint32 = 1 // set only
	ParamEnumAlgs        uint32 = 1
	ParamEnumContainers  uint32 = 2
	ParamImpType         uint32 = 3
	ParamName            uint32 = 4
	ParamVersion         uint32 = 5
	ParamContainer       uint32 = 6
	ParamProvType        uint32 = 16
	ParamKeyExchangePIN  uint32 = 32
	ParamSignaturePIN    uint32 = 33
	ParamSigKeySizeInc   uint32 = 34
	ParamKeyxKeySizeInc  uint32 = 35
	ParamUniqueContainer uint32 = 36
	ParamKeySpec         uint32 = 39
)

// Hash parameters.
const (
	HashParamAlgID uint32 = 1
	HashParamValue uint32 = 2
	HashParamSize  uint32 = 4
)

// Key parameters.
const (
	KeyParamPermissions uint32 = 6
	KeyParamAlgID       uint32 = 7
	KeyParamBlockLen    uint32 = 8
	KeyParamKeyLen      uint32 = 9
)

// Key permission bits reported for KeyParamPermissions.
const (
	PermEncrypt uint32 = 0x0001
	PermDecrypt uint32 = 0x0002
	PermExport  uint32 = 0x0004
	PermRead    uint32 = 0x0008
	PermWrite   uint32 = 0x0010
)

const (
	provTypeRSAFull = 1
	implUnknown     = 4
	providerVersion = 0x0200
	keySizeInc      = 1024
)

type hashAlg struct {
	backend cspv1.HashAlgorithm
	hash    crypto.Hash
	name    string
}

var hashAlgs = map[uint32]hashAlg{
	AlgSHA1:   {cspv1.HashAlgorithmSHA1, crypto.SHA1, "SHA-1"},
	AlgSHA256: {cspv1.HashAlgorithmSHA256, crypto.SHA256, "SHA-256"},
	AlgSHA384: {cspv1.HashAlgorithmSHA384, crypto.SHA384, "SHA-384"},
	AlgSHA512: {cspv1.HashAlgorithmSHA512, crypto.SHA512, "SHA-512"},
}

var symmetricAlgs = map[uint32]bool{
	AlgRC4:    true,
	Alg3DES:   true,
	AlgAES128: true,
	AlgAES256: true,
}

type enumAlg struct {
	id   uint32
	bits uint32
	name string
}

// enumAlgs is reported by ParamEnumAlgs in this order.
var enumAlgs = []enumAlg{
	{AlgRSASign, 2048, "RSA_SIGN"},
	{AlgRSAKeyExchange, 2048, "RSA_KEYX"},
	{AlgECDSA, 256, "ECDSA"},
	{AlgSHA1, 160, "SHA-1"},
	{AlgSHA256, 256, "SHA-256"},
	{AlgSHA384, 384, "SHA-384"},
	{AlgSHA512, 512, "SHA-512"},
}

var rsaKeySizes = map[int]bool{1024: true, 2048: true, 3072: true, 4096: true}

const defaultRSABits = 2048

// keyTemplate is what GenKey asks the backend for.
type keyTemplate struct {
	spec      uint32
	algID     uint32
	algorithm cspv1.KeyAlgorithm
	bits      int
	usage     cspv1.KeyUsage
}

// templateFor resolves an ALG_ID (or key spec) and the requested size.
func templateFor(algID uint32, bits int) (keyTemplate, bool, bool) {
	switch algID {
	case AtKeyExchange, AlgRSAKeyExchange:
		if bits == 0 {
			bits = defaultRSABits
		}
		return keyTemplate{AtKeyExchange, AlgRSAKeyExchange, cspv1.KeyAlgorithmRSA, bits, cspv1.KeyUsageSignEncrypt}, true, rsaKeySizes[bits]
	case AtSignature, AlgRSASign:
		if bits == 0 {
			bits = defaultRSABits
		}
		return keyTemplate{AtSignature, AlgRSASign, cspv1.KeyAlgorithmRSA, bits, cspv1.KeyUsageSign}, true, rsaKeySizes[bits]
	case AlgECDSA:
		t := keyTemplate{spec: AtSignature, algID: AlgECDSA, usage: cspv1.KeyUsageSign}
		switch bits {
		case 0, 256:
			t.algorithm, t.bits = cspv1.KeyAlgorithmECDSAP256, 256
		case 384:
			t.algorithm, t.bits = cspv1.KeyAlgorithmECDSAP384, 384
		case 521:
			t.algorithm, t.bits = cspv1.KeyAlgorithmECDSAP521, 521
		default:
			return t, true, false
		}
		return t, true, true
	}
	return keyTemplate{}, false, false
}

// algIDFor names a backend key in ALG_ID terms.
func algIDFor(meta *cspv1.KeyMetadata, spec uint32) uint32 {
	if meta.Algorithm != cspv1.KeyAlgorithmRSA {
		return AlgECDSA
	}
	if spec == AtKeyExchange {
		return AlgRSAKeyExchange
	}
	return AlgRSASign
}

func isRSA(algID uint32) bool {
	return algID == AlgRSASign || algID == AlgRSAKeyExchange
}
