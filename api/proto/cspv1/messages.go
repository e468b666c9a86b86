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
	"fmt"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// ErrorCode is the backend business status carried in every response.
type ErrorCode int32

const (
	ErrorCodeOK                    ErrorCode = 0
	ErrorCodeInvalidRequest        ErrorCode = 1
	ErrorCodeKeyNotFound           ErrorCode = 2
	ErrorCodeKeyAlreadyExists      ErrorCode = 3
	ErrorCodeUnsupportedAlgorithm  ErrorCode = 4
	ErrorCodeInvalidSignature      ErrorCode = 5
	ErrorCodePermissionDenied      ErrorCode = 6
	ErrorCodeAuthenticationFailed  ErrorCode = 7
	ErrorCodeInvalidKeySize        ErrorCode = 8
	ErrorCodeInvalidData           ErrorCode = 9
	ErrorCodeOperationNotSupported ErrorCode = 10
	ErrorCodeQuotaExceeded         ErrorCode = 11
	ErrorCodeInternal              ErrorCode = 12
	ErrorCodeServiceUnavailable    ErrorCode = 13
	ErrorCodeTimeout               ErrorCode = 14
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCodeOK:                    "OK",
	ErrorCodeInvalidRequest:        "INVALID_REQUEST",
	ErrorCodeKeyNotFound:           "KEY_NOT_FOUND",
	ErrorCodeKeyAlreadyExists:      "KEY_ALREADY_EXISTS",
	ErrorCodeUnsupportedAlgorithm:  "UNSUPPORTED_ALGORITHM",
	ErrorCodeInvalidSignature:      "INVALID_SIGNATURE",
	ErrorCodePermissionDenied:      "PERMISSION_DENIED",
	ErrorCodeAuthenticationFailed:  "AUTHENTICATION_FAILED",
	ErrorCodeInvalidKeySize:        "INVALID_KEY_SIZE",
	ErrorCodeInvalidData:           "INVALID_DATA",
	ErrorCodeOperationNotSupported: "OPERATION_NOT_SUPPORTED",
	ErrorCodeQuotaExceeded:         "QUOTA_EXCEEDED",
	ErrorCodeInternal:              "INTERNAL",
	ErrorCodeServiceUnavailable:    "SERVICE_UNAVAILABLE",
	ErrorCodeTimeout:               "TIMEOUT",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_CODE(%d)", int32(c))
}

// ErrorCodes returns every defined error code, OK included.
func ErrorCodes() []ErrorCode {
	codes := make([]ErrorCode, 0, len(errorCodeNames))
	for c := ErrorCodeOK; c <= ErrorCodeTimeout; c++ {
		codes = append(codes, c)
	}
	return codes
}

// KeyAlgorithm identifies the asymmetric key family.
type KeyAlgorithm int32

const (
	KeyAlgorithmUnspecified KeyAlgorithm = 0
	KeyAlgorithmRSA         KeyAlgorithm = 1
	KeyAlgorithmECDSAP256   KeyAlgorithm = 2
	KeyAlgorithmECDSAP384   KeyAlgorithm = 3
	KeyAlgorithmECDSAP521   KeyAlgorithm = 4
)

func (a KeyAlgorithm) String() string {
	switch a {
	case KeyAlgorithmRSA:
		return "RSA"
	case KeyAlgorithmECDSAP256:
		return "ECDSA_P256"
	case KeyAlgorithmECDSAP384:
		return "ECDSA_P384"
	case KeyAlgorithmECDSAP521:
		return "ECDSA_P521"
	default:
		return "UNSPECIFIED"
	}
}

// HashAlgorithm selects the digest applied before signing or verifying.
type HashAlgorithm int32

const (
	HashAlgorithmUnspecified HashAlgorithm = 0
	HashAlgorithmSHA1        HashAlgorithm = 1
	HashAlgorithmSHA256      HashAlgorithm = 2
	HashAlgorithmSHA384      HashAlgorithm = 3
	HashAlgorithmSHA512      HashAlgorithm = 4
)

func (h HashAlgorithm) String() string {
	switch h {
	case HashAlgorithmSHA1:
		return "SHA1"
	case HashAlgorithmSHA256:
		return "SHA256"
	case HashAlgorithmSHA384:
		return "SHA384"
	case HashAlgorithmSHA512:
		return "SHA512"
	default:
		return "UNSPECIFIED"
	}
}

// KeyUsage restricts what a key may be used for.
type KeyUsage int32

const (
	KeyUsageUnspecified KeyUsage = 0
	KeyUsageSign        KeyUsage = 1
	KeyUsageEncrypt     KeyUsage = 2
	KeyUsageSignEncrypt KeyUsage = 3
)

// CanSign reports whether the usage permits signing.
func (u KeyUsage) CanSign() bool {
	return u == KeyUsageSign || u == KeyUsageSignEncrypt
}

// CanEncrypt reports whether the usage permits encryption and decryption.
func (u KeyUsage) CanEncrypt() bool {
	return u == KeyUsageEncrypt || u == KeyUsageSignEncrypt
}

// Padding selects the RSA encryption padding scheme.
type Padding int32

const (
	PaddingPKCS1v15 Padding = 0
	PaddingOAEP     Padding = 1
)

// Status is the business outcome of a call.
type Status struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
	Details string    `json:"details,omitempty"`
}

// OK reports whether the status carries ErrorCodeOK.
func (s Status) OK() bool {
	return s.Code == ErrorCodeOK
}

// KeyMetadata describes a backend key. PublicKey is a DER encoded
// SubjectPublicKeyInfo.
type KeyMetadata struct {
	KeyID      string                 `json:"key_id"`
	Name       string                 `json:"name,omitempty"`
	Algorithm  KeyAlgorithm           `json:"algorithm"`
	KeySize    int32                  `json:"key_size"`
	Usage      KeyUsage               `json:"usage"`
	Exportable bool                   `json:"exportable"`
	Labels     map[string]string      `json:"labels,omitempty"`
	PublicKey  []byte                 `json:"public_key,omitempty"`
	CreatedAt  *timestamppb.Timestamp `json:"created_at,omitempty"`
}

type GenerateKeyRequest struct {
	// RequestID lets the backend collapse duplicate submissions of the same
	// generation request.
	RequestID  string            `json:"request_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Algorithm  KeyAlgorithm      `json:"algorithm"`
	KeySize    int32             `json:"key_size,omitempty"`
	Usage      KeyUsage          `json:"usage"`
	Exportable bool              `json:"exportable,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

type GenerateKeyResponse struct {
	Status Status       `json:"status"`
	Key    *KeyMetadata `json:"key,omitempty"`
}

type SignDataRequest struct {
	KeyID         string        `json:"key_id"`
	Data          []byte        `json:"data"`
	HashAlgorithm HashAlgorithm `json:"hash_algorithm"`
	IsPrehashed   bool          `json:"is_prehashed,omitempty"`
}

type SignDataResponse struct {
	Status    Status `json:"status"`
	Signature []byte `json:"signature,omitempty"`
}

type VerifySignatureRequest struct {
	KeyID         string        `json:"key_id"`
	Data          []byte        `json:"data"`
	Signature     []byte        `json:"signature"`
	HashAlgorithm HashAlgorithm `json:"hash_algorithm"`
	IsPrehashed   bool          `json:"is_prehashed,omitempty"`
}

type VerifySignatureResponse struct {
	Status Status `json:"status"`
	Valid  bool   `json:"valid"`
}

type GetKeyRequest struct {
	KeyID string `json:"key_id"`
}

type GetKeyResponse struct {
	Status Status       `json:"status"`
	Key    *KeyMetadata `json:"key,omitempty"`
}

type ListKeysRequest struct {
	Labels    map[string]string `json:"labels,omitempty"`
	PageSize  int32             `json:"page_size,omitempty"`
	PageToken string            `json:"page_token,omitempty"`
}

type ListKeysResponse struct {
	Status        Status         `json:"status"`
	Keys          []*KeyMetadata `json:"keys,omitempty"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type DeleteKeyRequest struct {
	KeyID string `json:"key_id"`
}

type DeleteKeyResponse struct {
	Status Status `json:"status"`
}

type EncryptDataRequest struct {
	KeyID     string  `json:"key_id"`
	Plaintext []byte  `json:"plaintext"`
	Padding   Padding `json:"padding,omitempty"`
}

type EncryptDataResponse struct {
	Status     Status `json:"status"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
}

type DecryptDataRequest struct {
	KeyID      string  `json:"key_id"`
	Ciphertext []byte  `json:"ciphertext"`
	Padding    Padding `json:"padding,omitempty"`
}

type DecryptDataResponse struct {
	Status    Status `json:"status"`
	Plaintext []byte `json:"plaintext,omitempty"`
}

type HealthRequest struct{}

type HealthResponse struct {
	Status  Status `json:"status"`
	Serving bool   `json:"serving"`
	Version string `json:"version,omitempty"`
}

// missingStatus is reported for a nil response so it is never read as OK.
var missingStatus = Status{Code: ErrorCodeInternal, Message: "empty response"}

func (r *GenerateKeyResponse) GetStatus() Status {
	if r == nil {
		return missingStatus
	}
	return r.Status
}

func (r *SignDataResponse) GetStatus() Status {
	if r == nil {
		return missingStatus
	}
	return r.Status
}

func (r *VerifySignatureResponse) GetStatus() Status {
	if r == nil {
		return missingStatus
	}
	return r.Status
}

func (r *GetKeyResponse) GetStatus() Status {
	if r == nil {
		return missingStatus
	}
	return r.Status
}

func (r *ListKeysResponse) GetStatus() Status {
	if r == nil {
		return missingStatus
	}
	return r.Status
}

func (r *DeleteKeyResponse) GetStatus() Status {
	if r == nil {
		return missingStatus
	}
	return r.Status
}

func (r *EncryptDataResponse) GetStatus() Status {
	if r == nil {
		return missingStatus
	}
	return r.Status
}

func (r *DecryptDataResponse) GetStatus() Status {
	if r == nil {
		return missingStatus
	}
	return r.Status
}

func (r *HealthResponse) GetStatus() Status {
	if r == nil {
		return missingStatus
	}
	return r.Status
}
