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

package rpcclient

import (
	"context"

	"github.com/google/uuid"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
	"github.com/jeremyhahn/go-keychain-csp/pkg/csperr"
	"github.com/jeremyhahn/go-keychain-csp/pkg/validation"
)

// KeySpec describes a key to generate.
type KeySpec struct {
	Name       string
	Algorithm  cspv1.KeyAlgorithm
	KeySize    int
	Usage      cspv1.KeyUsage
	Exportable bool
	Labels     map[string]string

	// RequestID deduplicates retried submissions on the backend. A random
	// one is assigned when empty.
	RequestID string
}

// ListOptions selects one page of keys.
type ListOptions struct {
	Labels    map[string]string
	PageSize  int
	PageToken string
}

// KeyPage is one page of ListKeys results.
type KeyPage struct {
	Keys          []*cspv1.KeyMetadata
	NextPageToken string
}

func requireKeyID(op, keyID string) error {
	if err := validation.ValidateKeyID(keyID); err != nil {
		return csperr.Validation(csperr.InvalidParameter, op, err.Error())
	}
	return nil
}

func checkLabels(op string, labels map[string]string) error {
	if err := validation.ValidateLabels(labels); err != nil {
		return csperr.Validation(csperr.InvalidParameter, op, err.Error())
	}
	return nil
}

// GenerateKey creates a key on the backend. A timeout does not prove the key
// was not created; retrying with the same RequestID is safe.
func (c *Client) GenerateKey(ctx context.Context, spec KeySpec) (*cspv1.KeyMetadata, error) {
	const op = "GenerateKey"
	if spec.Algorithm == cspv1.KeyAlgorithmUnspecified {
		return nil, csperr.Validation(csperr.BadAlgorithm, op, "algorithm is required")
	}
	if spec.KeySize < 0 {
		return nil, csperr.Validation(csperr.InvalidParameter, op, "key size must not be negative")
	}
	if err := checkLabels(op, spec.Labels); err != nil {
		return nil, err
	}
	if spec.RequestID == "" {
		spec.RequestID = uuid.NewString()
	}
	req := &cspv1.GenerateKeyRequest{
		RequestID:  spec.RequestID,
		Name:       spec.Name,
		Algorithm:  spec.Algorithm,
		KeySize:    int32(spec.KeySize),
		Usage:      spec.Usage,
		Exportable: spec.Exportable,
		Labels:     spec.Labels,
	}
	resp, err := execute(ctx, c, op, func(ctx context.Context, api cspv1.SupacryptServiceClient) (*cspv1.GenerateKeyResponse, error) {
		return api.GenerateKey(ctx, req)
	}).Unwrap()
	if err != nil {
		return nil, err
	}
	if resp.Key == nil {
		return nil, csperr.New(csperr.KindBackend, csperr.InternalError, op, "backend returned no key metadata")
	}
	return resp.Key, nil
}

// SignData signs data, or a precomputed digest when prehashed is set.
func (c *Client) SignData(ctx context.Context, keyID string, data []byte, hash cspv1.HashAlgorithm, prehashed bool) ([]byte, error) {
	const op = "SignData"
	if err := requireKeyID(op, keyID); err != nil {
		return nil, err
	}
	req := &cspv1.SignDataRequest{KeyID: keyID, Data: data, HashAlgorithm: hash, IsPrehashed: prehashed}
	resp, err := execute(ctx, c, op, func(ctx context.Context, api cspv1.SupacryptServiceClient) (*cspv1.SignDataResponse, error) {
		return api.SignData(ctx, req)
	}).Unwrap()
	if err != nil {
		return nil, err
	}
	return resp.Signature, nil
}

// VerifySignature reports whether signature is valid for data. An invalid
// signature is (false, nil), not an error.
func (c *Client) VerifySignature(ctx context.Context, keyID string, data, signature []byte, hash cspv1.HashAlgorithm, prehashed bool) (bool, error) {
	const op = "VerifySignature"
	if err := requireKeyID(op, keyID); err != nil {
		return false, err
	}
	req := &cspv1.VerifySignatureRequest{
		KeyID:         keyID,
		Data:          data,
		Signature:     signature,
		HashAlgorithm: hash,
		IsPrehashed:   prehashed,
	}
	resp, err := execute(ctx, c, op, func(ctx context.Context, api cspv1.SupacryptServiceClient) (*cspv1.VerifySignatureResponse, error) {
		return api.VerifySignature(ctx, req)
	}).Unwrap()
	if err != nil {
		if csperr.CodeOf(err) == csperr.BadSignature {
			return false, nil
		}
		return false, err
	}
	return resp.Valid, nil
}

func (c *Client) EncryptData(ctx context.Context, keyID string, plaintext []byte, padding cspv1.Padding) ([]byte, error) {
	const op = "EncryptData"
	if err := requireKeyID(op, keyID); err != nil {
		return nil, err
	}
	req := &cspv1.EncryptDataRequest{KeyID: keyID, Plaintext: plaintext, Padding: padding}
	resp, err := execute(ctx, c, op, func(ctx context.Context, api cspv1.SupacryptServiceClient) (*cspv1.EncryptDataResponse, error) {
		return api.EncryptData(ctx, req)
	}).Unwrap()
	if err != nil {
		return nil, err
	}
	return resp.Ciphertext, nil
}

func (c *Client) DecryptData(ctx context.Context, keyID string, ciphertext []byte, padding cspv1.Padding) ([]byte, error) {
	const op = "DecryptData"
	if err := requireKeyID(op, keyID); err != nil {
		return nil, err
	}
	req := &cspv1.DecryptDataRequest{KeyID: keyID, Ciphertext: ciphertext, Padding: padding}
	resp, err := execute(ctx, c, op, func(ctx context.Context, api cspv1.SupacryptServiceClient) (*cspv1.DecryptDataResponse, error) {
		return api.DecryptData(ctx, req)
	}).Unwrap()
	if err != nil {
		return nil, err
	}
	return resp.Plaintext, nil
}

func (c *Client) GetKey(ctx context.Context, keyID string) (*cspv1.KeyMetadata, error) {
	const op = "GetKey"
	if err := requireKeyID(op, keyID); err != nil {
		return nil, err
	}
	req := &cspv1.GetKeyRequest{KeyID: keyID}
	resp, err := execute(ctx, c, op, func(ctx context.Context, api cspv1.SupacryptServiceClient) (*cspv1.GetKeyResponse, error) {
		return api.GetKey(ctx, req)
	}).Unwrap()
	if err != nil {
		return nil, err
	}
	if resp.Key == nil {
		return nil, csperr.New(csperr.KindBackend, csperr.InternalError, op, "backend returned no key metadata")
	}
	return resp.Key, nil
}

// ListKeys returns one page. Callers page with NextPageToken; the client
// never issues more than one RPC per call.
func (c *Client) ListKeys(ctx context.Context, opts ListOptions) (*KeyPage, error) {
	const op = "ListKeys"
	if opts.PageSize < 0 {
		return nil, csperr.Validation(csperr.InvalidParameter, op, "page size must not be negative")
	}
	if err := checkLabels(op, opts.Labels); err != nil {
		return nil, err
	}
	req := &cspv1.ListKeysRequest{
		Labels:    opts.Labels,
		PageSize:  int32(opts.PageSize),
		PageToken: opts.PageToken,
	}
	resp, err := execute(ctx, c, op, func(ctx context.Context, api cspv1.SupacryptServiceClient) (*cspv1.ListKeysResponse, error) {
		return api.ListKeys(ctx, req)
	}).Unwrap()
	if err != nil {
		return nil, err
	}
	return &KeyPage{Keys: resp.Keys, NextPageToken: resp.NextPageToken}, nil
}

func (c *Client) DeleteKey(ctx context.Context, keyID string) error {
	const op = "DeleteKey"
	if err := requireKeyID(op, keyID); err != nil {
		return err
	}
	req := &cspv1.DeleteKeyRequest{KeyID: keyID}
	return execute(ctx, c, op, func(ctx context.Context, api cspv1.SupacryptServiceClient) (*cspv1.DeleteKeyResponse, error) {
		return api.DeleteKey(ctx, req)
	}).Err()
}

// Health asks the backend whether it is serving. It goes through the same
// admission path as every other call.
func (c *Client) Health(ctx context.Context) (*cspv1.HealthResponse, error) {
	return execute(ctx, c, "Health", func(ctx context.Context, api cspv1.SupacryptServiceClient) (*cspv1.HealthResponse, error) {
		return api.Health(ctx, &cspv1.HealthRequest{})
	}).Unwrap()
}
