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
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/timestamppb"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
	"github.com/jeremyhahn/go-keychain-csp/pkg/metrics"
	"github.com/jeremyhahn/go-keychain-csp/pkg/validation"
)

// Version is reported by the Health RPC.
const Version = "1.0.0"

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

type keyEntry struct {
	meta  cspv1.KeyMetadata
	priv  crypto.Signer
	seq   uint64
	reqID string
}

// Service implements cspv1.SupacryptServiceServer over an in-memory key
// table.
type Service struct {
	mu       sync.RWMutex
	keys     map[string]*keyEntry
	names    map[string]string
	requests map[string]string
	seq      uint64
	now      func() time.Time
	version  string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceClock replaces time.Now for creation timestamps.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithVersion overrides the version reported by Health.
func WithVersion(v string) ServiceOption {
	return func(s *Service) { s.version = v }
}

// NewService returns an empty key service.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		keys:     make(map[string]*keyEntry),
		names:    make(map[string]string),
		requests: make(map[string]string),
		now:      time.Now,
		version:  Version,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newStatus(code cspv1.ErrorCode, format string, args ...any) cspv1.Status {
	return cspv1.Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

var statusOK = cspv1.Status{Code: cspv1.ErrorCodeOK}

// Len returns the number of stored keys.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// GenerateKey creates a key. A request carrying a RequestID already seen
// returns the key created by the first submission.
func (s *Service) GenerateKey(ctx context.Context, req *cspv1.GenerateKeyRequest) (*cspv1.GenerateKeyResponse, error) {
	if req.RequestID != "" {
		s.mu.RLock()
		id, seen := s.requests[req.RequestID]
		var meta *cspv1.KeyMetadata
		if seen {
			if e, live := s.keys[id]; live {
				meta = cloneMetadata(&e.meta)
			}
		}
		s.mu.RUnlock()
		if meta != nil {
			return &cspv1.GenerateKeyResponse{Status: statusOK, Key: meta}, nil
		}
	}

	if err := validation.ValidateLabels(req.Labels); err != nil {
		return &cspv1.GenerateKeyResponse{Status: newStatus(cspv1.ErrorCodeInvalidRequest, "%v", err)}, nil
	}

	usage := req.Usage
	if usage == cspv1.KeyUsageUnspecified {
		usage = cspv1.KeyUsageSign
	}
	if usage < cspv1.KeyUsageSign || usage > cspv1.KeyUsageSignEncrypt {
		return &cspv1.GenerateKeyResponse{Status: newStatus(cspv1.ErrorCodeInvalidRequest, "unknown key usage %d", req.Usage)}, nil
	}
	if usage.CanEncrypt() && req.Algorithm != cspv1.KeyAlgorithmRSA {
		return &cspv1.GenerateKeyResponse{Status: newStatus(cspv1.ErrorCodeUnsupportedAlgorithm, "%s keys cannot encrypt", req.Algorithm)}, nil
	}

	priv, size, st := generatePrivateKey(req.Algorithm, int(req.KeySize))
	if !st.OK() {
		return &cspv1.GenerateKeyResponse{Status: st}, nil
	}
	der, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return &cspv1.GenerateKeyResponse{Status: newStatus(cspv1.ErrorCodeInternal, "marshal public key: %v", err)}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A concurrent duplicate may have won while the key was generated.
	if req.RequestID != "" {
		if id, seen := s.requests[req.RequestID]; seen {
			if e, live := s.keys[id]; live {
				return &cspv1.GenerateKeyResponse{Status: statusOK, Key: cloneMetadata(&e.meta)}, nil
			}
		}
	}
	if req.Name != "" {
		if _, exists := s.names[req.Name]; exists {
			return &cspv1.GenerateKeyResponse{Status: newStatus(cspv1.ErrorCodeKeyAlreadyExists, "key %q already exists", req.Name)}, nil
		}
	}

	s.seq++
	e := &keyEntry{
		priv:  priv,
		seq:   s.seq,
		reqID: req.RequestID,
		meta: cspv1.KeyMetadata{
			KeyID:      uuid.NewString(),
			Name:       req.Name,
			Algorithm:  req.Algorithm,
			KeySize:    int32(size),
			Usage:      usage,
			Exportable: req.Exportable,
			Labels:     cloneLabels(req.Labels),
			PublicKey:  der,
			CreatedAt:  timestamppb.New(s.now()),
		},
	}
	s.keys[e.meta.KeyID] = e
	if req.Name != "" {
		s.names[req.Name] = e.meta.KeyID
	}
	if req.RequestID != "" {
		s.requests[req.RequestID] = e.meta.KeyID
	}
	metrics.SetBackendKeys(len(s.keys))

	return &cspv1.GenerateKeyResponse{Status: statusOK, Key: cloneMetadata(&e.meta)}, nil
}

func (s *Service) lookup(keyID string) (*keyEntry, cspv1.Status) {
	if keyID == "" {
		return nil, newStatus(cspv1.ErrorCodeInvalidRequest, "key_id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, found := s.keys[keyID]
	if !found {
		return nil, newStatus(cspv1.ErrorCodeKeyNotFound, "key %s not found", keyID)
	}
	return e, statusOK
}

func (s *Service) SignData(ctx context.Context, req *cspv1.SignDataRequest) (*cspv1.SignDataResponse, error) {
	e, st := s.lookup(req.KeyID)
	if !st.OK() {
		return &cspv1.SignDataResponse{Status: st}, nil
	}
	if !e.meta.Usage.CanSign() {
		return &cspv1.SignDataResponse{Status: newStatus(cspv1.ErrorCodePermissionDenied, "key %s is not a signing key", req.KeyID)}, nil
	}
	h, digest, st := digestFor(req.HashAlgorithm, req.Data, req.IsPrehashed)
	if !st.OK() {
		return &cspv1.SignDataResponse{Status: st}, nil
	}
	sig, err := sign(e.priv, h, digest)
	if err != nil {
		return &cspv1.SignDataResponse{Status: newStatus(cspv1.ErrorCodeInternal, "sign: %v", err)}, nil
	}
	return &cspv1.SignDataResponse{Status: statusOK, Signature: sig}, nil
}

// VerifySignature reports a mismatch as Valid=false with an OK status.
func (s *Service) VerifySignature(ctx context.Context, req *cspv1.VerifySignatureRequest) (*cspv1.VerifySignatureResponse, error) {
	e, st := s.lookup(req.KeyID)
	if !st.OK() {
		return &cspv1.VerifySignatureResponse{Status: st}, nil
	}
	if !e.meta.Usage.CanSign() {
		return &cspv1.VerifySignatureResponse{Status: newStatus(cspv1.ErrorCodePermissionDenied, "key %s is not a signing key", req.KeyID)}, nil
	}
	h, digest, st := digestFor(req.HashAlgorithm, req.Data, req.IsPrehashed)
	if !st.OK() {
		return &cspv1.VerifySignatureResponse{Status: st}, nil
	}
	return &cspv1.VerifySignatureResponse{Status: statusOK, Valid: verify(e.priv.Public(), h, digest, req.Signature)}, nil
}

func (s *Service) GetKey(ctx context.Context, req *cspv1.GetKeyRequest) (*cspv1.GetKeyResponse, error) {
	e, st := s.lookup(req.KeyID)
	if !st.OK() {
		return &cspv1.GetKeyResponse{Status: st}, nil
	}
	s.mu.RLock()
	meta := cloneMetadata(&e.meta)
	s.mu.RUnlock()
	return &cspv1.GetKeyResponse{Status: statusOK, Key: meta}, nil
}

// ListKeys returns keys in creation order. The page token is the offset of
// the next key within the filtered list.
func (s *Service) ListKeys(ctx context.Context, req *cspv1.ListKeysRequest) (*cspv1.ListKeysResponse, error) {
	size := int(req.PageSize)
	switch {
	case size < 0:
		return &cspv1.ListKeysResponse{Status: newStatus(cspv1.ErrorCodeInvalidRequest, "negative page size")}, nil
	case size == 0:
		size = defaultPageSize
	case size > maxPageSize:
		size = maxPageSize
	}
	offset := 0
	if req.PageToken != "" {
		n, err := strconv.Atoi(req.PageToken)
		if err != nil || n < 0 {
			return &cspv1.ListKeysResponse{Status: newStatus(cspv1.ErrorCodeInvalidRequest, "invalid page token %q", req.PageToken)}, nil
		}
		offset = n
	}

	s.mu.RLock()
	matched := make([]*keyEntry, 0, len(s.keys))
	for _, e := range s.keys {
		if hasLabels(e.meta.Labels, req.Labels) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	resp := &cspv1.ListKeysResponse{Status: statusOK}
	if offset < len(matched) {
		end := offset + size
		if end > len(matched) {
			end = len(matched)
		}
		for _, e := range matched[offset:end] {
			resp.Keys = append(resp.Keys, cloneMetadata(&e.meta))
		}
		if end < len(matched) {
			resp.NextPageToken = strconv.Itoa(end)
		}
	}
	s.mu.RUnlock()
	return resp, nil
}

func (s *Service) DeleteKey(ctx context.Context, req *cspv1.DeleteKeyRequest) (*cspv1.DeleteKeyResponse, error) {
	if req.KeyID == "" {
		return &cspv1.DeleteKeyResponse{Status: newStatus(cspv1.ErrorCodeInvalidRequest, "key_id is required")}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.keys[req.KeyID]
	if !found {
		return &cspv1.DeleteKeyResponse{Status: newStatus(cspv1.ErrorCodeKeyNotFound, "key %s not found", req.KeyID)}, nil
	}
	delete(s.keys, req.KeyID)
	if e.meta.Name != "" {
		delete(s.names, e.meta.Name)
	}
	if e.reqID != "" {
		delete(s.requests, e.reqID)
	}
	metrics.SetBackendKeys(len(s.keys))
	return &cspv1.DeleteKeyResponse{Status: statusOK}, nil
}

func (s *Service) EncryptData(ctx context.Context, req *cspv1.EncryptDataRequest) (*cspv1.EncryptDataResponse, error) {
	e, st := s.lookup(req.KeyID)
	if !st.OK() {
		return &cspv1.EncryptDataResponse{Status: st}, nil
	}
	if !e.meta.Usage.CanEncrypt() {
		return &cspv1.EncryptDataResponse{Status: newStatus(cspv1.ErrorCodePermissionDenied, "key %s is not an encryption key", req.KeyID)}, nil
	}
	pub, isRSA := e.priv.Public().(*rsa.PublicKey)
	if !isRSA {
		return &cspv1.EncryptDataResponse{Status: newStatus(cspv1.ErrorCodeOperationNotSupported, "encryption requires an RSA key")}, nil
	}
	ct, err := encrypt(pub, req.Padding, req.Plaintext)
	if err != nil {
		return &cspv1.EncryptDataResponse{Status: newStatus(cspv1.ErrorCodeInvalidData, "encrypt: %v", err)}, nil
	}
	return &cspv1.EncryptDataResponse{Status: statusOK, Ciphertext: ct}, nil
}

func (s *Service) DecryptData(ctx context.Context, req *cspv1.DecryptDataRequest) (*cspv1.DecryptDataResponse, error) {
	e, st := s.lookup(req.KeyID)
	if !st.OK() {
		return &cspv1.DecryptDataResponse{Status: st}, nil
	}
	if !e.meta.Usage.CanEncrypt() {
		return &cspv1.DecryptDataResponse{Status: newStatus(cspv1.ErrorCodePermissionDenied, "key %s is not an encryption key", req.KeyID)}, nil
	}
	priv, isRSA := e.priv.(*rsa.PrivateKey)
	if !isRSA {
		return &cspv1.DecryptDataResponse{Status: newStatus(cspv1.ErrorCodeOperationNotSupported, "decryption requires an RSA key")}, nil
	}
	pt, err := decrypt(priv, req.Padding, req.Ciphertext)
	if err != nil {
		return &cspv1.DecryptDataResponse{Status: newStatus(cspv1.ErrorCodeInvalidData, "decrypt: %v", err)}, nil
	}
	return &cspv1.DecryptDataResponse{Status: statusOK, Plaintext: pt}, nil
}

func (s *Service) Health(ctx context.Context, req *cspv1.HealthRequest) (*cspv1.HealthResponse, error) {
	return &cspv1.HealthResponse{Status: statusOK, Serving: true, Version: s.version}, nil
}

func hasLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func cloneLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneMetadata(m *cspv1.KeyMetadata) *cspv1.KeyMetadata {
	c := *m
	c.Labels = cloneLabels(m.Labels)
	c.PublicKey = append([]byte(nil), m.PublicKey...)
	if m.CreatedAt != nil {
		c.CreatedAt = timestamppb.New(m.CreatedAt.AsTime())
	}
	return &c
}

var _ cspv1.SupacryptServiceServer = (*Service)(nil)
