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

package csperr

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	cspv1 "github.com/jeremyhahn/go-keychain-csp/api/proto/cspv1"
)

// Category groups transport statuses by how the caller should react.
type Category int

const (
	CategoryNone Category = iota
	CategoryTimeout
	CategoryNetwork
	CategoryAuth
	CategoryInternal
	CategoryCanceled
	// CategoryClient covers statuses caused by the request itself.
	CategoryClient
)

func (c Category) String() string {
	switch c {
	case CategoryTimeout:
		return "timeout"
	case CategoryNetwork:
		return "network"
	case CategoryAuth:
		return "auth"
	case CategoryInternal:
		return "internal"
	case CategoryCanceled:
		return "canceled"
	case CategoryClient:
		return "client"
	default:
		return "none"
	}
}

var backendToLocal = map[cspv1.ErrorCode]Code{
	cspv1.ErrorCodeOK:                    Success,
	cspv1.ErrorCodeInvalidRequest:        InvalidParameter,
	cspv1.ErrorCodeKeyNotFound:           KeyNotFound,
	cspv1.ErrorCodeKeyAlreadyExists:      KeyExists,
	cspv1.ErrorCodeUnsupportedAlgorithm:  BadAlgorithm,
	cspv1.ErrorCodeInvalidSignature:      BadSignature,
	cspv1.ErrorCodePermissionDenied:      Permission,
	cspv1.ErrorCodeAuthenticationFailed:  AccessDenied,
	cspv1.ErrorCodeInvalidKeySize:        BadFlags,
	cspv1.ErrorCodeInvalidData:           BadData,
	cspv1.ErrorCodeOperationNotSupported: NotSupported,
	cspv1.ErrorCodeQuotaExceeded:         Busy,
	cspv1.ErrorCodeInternal:              InternalError,
	cspv1.ErrorCodeServiceUnavailable:    ProviderDllFail,
	cspv1.ErrorCodeTimeout:               Timeout,
}

var localToBackend = func() map[Code]cspv1.ErrorCode {
	m := make(map[Code]cspv1.ErrorCode, len(backendToLocal))
	for b, l := range backendToLocal {
		m[l] = b
	}
	return m
}()

type transportMapping struct {
	category Category
	code     Code
}

var transportTable = map[codes.Code]transportMapping{
	codes.OK:                 {CategoryNone, Success},
	codes.DeadlineExceeded:   {CategoryTimeout, Timeout},
	codes.Unavailable:        {CategoryNetwork, NetworkUnreachable},
	codes.ResourceExhausted:  {CategoryNetwork, Busy},
	codes.Aborted:            {CategoryNetwork, NetworkUnreachable},
	codes.Unauthenticated:    {CategoryAuth, AccessDenied},
	codes.PermissionDenied:   {CategoryAuth, Permission},
	codes.Canceled:           {CategoryCanceled, Cancelled},
	codes.Internal:           {CategoryInternal, InternalError},
	codes.Unknown:            {CategoryInternal, InternalError},
	codes.DataLoss:           {CategoryInternal, InternalError},
	codes.InvalidArgument:    {CategoryClient, InvalidParameter},
	codes.FailedPrecondition: {CategoryClient, BadKeyState},
	codes.OutOfRange:         {CategoryClient, BadLength},
	codes.NotFound:           {CategoryClient, KeyNotFound},
	codes.AlreadyExists:      {CategoryClient, KeyExists},
	codes.Unimplemented:      {CategoryClient, NotSupported},
}

// FromBackend maps a backend business code to the local code. Unknown values
// degrade to InternalError.
func FromBackend(code cspv1.ErrorCode) Code {
	if c, ok := backendToLocal[code]; ok {
		return c
	}
	return InternalError
}

// ToBackend maps a local code to the backend vocabulary. Codes with no
// backend counterpart become ErrorCodeInternal.
func ToBackend(code Code) cspv1.ErrorCode {
	if c, ok := localToBackend[code]; ok {
		return c
	}
	return cspv1.ErrorCodeInternal
}

// TransportCategoryOf maps a gRPC status code to a local category. Unmapped
// codes are internal.
func TransportCategoryOf(code codes.Code) Category {
	if m, ok := transportTable[code]; ok {
		return m.category
	}
	return CategoryInternal
}

// FromStatus translates an RPC error into a transport error. Errors that are
// already translated are returned unchanged. Returns nil for a nil error.
func FromStatus(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	code := status.Code(err)
	if code == codes.Unknown {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			code = codes.DeadlineExceeded
		case errors.Is(err, context.Canceled):
			code = codes.Canceled
		}
	}
	m, ok := transportTable[code]
	if !ok || code == codes.OK {
		m = transportMapping{CategoryInternal, InternalError}
	}

	e := newError(2, KindTransport, m.code, op, "", err)
	e.Category = m.category
	if st, ok := status.FromError(err); ok {
		e.Message = st.Message()
		e.Detail = code.String()
	}
	return e
}

// FromBackendStatus translates a non-OK backend status. It returns nil for OK.
func FromBackendStatus(op string, st cspv1.Status) *Error {
	if st.OK() {
		return nil
	}
	e := newError(2, KindBackend, FromBackend(st.Code), op, st.Message, nil)
	e.Detail = st.Details
	if e.Detail == "" {
		e.Detail = st.Code.String()
	}
	return e
}

// IsConnectionFault reports whether err indicates the connection it was sent
// on should not be reused.
func IsConnectionFault(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindTransport {
		return false
	}
	switch e.Category {
	case CategoryTimeout, CategoryNetwork, CategoryInternal:
		return true
	}
	return false
}

// IsBackendFault reports whether a backend business code means the backend
// itself is unhealthy rather than the request being wrong.
func IsBackendFault(code cspv1.ErrorCode) bool {
	switch code {
	case cspv1.ErrorCodeInternal, cspv1.ErrorCodeServiceUnavailable, cspv1.ErrorCodeTimeout:
		return true
	}
	if _, ok := backendToLocal[code]; !ok {
		return true
	}
	return false
}
