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
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind is the layer an error originated in.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation errors are detected locally before any remote call.
	KindValidation
	// KindAdmission errors come from the breaker, pool or rate limiter.
	KindAdmission
	// KindTransport errors come from the RPC layer.
	KindTransport
	// KindBackend errors carry a business status returned by the backend.
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAdmission:
		return "admission"
	case KindTransport:
		return "transport"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// Error is a translated error. Func and Line record where it was raised.
type Error struct {
	Kind     Kind
	Code     Code
	Category Category
	Op       string
	Message  string
	Detail   string
	Func     string
	Line     int
	Cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("csp: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	msg := e.Message
	if msg == "" {
		msg = Describe(e.Code)
	}
	b.WriteString(msg)
	fmt.Fprintf(&b, " (%s)", e.Code)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code. When the target carries a Kind the
// kinds must match as well.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Kind == KindUnknown || t.Kind == e.Kind
}

// WithDetail returns a copy of e with the detail string set.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// Sentinels for errors.Is. They carry no kind, so they match any error with
// the same code.
var (
	ErrInvalidHandle    = &Error{Code: InvalidHandle}
	ErrInvalidParameter = &Error{Code: InvalidParameter}
	ErrBadFlags         = &Error{Code: BadFlags}
	ErrBadAlgorithm     = &Error{Code: BadAlgorithm}
	ErrBadType          = &Error{Code: BadType}
	ErrBadKeyState      = &Error{Code: BadKeyState}
	ErrBadHashState     = &Error{Code: BadHashState}
	ErrBadSignature     = &Error{Code: BadSignature}
	ErrBadData          = &Error{Code: BadData}
	ErrBadKeyset        = &Error{Code: BadKeyset}
	ErrMoreData         = &Error{Code: MoreData}
	ErrNoMoreItems      = &Error{Code: NoMoreItems}
	ErrNotSupported     = &Error{Code: NotSupported}
	ErrKeyNotFound      = &Error{Code: KeyNotFound}
	ErrKeyExists        = &Error{Code: KeyExists}
	ErrPermission       = &Error{Code: Permission}
	ErrAccessDenied     = &Error{Code: AccessDenied}
	ErrInternal         = &Error{Code: InternalError}
	ErrTimeout          = &Error{Code: Timeout}
	ErrNetwork          = &Error{Code: NetworkUnreachable}
	ErrCancelled        = &Error{Code: Cancelled}

	ErrCircuitOpen   = &Error{Code: NotReady, Kind: KindAdmission}
	ErrPoolExhausted = &Error{Code: Busy, Kind: KindAdmission}
	ErrUnavailable   = &Error{Code: ProviderDllFail, Kind: KindAdmission}
	ErrThrottled     = &Error{Code: TooManyCommands, Kind: KindAdmission}
)

// New creates an error of the given kind and records the caller.
func New(kind Kind, code Code, op, message string) *Error {
	return newError(2, kind, code, op, message, nil)
}

// Newf is New with a formatted message.
func Newf(kind Kind, code Code, op, format string, args ...any) *Error {
	return newError(2, kind, code, op, fmt.Sprintf(format, args...), nil)
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, code Code, op string, cause error) *Error {
	return newError(2, kind, code, op, "", cause)
}

// Validation is shorthand for New(KindValidation, ...).
func Validation(code Code, op, message string) *Error {
	return newError(2, KindValidation, code, op, message, nil)
}

// Admission is shorthand for New(KindAdmission, ...).
func Admission(code Code, op, message string) *Error {
	return newError(2, KindAdmission, code, op, message, nil)
}

func newError(skip int, kind Kind, code Code, op, message string, cause error) *Error {
	e := &Error{Kind: kind, Code: code, Op: op, Message: message, Cause: cause}
	e.Func, e.Line = caller(skip + 1)
	return e
}

func caller(skip int) (string, int) {
	pc, _, line, ok := runtime.Caller(skip)
	if !ok {
		return "", 0
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "", line
	}
	return fn.Name(), line
}

// CodeOf returns the canonical code for err. A nil error is Success and an
// untranslated error is InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
