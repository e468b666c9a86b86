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

// Result carries either a value or a tagged error.
type Result[T any] struct {
	value T
	err   *Error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Failed wraps an error. A nil err is recorded as an internal error so a
// Result never reports success without a value being set through Ok.
func Failed[T any](err *Error) Result[T] {
	if err == nil {
		err = newError(2, KindUnknown, InternalError, "", "missing error", nil)
	}
	return Result[T]{err: err}
}

func (r Result[T]) IsOk() bool {
	return r.err == nil
}

func (r Result[T]) Value() T {
	return r.value
}

// Err returns the error as an error interface. It is a true nil on success.
func (r Result[T]) Err() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

// Error returns the typed error, or nil on success.
func (r Result[T]) Error() *Error {
	return r.err
}

func (r Result[T]) Kind() Kind {
	if r.err == nil {
		return KindUnknown
	}
	return r.err.Kind
}

// Unwrap returns the value and the error in the usual Go shape.
func (r Result[T]) Unwrap() (T, error) {
	return r.value, r.Err()
}
