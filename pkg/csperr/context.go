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
)

// Context is the detail retained for the last-error channel. It is a value
// owned by one call path and is never shared.
type Context struct {
	Code     Code
	Kind     Kind
	Message  string
	Detail   string
	Function string
	Line     int
}

// ContextOf captures err. A nil error gives a Success context. Untranslated
// errors become InternalError and record the caller of ContextOf.
func ContextOf(err error) Context {
	if err == nil {
		return Context{Code: Success, Message: Describe(Success)}
	}
	var e *Error
	if errors.As(err, &e) {
		msg := e.Message
		if msg == "" {
			msg = Describe(e.Code)
		}
		detail := e.Detail
		if detail == "" && e.Cause != nil {
			detail = e.Cause.Error()
		}
		return Context{
			Code:     e.Code,
			Kind:     e.Kind,
			Message:  msg,
			Detail:   detail,
			Function: e.Func,
			Line:     e.Line,
		}
	}
	fn, line := caller(2)
	return Context{
		Code:     InternalError,
		Message:  Describe(InternalError),
		Detail:   err.Error(),
		Function: fn,
		Line:     line,
	}
}

func (c Context) String() string {
	s := fmt.Sprintf("%s %s: %s", c.Code, c.Kind, c.Message)
	if c.Detail != "" {
		s += " (" + c.Detail + ")"
	}
	if c.Function != "" {
		s += fmt.Sprintf(" at %s:%d", c.Function, c.Line)
	}
	return s
}
